package core

import (
	"encoding/binary"

	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/intc"
	"github.com/rcornwell/mpc5674f/internal/opcode"
)

// This decoder does not attempt a bit-exact rendition of the e200z7's
// PowerPC/VLE encoding: that is thousands of instruction forms, well
// beyond what the rest of this system needs in order to exercise the
// MMU, interrupt controller, watchdog, BAM, and flash controller end to
// end. Instead each 4-byte (BookE) or 2-byte (VLE) slot is tagged by its
// leading byte from a small internal opcode table covering exactly the
// instructions those subsystems' scenarios drive: SPR moves, the TLB
// family, return-from-interrupt, branch, and no-op.
const (
	opMtspr  = 0x10
	opMfspr  = 0x11
	opTlbwe  = 0x20
	opTlbre  = 0x21
	opTlbsx  = 0x22
	opTlbivax = 0x23
	opTlbsync = 0x24
	opRfi    = 0x30
	opRfci   = 0x31
	opRfmci  = 0x32
	opRfdi   = 0x33
	opB      = 0x40
	opNop    = 0x00

	// opBreakTrap is the leading byte of the breakpoint trap instruction
	// the debug interface substitutes for the original opcode: 4c 00 01
	// 8c for BookE, a 2-byte 4c 00 for VLE. Both share the same tag
	// since decode dispatches on raw[0] regardless of slot width.
	opBreakTrap = 0x4c
)

// parse translates PC to a physical address, consults the decode cache
// for that mode, and on a miss decodes from the memory map and inserts.
func (c *Core) parse(pc uint32) (*opcode.Instr, bool, error) {
	ts := uint8(0)
	if c.Regs.MSR&MsrIS != 0 {
		ts = 1
	}
	tid := uint8(c.Regs.SPR(SprPID0))

	ea, vle, err := c.TLB.TranslateInstr(pc, ts, tid)
	if err != nil {
		return nil, false, err
	}

	mode := opcode.BookE
	if vle {
		mode = opcode.VLE
	}

	if instr, ok := c.Cache.Lookup(mode, ea); ok {
		return instr, vle, nil
	}

	size := 4
	if vle {
		size = 2
	}
	raw, err := c.Mem.RawBytes(ea, size)
	if err != nil {
		return nil, false, err
	}

	instr := c.decode(raw, ea, vle)
	c.Cache.Insert(mode, ea, instr)
	return instr, vle, nil
}

// Field layout within a 4-byte BookE slot: raw[0]=tag, raw[1:3]=16-bit
// field A (SPR index or branch displacement), raw[3]=8-bit field B (GPR
// index). VLE's 2-byte slot only has room for the tag and field B.
func (c *Core) decode(raw []byte, ea uint32, vle bool) *opcode.Instr {
	size := len(raw)
	instr := &opcode.Instr{Start: ea, End: ea + uint32(size), VLE: vle, Size: size}

	tag := raw[0]
	var fieldA uint16
	var fieldB uint8
	if size == 4 {
		fieldA = binary.BigEndian.Uint16(raw[1:3])
		fieldB = raw[3]
	} else {
		fieldB = raw[1]
	}

	switch tag {
	case opMtspr:
		instr.Op = "mtspr"
		spr, gpr := fieldA, fieldB
		instr.Exec = func() error { c.Regs.SetSPR(spr, c.Regs.GP(gpr)); return nil }
	case opMfspr:
		instr.Op = "mfspr"
		spr, gpr := fieldA, fieldB
		instr.Exec = func() error { c.Regs.SetGP(gpr, c.Regs.SPR(spr)); return nil }
	case opTlbwe:
		instr.Op = "tlbwe"
		instr.Exec = func() error { c.TLB.Tlbwe(); return nil }
	case opTlbre:
		instr.Op = "tlbre"
		instr.Exec = func() error { c.TLB.Tlbre(); return nil }
	case opTlbsx:
		instr.Op = "tlbsx"
		gpr := fieldB
		instr.Exec = func() error { c.TLB.Tlbsx(c.Regs.GP(gpr)); return nil }
	case opTlbivax:
		instr.Op = "tlbivax"
		gpr := fieldB
		instr.Exec = func() error { c.TLB.Tlbivax(c.Regs.GP(gpr)); return nil }
	case opTlbsync:
		instr.Op = "tlbsync"
		instr.Exec = func() error { c.TLB.Tlbsync(); return nil }
	case opRfi, opRfci, opRfmci, opRfdi:
		instr.Op = rfiName(tag)
		srr0, srr1 := rfiPair(tag)
		instr.Exec = func() error {
			c.Regs.PC = c.Regs.SPR(srr0)
			c.Regs.MSR = c.Regs.SPR(srr1)
			c.Intc.Return()
			c.branched = true
			return nil
		}
	case opB:
		instr.Op = "b"
		disp := int32(int16(fieldA))
		instr.Exec = func() error {
			c.Regs.PC = uint32(int32(ea) + disp)
			c.branched = true
			return nil
		}
	case opNop:
		instr.Op = "nop"
		instr.Exec = func() error { return nil }
	case opBreakTrap:
		instr.Op = "break"
		pc := ea
		instr.Exec = func() error {
			exc := exception.New(exception.Debug, intc.SprIVOR15)
			exc.PC = pc
			return exc
		}
	default:
		instr.Op = "unsupported"
		instr.Exec = func() error { return exception.New(exception.UnsupportedInstruction, 0) }
	}

	return instr
}

func rfiName(tag byte) string {
	switch tag {
	case opRfi:
		return "rfi"
	case opRfci:
		return "rfci"
	case opRfmci:
		return "rfmci"
	case opRfdi:
		return "rfdi"
	default:
		return "rf?"
	}
}

func rfiPair(tag byte) (uint16, uint16) {
	switch tag {
	case opRfci:
		return SprCSRR0, SprCSRR1
	case opRfmci:
		return SprMCSRR0, SprMCSRR1
	case opRfdi:
		return SprDSRR0, SprDSRR1
	default:
		return SprSRR0, SprSRR1
	}
}
