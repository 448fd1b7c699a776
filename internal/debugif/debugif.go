// Package debugif implements the boundary a GDB remote-serial stub
// drives: halt/resume, raw memory and register access by virtual
// address, opcode inspection, and breakpoint install/uninstall. The wire
// protocol itself is out of scope; this package is the contract an
// external stub is built against.
//
// There is no equivalent in the pack this module was grounded on (an
// S370 mainframe has no interactive debug stub), so this is new domain
// logic built directly against core.Core's exported subsystems, the way
// bam and flash already reach past EmuHandle for operations the shared
// peripheral surface was never meant to carry.
package debugif

import (
	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/master"
	"github.com/rcornwell/mpc5674f/internal/opcode"
)

// bookETrap and vleTrap are the instruction bytes install_breakpoint
// substitutes for the original opcode. Both share leading byte 0x4c,
// which the decoder recognizes as a debug trap regardless of slot width.
var (
	bookETrap = []byte{0x4c, 0x00, 0x01, 0x8c}
	vleTrap   = []byte{0x4c, 0x00}
)

type breakpoint struct {
	addr     uint32
	pa       uint32
	original []byte
	decoded  *opcode.Instr
}

// Interface is the debug boundary bound to one core.
type Interface struct {
	core     *core.Core
	masterCh chan<- master.Packet

	breakpoints map[uint32]*breakpoint
}

// New binds a debug interface to c, sending halt/resume requests over
// masterCh the same way any other master-bus client would.
func New(c *core.Core, masterCh chan<- master.Packet) *Interface {
	return &Interface{core: c, masterCh: masterCh, breakpoints: make(map[uint32]*breakpoint)}
}

// Halt stops the execution loop.
func (d *Interface) Halt() {
	d.masterCh <- master.Packet{Msg: master.Stop}
}

// Resume restarts the execution loop.
func (d *Interface) Resume() {
	d.masterCh <- master.Packet{Msg: master.Start}
}

func (d *Interface) translate(va uint32) (uint32, error) {
	ts, tid := d.core.TranslationContext()
	return d.core.TLB.TranslateData(va, ts, tid)
}

// ReadMem reads size bytes at virtual address va. A translation or bus
// error is swallowed and reported as size zero bytes rather than
// propagated, so a connecting client cannot crash the target by probing
// an unmapped address.
func (d *Interface) ReadMem(va uint32, size int) []byte {
	pa, err := d.translate(va)
	if err != nil {
		return make([]byte, size)
	}
	data, err := d.core.Mem.Read(pa, size)
	if err != nil {
		return make([]byte, size)
	}
	return data
}

// WriteMem writes data at virtual address va.
func (d *Interface) WriteMem(va uint32, data []byte) error {
	pa, err := d.translate(va)
	if err != nil {
		return err
	}
	return d.core.Mem.Write(pa, data)
}

// ReadReg reads register idx, an SPR index in the same numbering
// GetRegister/SetRegister use elsewhere in the core.
func (d *Interface) ReadReg(idx uint16) uint32 { return d.core.Regs.SPR(idx) }

// WriteReg writes register idx.
func (d *Interface) WriteReg(idx uint16, val uint32) { d.core.Regs.SetSPR(idx, val) }

// ParseOpcode decodes the instruction at virtual address va without
// advancing PC or any other execution state.
func (d *Interface) ParseOpcode(va uint32) (*opcode.Instr, error) {
	instr, _, err := d.core.ParseAt(va)
	return instr, err
}

// WriteOpcode performs a supervisor-mode write at virtual address va and
// clears any cached decode for the written range, for a client patching
// code directly rather than through install_breakpoint.
func (d *Interface) WriteOpcode(va uint32, data []byte) error {
	pa, err := d.translate(va)
	if err != nil {
		return err
	}
	return d.writeOpcodeBytes(pa, data)
}

func (d *Interface) writeOpcodeBytes(pa uint32, data []byte) error {
	scope := d.core.Mem.Supervisor()
	defer scope.Release()
	if err := d.core.Mem.Write(pa, data); err != nil {
		return err
	}
	d.core.Cache.InvalidateRange(pa, uint32(len(data)))
	return nil
}

// InstallBreakpoint substitutes the target trap instruction at va,
// recording the original bytes and decoded instruction so
// UninstallBreakpoint can restore them. Installing over an existing
// breakpoint at the same address is a no-op.
func (d *Interface) InstallBreakpoint(va uint32) error {
	if _, ok := d.breakpoints[va]; ok {
		return nil
	}

	decoded, vle, err := d.core.ParseAt(va)
	if err != nil {
		return err
	}
	pa := decoded.Start

	trap := bookETrap
	if vle {
		trap = vleTrap
	}
	rawOrig, err := d.core.Mem.RawBytes(pa, len(trap))
	if err != nil {
		return err
	}
	orig := append([]byte(nil), rawOrig...)

	if err := d.writeOpcodeBytes(pa, trap); err != nil {
		return err
	}
	d.breakpoints[va] = &breakpoint{addr: va, pa: pa, original: orig, decoded: decoded}
	return nil
}

// UninstallBreakpoint restores the original bytes at va. A missing
// breakpoint is a no-op.
func (d *Interface) UninstallBreakpoint(va uint32) error {
	bp, ok := d.breakpoints[va]
	if !ok {
		return nil
	}
	if err := d.writeOpcodeBytes(bp.pa, bp.original); err != nil {
		return err
	}
	delete(d.breakpoints, va)
	return nil
}
