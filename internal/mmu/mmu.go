// Package mmu implements a 32-entry variable-page-size software TLB:
// tlbre/tlbwe/tlbsx/tlbivax/tlbsync semantics operating on SPR-backed
// MAS0-MAS6 registers, plus the read-only MMU capability SPRs.
//
// There is no software TLB in the IBM S/370 this project grew out of; the
// scan-first-match dispatch shape is grounded on emu/sys_channel's
// address-lookup pattern, and the exact MAS bit layout, page-size table,
// and default MAS4 reset value follow the e200z7 reference behavior so
// the worked TLB-miss example reproduces bit-for-bit.
package mmu

import (
	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/regfile"
)

// SPR indices for the MMU assist registers and capability/cache SPRs.
const (
	MAS0    uint16 = 624
	MAS1    uint16 = 625
	MAS2    uint16 = 626
	MAS3    uint16 = 627
	MAS4    uint16 = 628
	MAS6    uint16 = 630
	PID0    uint16 = 48
	MMUCFG  uint16 = 1015
	TLB0CFG uint16 = 688
	TLB1CFG uint16 = 689
	MMUCSR0 uint16 = 1016
	L1CSR0  uint16 = 1010
	L1CSR1  uint16 = 1011
)

// Bit layout constants for the e200z7 MAS0-MAS3 register encoding.
const (
	mas0TbselMask = 0x30000000
	mas0EselMask  = 0x001F0000
	mas0EselShift = 16
	mas0NvMask    = 0x0000001F

	mas1ValidMask = 0x80000000
	mas1ValidBit  = 31
	mas1IprotMask = 0x40000000
	mas1IprotBit  = 30
	mas1TidMask   = 0x007F0000
	mas1TidShift  = 16
	mas1TsMask    = 0x00001000
	mas1TsBit     = 12
	mas1TsizMask  = 0x00000F80
	mas1TsizShift = 7

	epnMask        = 0xFFFFFC00
	mas2FlagsMask  = 0x0000003F
	mas3UserMask   = 0x000003C0
	mas3UserShift  = 6
	mas3PermMask   = 0x0000003F

	mas4TlbseldMask = 0x30000000
	mas4TsizedMask  = 0x00000F80
	mas4FlagsdMask  = 0x0000003F

	mas6SpidMask  = 0x001F0000
	mas6SpidShift = 16
	mas6SasMask   = 0x00000001
)

// mas4Default is the reset value of MAS4: TLBSEL=1, TSIZED=SIZE_2KB(1),
// FLAGSD = VLE|W|G (0x32), chosen to reproduce the reference device's
// exact MAS0-3 values on a TLB miss.
const mas4Default uint32 = 0x100000B2

// PageSize is the closed enum of 23 TLB page sizes from 1KB to 4GB.
type PageSize uint8

const (
	Size1KB PageSize = iota
	Size2KB
	Size4KB
	Size8KB
	Size16KB
	Size32KB
	Size64KB
	Size128KB
	Size256KB
	Size512KB
	Size1MB
	Size2MB
	Size4MB
	Size8MB
	Size16MB
	Size32MB
	Size64MB
	Size128MB
	Size256MB
	Size512MB
	Size1GB
	Size2GB
	Size4GB
)

var sizeMask = [23]uint32{
	0xFFFFFC00, 0xFFFFF800, 0xFFFFF000, 0xFFFFE000, 0xFFFFC000,
	0xFFFF8000, 0xFFFF0000, 0xFFFE0000, 0xFFFC0000, 0xFFF80000,
	0xFFF00000, 0xFFE00000, 0xFFC00000, 0xFF800000, 0xFF000000,
	0xFE000000, 0xFC000000, 0xF8000000, 0xF0000000, 0xE0000000,
	0xC0000000, 0x80000000, 0x00000000,
}

// Flags is a bitmask of TLB entry flag bits, arranged VLE|W|I|M|G|E.
type Flags uint8

const (
	FlagVLE Flags = 1 << 5
	FlagW   Flags = 1 << 4
	FlagI   Flags = 1 << 3
	FlagM   Flags = 1 << 2
	FlagG   Flags = 1 << 1
	FlagE   Flags = 1 << 0

	FlagWG  = FlagW | FlagG
	FlagIG  = FlagI | FlagG
	FlagWIG = FlagW | FlagI | FlagG
)

// Perm is a bitmask of TLB entry permission bits, arranged SX|UX|SW|UW|SR|UR.
type Perm uint8

const (
	PermSX Perm = 1 << 5
	PermUX Perm = 1 << 4
	PermSW Perm = 1 << 3
	PermUW Perm = 1 << 2
	PermSR Perm = 1 << 1
	PermUR Perm = 1 << 0

	PermSU_RWX = PermSX | PermUX | PermSW | PermUW | PermSR | PermUR
	PermSU_RW  = PermSW | PermUW | PermSR | PermUR
	PermSU_RX  = PermSX | PermUX | PermSR | PermUR
	PermSU_R   = PermSR | PermUR
)

// Entry is a single TLB slot. Esel is immutable once created.
type Entry struct {
	Esel  int
	Valid bool
	Iprot bool
	TID   uint8 // 7 bits; 0 means global
	TS    uint8 // 1 bit address-space tag
	Tsiz  PageSize
	EPN   uint32
	Flags Flags
	RPN   uint32
	User  uint8
	Perm  Perm

	mask uint32
	vle  bool
}

// Configure sets every field of the entry and recomputes the derived mask
// and vle cache. epn & ~mask must equal epn for a well-formed entry; this
// is enforced by masking epn on the way in.
func (e *Entry) Configure(valid, iprot bool, tid, ts uint8, tsiz PageSize, epn uint32, flags Flags, rpn uint32, user uint8, perm Perm) {
	e.Valid = valid
	e.Iprot = iprot
	e.TID = tid & 0x7F
	e.TS = ts & 1
	e.Tsiz = tsiz
	e.mask = sizeMask[tsiz]
	e.EPN = epn & e.mask
	e.Flags = flags
	e.RPN = rpn & e.mask
	e.User = user & 0x0F
	e.Perm = perm
	e.vle = flags&FlagVLE != 0
}

// Clear resets the entry to invalid/all-zero, used by BAM when no valid
// boot image is found.
func (e *Entry) Clear() {
	e.Configure(false, false, 0, 0, Size1KB, 0, 0, 0, 0, 0)
}

// VLE reports the entry's cached VLE bit.
func (e *Entry) VLE() bool { return e.vle }

// Mask returns the entry's derived page mask.
func (e *Entry) Mask() uint32 { return e.mask }

// Invalidate clears the valid bit unless the entry is protected.
func (e *Entry) Invalidate() {
	if !e.Iprot {
		e.Valid = false
	}
}

// read packs the entry into MAS1/MAS2/MAS3 values.
func (e *Entry) read() (mas1, mas2, mas3 uint32) {
	mas1 = boolBit(e.Valid, mas1ValidBit) | boolBit(e.Iprot, mas1IprotBit) |
		(uint32(e.TID) << mas1TidShift) | (uint32(e.TS) << mas1TsBit) |
		(uint32(e.Tsiz) << mas1TsizShift)
	mas2 = e.EPN | uint32(e.Flags)
	mas3 = e.RPN | (uint32(e.User) << mas3UserShift) | uint32(e.Perm)
	return
}

// write unpacks MAS1/MAS2/MAS3 into the entry via Configure.
func (e *Entry) write(mas1, mas2, mas3 uint32) {
	valid := mas1&mas1ValidMask != 0
	iprot := mas1&mas1IprotMask != 0
	tid := uint8((mas1 & mas1TidMask) >> mas1TidShift)
	ts := uint8((mas1 & mas1TsMask) >> mas1TsBit)
	tsiz := PageSize((mas1 & mas1TsizMask) >> mas1TsizShift)
	epn := mas2 & epnMask
	flags := Flags(mas2 & mas2FlagsMask)
	rpn := mas3 & epnMask
	user := uint8((mas3 & mas3UserMask) >> mas3UserShift)
	perm := Perm(mas3 & mas3PermMask)
	e.Configure(valid, iprot, tid, ts, tsiz, epn, flags, rpn, user, perm)
}

func boolBit(b bool, bit uint) uint32 {
	if b {
		return 1 << bit
	}
	return 0
}

// TLB is the 32-entry ordered TLB.
type TLB struct {
	entries [32]Entry
	regs    *regfile.File
}

// New creates a TLB wired to regs for MAS0-6 and capability SPR access,
// and installs its SPR read/write hooks (MMUCFG/TLB0CFG/TLB1CFG constants,
// MMUCSR0[TLB1_FI], L1CSR0/1 cache-invalidate-bit suppression).
func New(regs *regfile.File) *TLB {
	t := &TLB{regs: regs}
	for i := range t.entries {
		t.entries[i].Esel = i
	}
	t.installHooks()
	return t
}

func (t *TLB) installHooks() {
	t.regs.InstallHooks(MMUCFG, func(uint32) uint32 {
		// rasize=0100000(7b)@17, npids=0001(4b)@11, pidsize=00111(5b)@6, ntlbs=01(2b)@2, mavn=00(2b)@0
		return (uint32(0b0100000) << 17) | (uint32(0b0001) << 11) | (uint32(0b00111) << 6) | (uint32(0b01) << 2)
	}, nil)
	t.regs.InstallHooks(TLB1CFG, func(uint32) uint32 {
		// assoc=0x20, minsize=0, maxsize=0xB, iprot=1, avail=1, p2psa=1, nentry=0x20
		return (0x20 << 24) | (0x0 << 20) | (0xB << 16) | (1 << 15) | (1 << 14) | (1 << 13) | 0x20
	}, nil)
	t.regs.InstallHooks(TLB0CFG, func(uint32) uint32 { return 0 }, nil)
	t.regs.InstallHooks(MMUCSR0, nil, func(cur, val uint32) uint32 {
		if val&0x2 != 0 {
			for i := range t.entries {
				t.entries[i].Invalidate()
			}
		}
		return 0
	})
	t.regs.InstallHooks(L1CSR0, nil, func(cur, val uint32) uint32 {
		return val &^ 0x2
	})
	t.regs.InstallHooks(L1CSR1, nil, func(cur, val uint32) uint32 {
		return val &^ 0x2
	})
	t.regs.SetRawSPR(MAS4, mas4Default)
}

// ResetDefault configures entry 0 as a 4KB identity mapping of 0xFFFFF000.
// Core.PowerOnReset does not call it; it maps entry 0 at address 0.
func (t *TLB) ResetDefault() {
	t.entries[0].Configure(true, true, 0, 0, Size4KB, 0xFFFFF000, 0, 0xFFFFF000, 0, PermSU_RWX)
}

// Reset re-seeds the MMU SPRs that carry a fixed power-on default rather
// than an arbitrary "unaffected by reset" software value. MAS4 is the
// only one: Core.PowerOnReset wipes the whole SPR map (including MAS4's
// installHooks seed), so without this a tlbsx miss right after reset
// would compute MAS0/1/2 from a zeroed MAS4 instead of the reference
// device's 0x100000B2 default.
func (t *TLB) Reset() {
	t.regs.SetRawSPR(MAS4, mas4Default)
}

// Entry returns entry esel for inspection/test use.
func (t *TLB) Entry(esel int) *Entry { return &t.entries[esel] }

// find scans for the first entry matching (ts, tid, va).
func (t *TLB) find(va uint32, ts, tid uint8) *Entry {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.Valid || e.TS != ts {
			continue
		}
		if e.TID != 0 && e.TID != tid {
			continue
		}
		if va&e.mask == e.EPN&e.mask {
			return e
		}
	}
	return nil
}

// TranslateData translates a data-access virtual address.
func (t *TLB) TranslateData(va uint32, ts, tid uint8) (uint32, error) {
	e := t.find(va, ts, tid)
	if e == nil {
		return 0, exception.NewSegv(va)
	}
	return e.RPN | (va &^ e.mask), nil
}

// TranslateInstr translates an instruction-fetch virtual address, also
// returning the entry's VLE bit.
func (t *TLB) TranslateInstr(va uint32, ts, tid uint8) (uint32, bool, error) {
	e := t.find(va, ts, tid)
	if e == nil {
		return 0, false, exception.NewSegv(va)
	}
	return e.RPN | (va &^ e.mask), e.vle, nil
}

// Tlbre implements the tlbre instruction.
func (t *TLB) Tlbre() {
	esel := int((t.regs.SPR(MAS0) & mas0EselMask) >> mas0EselShift)
	mas1, mas2, mas3 := t.entries[esel].read()
	t.regs.SetRawSPR(MAS1, mas1)
	t.regs.SetRawSPR(MAS2, mas2)
	t.regs.SetRawSPR(MAS3, mas3)
}

// Tlbwe implements the tlbwe instruction.
func (t *TLB) Tlbwe() {
	esel := int((t.regs.SPR(MAS0) & mas0EselMask) >> mas0EselShift)
	t.entries[esel].write(t.regs.SPR(MAS1), t.regs.SPR(MAS2), t.regs.SPR(MAS3))
}

// Tlbsx implements the tlbsx instruction for effective address ea.
func (t *TLB) Tlbsx(ea uint32) {
	mas6 := t.regs.SPR(MAS6)
	spid := uint8((mas6 & mas6SpidMask) >> mas6SpidShift)
	sas := uint8(mas6 & mas6SasMask)

	e := t.find(ea, sas, spid)
	if e != nil {
		mas1, mas2, mas3 := e.read()
		mas0 := uint32(1<<28) | (uint32(e.Esel) << mas0EselShift)
		t.regs.SetRawSPR(MAS0, mas0)
		t.regs.SetRawSPR(MAS1, mas1)
		t.regs.SetRawSPR(MAS2, mas2)
		t.regs.SetRawSPR(MAS3, mas3)
		return
	}
	t.tlbMiss(ea, sas, spid)
}

// tlbMiss fills MAS0-3 with the "potential next entry" values a real
// e200z7 would present on a tlbsx miss, seeded from MAS4's defaults.
func (t *TLB) tlbMiss(va uint32, ts, tid uint8) {
	mas0 := t.regs.SPR(MAS0)
	mas4 := t.regs.SPR(MAS4)
	nv := mas0 & mas0NvMask

	newMas0 := (mas4 & mas4TlbseldMask) | (nv << mas0EselShift) | nv
	t.regs.SetRawSPR(MAS0, newMas0)

	newMas1 := (uint32(tid) << mas1TidShift) | (uint32(ts) << mas1TsBit) | (mas4 & mas4TsizedMask)
	t.regs.SetRawSPR(MAS1, newMas1)

	newMas2 := (va & epnMask) | (mas4 & mas4FlagsdMask)
	t.regs.SetRawSPR(MAS2, newMas2)

	t.regs.SetRawSPR(MAS3, 0)
}

// Tlbivax implements the tlbivax instruction for effective address ea.
func (t *TLB) Tlbivax(ea uint32) {
	if ea&0x00000004 != 0 {
		for i := range t.entries {
			t.entries[i].Invalidate()
		}
		return
	}
	for i := range t.entries {
		e := &t.entries[i]
		if ea&e.mask == e.EPN&e.mask {
			e.Invalidate()
		}
	}
}

// Tlbsync is a no-op in single-core emulation.
func (t *TLB) Tlbsync() {}
