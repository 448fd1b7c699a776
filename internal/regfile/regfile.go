// Package regfile implements the processor's general-purpose registers and
// the sparse SPR (Special Purpose Register) file with a per-SPR read/write
// hook table.
//
// Grounded on emu/cpu/cpudefs.go's register layout and on
// emu/cpu/cpu_system.go's pattern of dispatching control-register side
// effects through dedicated functions, generalized into an explicit hook
// table so peripherals and the MMU can intercept specific SPRs (MAS0-6,
// L1CSR0/1, MMUCSR0, ...) without the register file knowing about them.
package regfile

import "fmt"

// ReadHook overrides the stored value when an SPR is read.
type ReadHook func(cur uint32) uint32

// WriteHook overrides (or rejects) a write to an SPR. It returns the value
// that should actually be stored.
type WriteHook func(cur, newVal uint32) uint32

type hooks struct {
	read  ReadHook
	write WriteHook
}

// File is the processor's register state: 32 GPRs, MSR, PC, CR, and the
// sparse SPR map.
type File struct {
	GPR [32]uint32
	MSR uint32
	PC  uint32
	CR  uint32

	spr   map[uint16]uint32
	hooks map[uint16]hooks
}

// New returns a zeroed register file.
func New() *File {
	return &File{
		spr:   make(map[uint16]uint32),
		hooks: make(map[uint16]hooks),
	}
}

// InstallHooks registers read and/or write hooks for spr. Either may be
// nil to leave that direction unhooked.
func (f *File) InstallHooks(spr uint16, read ReadHook, write WriteHook) {
	h := f.hooks[spr]
	if read != nil {
		h.read = read
	}
	if write != nil {
		h.write = write
	}
	f.hooks[spr] = h
}

// SPR reads an SPR cell, invoking its read hook if one is installed.
func (f *File) SPR(idx uint16) uint32 {
	cur := f.spr[idx]
	if h, ok := f.hooks[idx]; ok && h.read != nil {
		return h.read(cur)
	}
	return cur
}

// SetSPR writes an SPR cell, invoking its write hook if one is installed.
// The hook receives the current stored value and the proposed new value
// and returns what should actually be stored (it may veto or transform the
// write, e.g. L1CSR0/1 forcing the cache-invalidate bit to zero).
func (f *File) SetSPR(idx uint16, val uint32) {
	cur := f.spr[idx]
	if h, ok := f.hooks[idx]; ok && h.write != nil {
		f.spr[idx] = h.write(cur, val)
		return
	}
	f.spr[idx] = val
}

// RawSPR reads the stored cell without invoking hooks. Used by hooks
// themselves to avoid re-entering their own logic.
func (f *File) RawSPR(idx uint16) uint32 { return f.spr[idx] }

// SetRawSPR stores into the cell without invoking hooks.
func (f *File) SetRawSPR(idx uint16, val uint32) { f.spr[idx] = val }

// GP returns GPR[n], panicking on an out-of-range index since this
// indicates a decoder bug, not a runtime condition.
func (f *File) GP(n uint8) uint32 {
	if n > 31 {
		panic(fmt.Sprintf("regfile: GPR index out of range: %d", n))
	}
	return f.GPR[n]
}

// SetGP sets GPR[n].
func (f *File) SetGP(n uint8, val uint32) {
	if n > 31 {
		panic(fmt.Sprintf("regfile: GPR index out of range: %d", n))
	}
	f.GPR[n] = val
}

// ResetKind selects which SPRs survive a reset. See DESIGN.md "SPR reset
// table" for the rationale.
type ResetKind int

const (
	// PowerOn clears every GPR and every SPR.
	PowerOn ResetKind = iota
	// Software clears GPRs and most SPRs but preserves the timing
	// facilities (TBL, TBU, DEC) and debug SPRs across the reset.
	Software
)

// preserved lists SPR indices left untouched by a Software reset.
var preserved = map[uint16]bool{
	268: true, // TBL
	269: true, // TBU
	22:  true, // DEC
	308: true, // DBCR0
	309: true, // DBCR1
	310: true, // DBCR2
	304: true, // DBSR
}

// Reset clears the register file according to kind.
func (f *File) Reset(kind ResetKind) {
	f.GPR = [32]uint32{}
	f.MSR = 0
	f.PC = 0
	f.CR = 0

	if kind == PowerOn {
		f.spr = make(map[uint16]uint32)
		return
	}

	for idx := range f.spr {
		if !preserved[idx] {
			delete(f.spr, idx)
		}
	}
}
