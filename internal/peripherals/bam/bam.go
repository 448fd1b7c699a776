// Package bam implements the Boot Assist Module: on every reset it scans
// flash for a reset configuration half-word, programs the initial TLB
// entries for the peripheral bridges, flash/SRAM/EBI windows, sets the
// program counter to the discovered entry point, and applies the
// watchdog's power-on enable state.
//
// Grounded on original_source/cm2350/peripherals/bam.py's analyze/reset
// sequence; the TLB entry table is that file's literal five-entry
// tlbConfig table, reproduced here with the same windows and flags.
package bam

import (
	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/mmu"
	"github.com/rcornwell/mpc5674f/internal/peripherals/flash"
	"github.com/rcornwell/mpc5674f/internal/peripherals/swt"
)

// candidateOffsets is "Table 3-4. RCHW Location" for an internal boot
// target; external boot (offset 0 only) is not modeled separately since
// it is a subset of the same scan.
var candidateOffsets = []uint32{0x0000, 0x4000, 0x10000, 0x1C000, 0x20000, 0x30000}

const (
	rchwSigSize = 2
	rchwSize    = 8
	rchwMask    = 0xF0FF
	rchwValue   = 0x005A
)

// rchw is the parsed 8-byte reset configuration half-word block.
type rchw struct {
	swt        bool
	wte        bool
	ps0        bool
	vle        bool
	bootID     uint8
	entryPoint uint32
}

func parseRCHW(b []byte) rchw {
	hw := uint16(b[0])<<8 | uint16(b[1])
	return rchw{
		swt:        hw&0x0800 != 0,
		wte:        hw&0x0400 != 0,
		ps0:        hw&0x0200 != 0,
		vle:        hw&0x0100 != 0,
		bootID:     byte(hw),
		entryPoint: uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
	}
}

// BAM holds a direct reference to the flash controller it scans (raw,
// bypassing the bus) and the watchdog whose enable bit it sets; these
// are genuine cross-peripheral dependencies, not reachable through the
// narrow EmuHandle surface.
type BAM struct {
	flash *flash.Controller
	swt   *swt.SWT

	found bool
	rchw  rchw
	addr  uint32
}

func New(f *flash.Controller, w *swt.SWT) *BAM {
	return &BAM{flash: f, swt: w}
}

func (b *BAM) Init(h core.EmuHandle) {}

// Reset re-scans flash (its contents can change between resets via the
// flash controller) and reprograms the TLB and watchdog accordingly.
// Must be registered after the flash and SWT peripherals so their own
// Reset has already run by the time this executes.
func (b *BAM) Reset(h core.EmuHandle) {
	b.analyze()

	h.SetProgramCounter(b.rchw.entryPoint)

	// Peripheral Bridge B (1MB)
	h.ConfigureTLBEntry(0, true, true, 0, 0, mmu.Size1MB, 0xFFF00000, mmu.FlagIG, 0xFFF00000, 0, mmu.PermSU_RWX)
	// Peripheral Bridge A (1MB)
	h.ConfigureTLBEntry(4, true, true, 0, 0, mmu.Size1MB, 0xC3F00000, mmu.FlagIG, 0xC3F00000, 0, mmu.PermSU_RWX)

	vleFlag := mmu.Flags(0)
	if b.rchw.vle {
		vleFlag = mmu.FlagVLE
	}
	// Flash (16MB), covers main and shadow flash
	h.ConfigureTLBEntry(1, true, true, 0, 0, mmu.Size16MB, 0x00000000, vleFlag, 0x00000000, 0, mmu.PermSU_RWX)
	// EBI (16MB), external and development memory
	h.ConfigureTLBEntry(2, true, true, 0, 0, mmu.Size16MB, 0x20000000, vleFlag, 0x20000000, 0, mmu.PermSU_RWX)
	// SRAM (256KB)
	h.ConfigureTLBEntry(3, true, true, 0, 0, mmu.Size256KB, 0x40000000, mmu.FlagI|vleFlag, 0x40000000, 0, mmu.PermSU_RWX)

	if !b.found {
		// No valid RCHW: only the two peripheral bridge windows (entries
		// 0 and 4, programmed unconditionally above) remain; entries 1-3
		// are cleared instead of mapping flash/EBI/SRAM.
		h.ClearTLBEntry(1)
		h.ClearTLBEntry(2)
		h.ClearTLBEntry(3)
	}

	b.swt.SetEnabled(b.rchw.swt)
}

func (b *BAM) Shutdown(h core.EmuHandle) {}

// analyze scans flash for the first valid RCHW; when none is found it
// falls back to the zero entry point, matching the boot-from-nothing
// default.
func (b *BAM) analyze() {
	for _, off := range candidateOffsets {
		sig := b.flash.ReadRaw(off, rchwSigSize)
		value := uint16(sig[0])<<8 | uint16(sig[1])
		if value&rchwMask == rchwValue {
			b.found = true
			b.addr = off
			b.rchw = parseRCHW(b.flash.ReadRaw(off, rchwSize))
			return
		}
	}
	b.found = false
	b.addr = 0
	b.rchw = rchw{}
}
