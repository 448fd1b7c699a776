// Package flash implements the MPC5674F's pair of flash controllers
// (array A and array B) that share one 4MB main flash buffer and each own
// a 16KB shadow buffer, plus the program/erase interlock state machine
// and the lock registers guarding it.
//
// Grounded on the watchdog's bitfield.Set/EmuHandle shape
// (internal/peripherals/swt) for the register banks, and on
// original_source/cm2350/tests/test_mpc5674_flash.py for the MCR bit
// positions (EHV=bit0, ERS=bit2, PGM=bit4, DONE=bit9, PEG=bit10) and the
// lock-register unlock magic values.
package flash

import (
	"sync"

	"github.com/rcornwell/mpc5674f/internal/bitfield"
	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/memmap"
)

const (
	MainBase    uint32 = 0x00000000
	MainSize    uint32 = 0x00400000
	ShadowABase uint32 = 0x00FFC000
	ShadowBBase uint32 = 0x00EFC000
	ShadowSize  uint32 = 0x00004000

	RegBaseA uint32 = 0xC3F88000
	RegBaseB uint32 = 0xC3F8C000
	regSize  uint32 = 0x18
)

const (
	mcrOffset   = 0x00
	lmlrOffset  = 0x04
	hlrOffset   = 0x08
	slmlrOffset = 0x0C
	lmsrOffset  = 0x10
	hsrOffset   = 0x14
)

const (
	mcrEHV  uint32 = 1 << 0
	mcrERS  uint32 = 1 << 2
	mcrPGM  uint32 = 1 << 4
	mcrDONE uint32 = 1 << 9
	mcrPEG  uint32 = 1 << 10
)

const (
	lmlrUnlock  uint32 = 0xA1A11111
	hlrUnlock   uint32 = 0xB2B22222
	slmlrUnlock uint32 = 0xC3C33333
)

// High blocks span a shared address range for both arrays; array
// ownership of a given byte is decided by its position within each
// 32-byte interleave pair, not by the block boundaries.
const (
	highBase       = 0x00100000
	highBlockSize  = 0x00080000
	numHighBlocks  = 6
	interleavePair = 32
	interleaveHalf = 16
)

// configDefaultsOffset is shadow A's one-time security configuration
// block: 8-byte passcode, 2-byte censorship word, 2-byte serial-boot
// word, then the three lock-register reset defaults that get ANDed into
// LMLR/HLR/SLMLR. A blank (erased) shadow leaves every lock bit set,
// i.e. fully locked, which is the safe default.
const configDefaultsOffset = 0x3DD8

var defaultPasscode = [8]byte{0xFE, 0xED, 0xFA, 0xCE, 0xCA, 0xFE, 0xBE, 0xEF}

// array models one flash controller (A or B): its own register bank,
// its own low/mid block range within main flash, and its own shadow
// buffer.
type array struct {
	label    string
	regBase  uint32
	lowStart uint32
	lowSize  uint32 // size of a single low block
	lowCount int    // number of low blocks, occupying LMLR/LMSR bits 0..lowCount-1
	midStart uint32
	midSize  uint32
	midCount int // mid blocks occupy LMLR/LMSR bits 16..16+midCount-1

	shadow     []byte
	shadowBase uint32

	regs *bitfield.Set

	mu                                        sync.Mutex
	lmlrUnlocked, hlrUnlocked, slmlrUnlocked  bool
	interlockOK                               bool
	interlockTarget                           eraseTarget
	pendingMain                               map[uint32][]byte // absolute main-flash address -> staged bytes
	pendingShadow                             map[uint32][]byte // shadow-relative offset -> staged bytes
	c                                         *Controller
}

// eraseTarget records which block class the satisfied interlock write
// addressed, so EHV only erases that class.
type eraseTarget int

const (
	targetNone eraseTarget = iota
	targetLowMid
	targetHigh
	targetShadow
)

// Controller owns the shared 4MB main flash buffer and the two flash
// controller register banks that manage it.
type Controller struct {
	handle core.EmuHandle
	main   []byte
	A, B   *array
}

// New constructs a Controller with freshly erased (0xFF) main and shadow
// flash and shadow A's factory configuration block written once. Flash
// is non-volatile: only this one-time construction and an explicit
// program/erase sequence ever change its backing bytes again, never a
// power-on or software reset.
func New() *Controller {
	c := &Controller{main: bytesFill(MainSize, 0xFF)}
	c.A = newArray(c, "A", RegBaseA, 0x000000, 0x4000, 10, 0x040000, 0x20000, 2, ShadowABase)
	c.B = newArray(c, "B", RegBaseB, 0x080000, 0x40000, 1, 0x0C0000, 0x40000, 1, ShadowBBase)

	copy(c.A.shadow[configDefaultsOffset:configDefaultsOffset+8], defaultPasscode[:])
	copy(c.A.shadow[configDefaultsOffset+8:configDefaultsOffset+10], []byte{0x55, 0xAA})
	copy(c.A.shadow[configDefaultsOffset+10:configDefaultsOffset+12], []byte{0x55, 0xAA})
	return c
}

func newArray(c *Controller, label string, regBase, lowStart, lowSize uint32, lowCount int, midStart, midSize uint32, midCount int, shadowBase uint32) *array {
	a := &array{
		label: label, regBase: regBase,
		lowStart: lowStart, lowSize: lowSize, lowCount: lowCount,
		midStart: midStart, midSize: midSize, midCount: midCount,
		shadow: bytesFill(ShadowSize, 0xFF), shadowBase: shadowBase,
		pendingMain:   make(map[uint32][]byte),
		pendingShadow: make(map[uint32][]byte),
		c:             c,
	}
	a.regs = bitfield.NewSet("flash-" + label)
	a.regs.Declare("MCR", mcrOffset, 4, bitfield.Default, encodeU32(mcrDONE|mcrPEG))
	a.regs.Declare("LMLR", lmlrOffset, 4, bitfield.Default, encodeU32(0xFFFFFFFF))
	a.regs.Declare("HLR", hlrOffset, 4, bitfield.Default, encodeU32(0xFFFFFFFF))
	a.regs.Declare("SLMLR", slmlrOffset, 4, bitfield.Default, encodeU32(0xFFFFFFFF))
	a.regs.Declare("LMSR", lmsrOffset, 4, bitfield.Default, encodeU32(0))
	a.regs.Declare("HSR", hsrOffset, 4, bitfield.Default, encodeU32(0))
	return a
}

func (c *Controller) Init(h core.EmuHandle) {
	c.handle = h
	h.InstallMMIO(MainBase, MainSize, "flash-main", c.readMain, c.writeMain, c.readMain, memmap.PermR|memmap.PermW|memmap.PermX)
	h.InstallMMIO(ShadowABase, ShadowSize, "flash-shadow-a", c.A.readShadow, c.A.writeShadow, c.A.readShadow, memmap.PermR|memmap.PermW|memmap.PermX)
	h.InstallMMIO(ShadowBBase, ShadowSize, "flash-shadow-b", c.B.readShadow, c.B.writeShadow, c.B.readShadow, memmap.PermR|memmap.PermW|memmap.PermX)
	h.InstallMMIO(RegBaseA, regSize, "flash-a-regs", c.A.readReg, c.A.writeReg, nil, memmap.PermR|memmap.PermW)
	h.InstallMMIO(RegBaseB, regSize, "flash-b-regs", c.B.readReg, c.B.writeReg, nil, memmap.PermR|memmap.PermW)
}

// Reset restores both arrays' registers and interlock state from shadow
// A's configuration block; it never touches main or shadow flash
// contents, which survive a reset exactly as hardware flash does.
func (c *Controller) Reset(h core.EmuHandle) {
	c.A.resetLocked()
	c.B.resetLocked()
}

func (c *Controller) Shutdown(h core.EmuHandle) {}

func bytesFill(n uint32, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func (a *array) resetLocked() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.regs.Reset()
	a.lmlrUnlocked, a.hlrUnlocked, a.slmlrUnlocked = false, false, false
	a.interlockOK = false
	a.pendingMain = make(map[uint32][]byte)
	a.pendingShadow = make(map[uint32][]byte)

	// AND the shadow-A config block's per-array lock-register defaults
	// into LMLR/HLR/SLMLR. An erased (0xFF) shadow leaves every bit set,
	// i.e. fully locked, which is also this Set's own power-on default.
	off := configDefaultsOffset + 12
	lmlrDef := decodeU32(a.c.A.shadow[off : off+4])
	hlrDef := decodeU32(a.c.A.shadow[off+4 : off+8])
	slmlrDef := decodeU32(a.c.A.shadow[off+8 : off+12])
	_ = a.regs.OverrideUint("LMLR", uint64(decodeU32(encodeU32(0xFFFFFFFF))&lmlrDef))
	_ = a.regs.OverrideUint("HLR", uint64(decodeU32(encodeU32(0xFFFFFFFF))&hlrDef))
	_ = a.regs.OverrideUint("SLMLR", uint64(decodeU32(encodeU32(0xFFFFFFFF))&slmlrDef))
}

// owner returns which array owns a main-flash byte at addr, and for high
// addresses whether it falls in the 16-byte half interleaved to that
// array.
func (c *Controller) owner(addr uint32) *array {
	if within(addr, c.A.lowStart, c.A.lowSize*uint32(c.A.lowCount)) || within(addr, c.A.midStart, c.A.midSize*uint32(c.A.midCount)) {
		return c.A
	}
	if within(addr, c.B.lowStart, c.B.lowSize*uint32(c.B.lowCount)) || within(addr, c.B.midStart, c.B.midSize*uint32(c.B.midCount)) {
		return c.B
	}
	if within(addr, highBase, highBlockSize*numHighBlocks) {
		if (addr-highBase)%interleavePair < interleaveHalf {
			return c.A
		}
		return c.B
	}
	return nil
}

func within(addr, start, size uint32) bool { return addr >= start && addr < start+size }

// lowMidBit returns the LMLR/LMSR bit covering addr for the given array,
// and whether addr lies in one of the array's low or mid blocks at all
// (high-block addresses report false).
func (a *array) lowMidBit(addr uint32) (bit uint32, ok bool) {
	if within(addr, a.lowStart, a.lowSize*uint32(a.lowCount)) {
		return 1 << ((addr - a.lowStart) / a.lowSize), true
	}
	if within(addr, a.midStart, a.midSize*uint32(a.midCount)) {
		return 1 << (16 + (addr-a.midStart)/a.midSize), true
	}
	return 0, false
}

func highBit(addr uint32) uint32 {
	return 1 << ((addr - highBase) / highBlockSize)
}

func (c *Controller) readMain(offset uint32, size int) []byte {
	return append([]byte(nil), c.main[offset:offset+uint32(size)]...)
}

// ReadRaw reads size bytes directly from the shared main flash buffer at
// offset, bypassing the TLB and permission checks entirely. The boot
// assist module uses this to locate its reset configuration half-word
// before any TLB entry exists to translate a normal bus access.
func (c *Controller) ReadRaw(offset uint32, size int) []byte {
	return c.readMain(offset, size)
}

// WriteRaw stores data directly into main flash at offset, bypassing the
// program/erase interlock state machine entirely. A firmware image load is
// not a runtime MCU operation; it models the part arriving from the factory
// already programmed, the same way ReadRaw models BAM reading that image
// before any TLB entry exists to translate a normal bus access.
func (c *Controller) WriteRaw(offset uint32, data []byte) {
	copy(c.main[offset:offset+uint32(len(data))], data)
}

// WriteRawShadow stores data directly into the named shadow array ("A" or
// "B"), bypassing the interlock state machine. Returns false if label names
// neither array.
func (c *Controller) WriteRawShadow(label string, offset uint32, data []byte) bool {
	var a *array
	switch label {
	case "A":
		a = c.A
	case "B":
		a = c.B
	default:
		return false
	}
	copy(a.shadow[offset:offset+uint32(len(data))], data)
	return true
}

func (c *Controller) writeMain(offset uint32, data []byte) {
	addr := MainBase + offset
	a := c.owner(addr)
	if a == nil {
		c.handle.QueueException(exception.NewBusError(0, addr, nil, len(data)))
		return
	}
	a.handleProgramOrInterlockWrite(addr, data, false)
}

func (a *array) readShadow(offset uint32, size int) []byte {
	return append([]byte(nil), a.shadow[offset:offset+uint32(size)]...)
}

func (a *array) writeShadow(offset uint32, data []byte) {
	addr := a.shadowBase + offset
	a.handleProgramOrInterlockWrite(addr, data, true)
}

// shadowBlockBit is the single select/lock bit (bit 0) covering the
// whole shadow array, which has no sub-blocks.
const shadowBlockBit uint32 = 1

// handleProgramOrInterlockWrite applies the interlock-vs-program
// distinction shared by main flash and shadow writes: while this
// array's MCR[ERS] is set, any write is interpreted as the erase
// interlock signal rather than a data write. A low/mid or high-block
// interlock write must land outside the block(s) selected for erase,
// in the same array; the shadow array has no sub-blocks, so any write
// to it during ERS both selects and confirms it.
func (a *array) handleProgramOrInterlockWrite(addr uint32, data []byte, isShadow bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mcr := a.mcrLocked()

	if mcr&mcrERS != 0 {
		if isShadow {
			a.interlockOK = true
			a.interlockTarget = targetShadow
			return
		}
		var bit, selected uint32
		var target eraseTarget
		if b, ok := a.lowMidBit(addr); ok {
			bit, selected, target = b, uint32(a.regs.Field("LMSR").ReadUint()), targetLowMid
		} else {
			bit, selected, target = highBit(addr), uint32(a.regs.Field("HSR").ReadUint()), targetHigh
		}
		if selected&bit != 0 {
			// interlock write landed inside the block(s) being erased: illegal
			a.interlockOK = false
			a.interlockTarget = targetNone
		} else {
			a.interlockOK = true
			a.interlockTarget = target
		}
		return
	}

	if mcr&mcrPGM == 0 || a.locked(addr, isShadow) {
		return // silently discarded: not in programming mode, or block locked
	}
	if isShadow {
		a.pendingShadow[addr-a.shadowBase] = append([]byte(nil), data...)
	} else {
		a.pendingMain[addr] = append([]byte(nil), data...)
	}
}

func (a *array) locked(addr uint32, isShadow bool) bool {
	if isShadow {
		return uint32(a.regs.Field("SLMLR").ReadUint())&shadowBlockBit != 0
	}
	if bit, ok := a.lowMidBit(addr); ok {
		return uint32(a.regs.Field("LMLR").ReadUint())&bit != 0
	}
	return uint32(a.regs.Field("HLR").ReadUint())&highBit(addr) != 0
}

func (a *array) mcrLocked() uint32 { return uint32(a.regs.Field("MCR").ReadUint()) }

func (a *array) readReg(offset uint32, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch offset {
	case mcrOffset:
		return a.regs.Field("MCR").Read()
	case lmlrOffset:
		return a.regs.Field("LMLR").Read()
	case hlrOffset:
		return a.regs.Field("HLR").Read()
	case slmlrOffset:
		return a.regs.Field("SLMLR").Read()
	case lmsrOffset:
		return a.regs.Field("LMSR").Read()
	case hsrOffset:
		return a.regs.Field("HSR").Read()
	default:
		a.c.handle.QueueException(exception.NewBusError(0, a.regBase+offset, nil, size))
		return make([]byte, size)
	}
}

func (a *array) writeReg(offset uint32, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	val := decodeU32(data)
	switch offset {
	case mcrOffset:
		a.writeMCRLocked(val)
	case lmlrOffset:
		a.writeLockRegLocked("LMLR", val, lmlrUnlock, &a.lmlrUnlocked)
	case hlrOffset:
		a.writeLockRegLocked("HLR", val, hlrUnlock, &a.hlrUnlocked)
	case slmlrOffset:
		a.writeLockRegLocked("SLMLR", val, slmlrUnlock, &a.slmlrUnlocked)
	case lmsrOffset:
		_ = a.regs.Write("LMSR", data)
	case hsrOffset:
		_ = a.regs.Write("HSR", data)
	default:
		a.c.handle.QueueException(exception.NewBusError(0, a.regBase+offset, nil, len(data)))
	}
}

// writeLockRegLocked implements the one-shot unlock: a write of the
// magic value arms write-enable for this register, which then stays
// armed (replacing the lock mask outright on every subsequent write)
// until the next reset.
func (a *array) writeLockRegLocked(name string, val, magic uint32, unlocked *bool) {
	if val == magic {
		*unlocked = true
		return
	}
	if *unlocked {
		_ = a.regs.OverrideUint(name, uint64(val))
		return
	}
	a.c.handle.QueueException(exception.NewBusError(0, a.regBase, nil, 4))
}

func (a *array) writeMCRLocked(val uint32) {
	cur := a.mcrLocked()
	next := (cur &^ (mcrPGM | mcrERS)) | (val & (mcrPGM | mcrERS))
	if val&mcrERS == 0 {
		a.interlockOK = false
	}
	_ = a.regs.OverrideUint("MCR", uint64(next))

	if val&mcrEHV != 0 && cur&mcrEHV == 0 {
		a.commitLocked()
	}
}

// commitLocked applies pending program writes or the selected erase,
// then pulses MCR back to idle with DONE/PEG reflecting the outcome.
func (a *array) commitLocked() {
	mcr := a.mcrLocked()
	ok := true

	switch {
	case mcr&mcrERS != 0:
		if a.interlockOK {
			a.eraseSelectedLocked()
		} else {
			ok = false
		}
		a.interlockOK = false
		a.interlockTarget = targetNone
	case mcr&mcrPGM != 0:
		a.commitPendingLocked()
	}

	next := mcr &^ (mcrEHV | mcrPGM | mcrERS | mcrDONE | mcrPEG)
	next |= mcrDONE
	if ok {
		next |= mcrPEG
	}
	_ = a.regs.OverrideUint("MCR", uint64(next))
}

func (a *array) commitPendingLocked() {
	for base, data := range a.pendingMain {
		copy(a.c.main[base:], data)
	}
	for base, data := range a.pendingShadow {
		copy(a.shadow[base:], data)
	}
	a.pendingMain = make(map[uint32][]byte)
	a.pendingShadow = make(map[uint32][]byte)
}

// eraseSelectedLocked erases only the block class the satisfied
// interlock write addressed: a low/mid-block interlock never touches
// the shadow array or vice versa.
func (a *array) eraseSelectedLocked() {
	switch a.interlockTarget {
	case targetLowMid:
		lmsr := uint32(a.regs.Field("LMSR").ReadUint())
		for i := 0; i < a.lowCount; i++ {
			if lmsr&(1<<i) != 0 {
				start := a.lowStart + uint32(i)*a.lowSize
				fillRange(a.c.main, start, a.lowSize, 0xFF)
			}
		}
		for j := 0; j < a.midCount; j++ {
			if lmsr&(1<<(16+j)) != 0 {
				start := a.midStart + uint32(j)*a.midSize
				fillRange(a.c.main, start, a.midSize, 0xFF)
			}
		}
	case targetHigh:
		hsr := uint32(a.regs.Field("HSR").ReadUint())
		for i := 0; i < numHighBlocks; i++ {
			if hsr&(1<<i) == 0 {
				continue
			}
			start := highBase + uint32(i)*highBlockSize
			eraseHighHalfLocked(a, a.c.main, start, highBlockSize)
		}
	case targetShadow:
		// The shadow block has no sub-blocks: the interlock write
		// already confirmed it as the sole erase target.
		for i := range a.shadow {
			a.shadow[i] = 0xFF
		}
	}
}

func eraseHighHalfLocked(a *array, main []byte, start, size uint32) {
	isA := a == a.c.A
	for off := uint32(0); off < size; off += interleavePair {
		lo, hi := off, off+interleaveHalf
		if isA {
			fillRange(main, start+lo, interleaveHalf, 0xFF)
		} else {
			fillRange(main, start+hi, interleaveHalf, 0xFF)
		}
	}
}

func fillRange(buf []byte, start, size uint32, b byte) {
	for i := uint32(0); i < size; i++ {
		buf[start+i] = b
	}
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
