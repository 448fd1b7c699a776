// Package swt implements the Software Watchdog Timer peripheral: the
// MCR/IR/TO/WN/SR/CO/SK register bank, its soft/hard lock state machine,
// the two-step unlock and service ("pet") key sequences, and expiry
// escalation from an external interrupt to a full reset.
//
// Grounded on the reference device's SWT module (cross-checked against
// original_source/cm2350/tests/test_mpc5674_swt.py for the unlock/service
// key values and lock semantics) and on bitfield.Set for the register
// bank shape, following the same PeripheralRegisterSet pattern used
// throughout the reference device's peripherals.
package swt

import (
	"math/rand"
	"sync"

	"github.com/rcornwell/mpc5674f/internal/bitfield"
	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/intc"
	"github.com/rcornwell/mpc5674f/internal/memmap"
	"github.com/rcornwell/mpc5674f/internal/timers"
)

// BaseAddr is the SWT register block's physical base address.
const BaseAddr uint32 = 0xFFF38000

const (
	mcrOffset  = 0x00
	irOffset   = 0x04
	toOffset   = 0x08
	wnOffset   = 0x0C
	srOffset   = 0x10
	coOffset   = 0x14
	skOffset   = 0x18
	regionSize = 0x20
)

// MCR bit positions.
const (
	mcrWEN uint32 = 1 << 0 // watchdog enable
	mcrFRZ uint32 = 1 << 1 // stop counting while debug-frozen
	mcrITR uint32 = 1 << 2 // first expiry raises an interrupt before reset
	mcrSLK uint32 = 1 << 3 // soft lock
	mcrHLK uint32 = 1 << 4 // hard lock, sticky
	mcrCSL uint32 = 1 << 5 // clock source: 0=peripheral clock, 1=external oscillator
	mcrRIA uint32 = 1 << 6 // reset on invalid access
	mcrKEY uint32 = 1 << 7 // 1=generated service/unlock keys, 0=fixed
)

const irTIF uint32 = 1 << 0

// Fixed unlock and service key pairs, used whenever MCR[KEY]=0.
const (
	unlockFirst  uint32 = 0xC520
	unlockSecond uint32 = 0xD928

	serviceFirstFixed  uint32 = 0xA602
	serviceSecondFixed uint32 = 0xB480
)

// SWT is the watchdog peripheral.
type SWT struct {
	mu sync.Mutex

	regs   *bitfield.Set
	handle core.EmuHandle
	timer  *timers.Timer

	slkIdx int // unlock sequence position: 0 before 0xC520, 1 after
	skIdx  int // service sequence position: 0 before first key, 1 after

	serviceKey [2]uint32 // current service key pair, re-rolled whenever KEY changes or is consumed
	unlockSeed uint32    // current generated unlock-first value when KEY=1

	expired bool // first expiry already raised its interrupt, waiting on the second
}

// New constructs a disabled, unlocked watchdog with a fixed-key schedule.
func New() *SWT {
	s := &SWT{}
	s.serviceKey = [2]uint32{serviceFirstFixed, serviceSecondFixed}
	s.unlockSeed = unlockFirst

	s.regs = bitfield.NewSet("SWT")
	s.regs.Declare("MCR", mcrOffset, 4, bitfield.Default, encodeU32(mcrRIA))
	s.regs.Declare("IR", irOffset, 4, bitfield.W1C, nil)
	s.regs.Declare("TO", toOffset, 4, bitfield.Default, encodeU32(0x0005FCD0))
	s.regs.Declare("WN", wnOffset, 4, bitfield.Default, nil)
	s.regs.Declare("SR", srOffset, 4, bitfield.Default, nil)
	s.regs.Declare("CO", coOffset, 4, bitfield.Const, nil)
	s.regs.Declare("SK", skOffset, 4, bitfield.Const, nil)

	s.regs.AddParseCallback("SR", func(set *bitfield.Set) { s.onSRWrite(set.Field("SR").ReadUint()) })
	return s
}

// Init registers the MMIO region and the underlying countdown timer.
func (s *SWT) Init(h core.EmuHandle) {
	s.handle = h
	h.InstallMMIO(BaseAddr, regionSize, "swt", s.read, s.write, nil, memmap.PermR|memmap.PermW)
	s.timer = h.NamedTimer("swt-timeout", s.onExpire)
}

// Reset restores the register bank to its power-on defaults, rerolls the
// key schedule, and stops the countdown (a disabled watchdog does not
// count).
func (s *SWT) Reset(h core.EmuHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regs.Reset()
	s.slkIdx = 0
	s.skIdx = 0
	s.expired = false
	s.rerollLocked()
	h.StopTimer(s.timer)
}

// Shutdown stops the countdown timer.
func (s *SWT) Shutdown(h core.EmuHandle) { h.StopTimer(s.timer) }

// SetEnabled forces MCR[WEN] to match enabled, used by BAM to apply the
// RCHW's SWT bit on boot. It bypasses the normal lock policy: boot-time
// configuration is not subject to the soft/hard lock that guards runtime
// writes.
func (s *SWT) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mcr := uint32(s.regs.Field("MCR").ReadUint())
	if enabled {
		mcr |= mcrWEN
	} else {
		mcr &^= mcrWEN
	}
	s.regs.OverrideUint("MCR", uint64(mcr))
	s.applyTimerStateLocked()
}

// Enabled reports MCR[WEN].
func (s *SWT) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.regs.Field("MCR").ReadUint())&mcrWEN != 0
}

func (s *SWT) rerollLocked() {
	mcr := uint32(s.regs.Field("MCR").ReadUint())
	if mcr&mcrKEY != 0 {
		s.unlockSeed = uint32(rand.Intn(0x10000))
		s.serviceKey[0] = uint32(rand.Intn(0x10000))
		s.serviceKey[1] = uint32(rand.Intn(0x10000))
	} else {
		s.unlockSeed = unlockFirst
		s.serviceKey = [2]uint32{serviceFirstFixed, serviceSecondFixed}
	}
}

func (s *SWT) locked() bool {
	mcr := uint32(s.regs.Field("MCR").ReadUint())
	return mcr&(mcrSLK|mcrHLK) != 0
}

// invalidAccess applies the RIA-governed policy for a rejected MCR write
// or an access to a reserved sub-range: escalate to a watchdog reset when
// RIA=1 and the watchdog is enabled, otherwise raise a bus error.
func (s *SWT) invalidAccess() {
	mcr := uint32(s.regs.Field("MCR").ReadUint())
	if mcr&mcrRIA != 0 && mcr&mcrWEN != 0 {
		s.handle.QueueException(exception.NewReset(exception.WatchdogReset))
		return
	}
	s.handle.QueueException(exception.NewBusError(0, BaseAddr, nil, 4))
}

func (s *SWT) read(offset uint32, size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case mcrOffset:
		return s.regs.Field("MCR").Read()
	case irOffset:
		return s.regs.Field("IR").Read()
	case toOffset:
		return s.regs.Field("TO").Read()
	case wnOffset:
		return s.regs.Field("WN").Read()
	case srOffset:
		return s.regs.Field("SR").Read()
	case coOffset:
		return encodeU32(s.currentCountLocked())
	case skOffset:
		return encodeU32(s.serviceKey[s.skIdx])
	default:
		s.invalidAccess()
		return make([]byte, size)
	}
}

func (s *SWT) write(offset uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case mcrOffset:
		s.writeMCRLocked(decodeU32(data))
	case irOffset:
		s.regs.Write("IR", data)
	case toOffset:
		if s.locked() {
			s.invalidAccess()
			return
		}
		s.regs.Write("TO", data)
		s.applyTimerStateLocked()
	case wnOffset:
		if s.locked() {
			s.invalidAccess()
			return
		}
		s.regs.Write("WN", data)
	case srOffset:
		s.regs.Write("SR", data)
	case coOffset, skOffset:
		s.invalidAccess() // read-only
	default:
		s.invalidAccess()
	}
}

func (s *SWT) writeMCRLocked(val uint32) {
	cur := uint32(s.regs.Field("MCR").ReadUint())
	if s.locked() {
		// SLK/HLK can only be cleared through the SR unlock sequence.
		s.invalidAccess()
		return
	}
	if cur&mcrHLK != 0 {
		val |= mcrHLK // HLK, once set, can never be cleared by a plain MCR write
	}
	keyChanged := (val & mcrKEY) != (cur & mcrKEY)
	s.regs.OverrideUint("MCR", uint64(val))
	if keyChanged {
		s.rerollLocked()
	}
	s.applyTimerStateLocked() // also covers a CSL change restarting the timer
}

// onSRWrite drives the unlock and service sequences. v is the raw 32-bit
// written value; only the low 16 bits of SR carry the key. It runs as SR's
// parse callback from inside write, which already holds s.mu.
func (s *SWT) onSRWrite(v uint64) {
	key := uint32(v) & 0xFFFF
	mcr := uint32(s.regs.Field("MCR").ReadUint())

	s.tryUnlockLocked(key, mcr)
	s.tryServiceLocked(key, mcr)
}

func (s *SWT) tryUnlockLocked(key, mcr uint32) {
	if mcr&mcrSLK == 0 {
		return
	}
	switch s.slkIdx {
	case 0:
		if key == s.unlockSeed {
			s.slkIdx = 1
		}
	case 1:
		switch key {
		case unlockSecond:
			s.regs.OverrideUint("MCR", uint64(mcr&^mcrSLK))
			s.slkIdx = 0
		case serviceFirstFixed:
			// A service-sequence key in flight does not disturb the
			// pending unlock.
		default:
			s.slkIdx = 0
		}
	}
}

func (s *SWT) tryServiceLocked(key, mcr uint32) {
	if mcr&mcrWEN == 0 {
		return
	}
	switch s.skIdx {
	case 0:
		if key == s.serviceKey[0] {
			s.skIdx = 1
		}
	case 1:
		if key == s.serviceKey[1] {
			s.skIdx = 0
			if mcr&mcrKEY != 0 {
				s.serviceKey[0] = uint32(rand.Intn(0x10000))
				s.serviceKey[1] = uint32(rand.Intn(0x10000))
			}
			s.expired = false
			s.applyTimerStateLocked()
		} else {
			s.skIdx = 0
		}
	}
}

// applyTimerStateLocked (re)starts or stops the countdown timer to match
// the current MCR/TO state. CSL selects which real-world oscillator the
// count represents, but both sources tick the shared clock 1:1 here since
// the clock has a single configured system frequency; a CSL change still
// restarts the countdown from TO, matching the externally observable
// behavior even though the two clock sources are not modeled as distinct
// rates.
func (s *SWT) applyTimerStateLocked() {
	mcr := uint32(s.regs.Field("MCR").ReadUint())
	if mcr&mcrWEN == 0 {
		s.handle.StopTimer(s.timer)
		return
	}
	to := uint64(s.regs.Field("TO").ReadUint())
	s.handle.StartTimer(s.timer, nil, &to)
}

func (s *SWT) currentCountLocked() uint32 {
	// Without a direct "ticks remaining" accessor on the shared timer
	// registry, CO reports the programmed timeout; a future registry
	// API exposing remaining ticks would let this count down live.
	return uint32(s.regs.Field("TO").ReadUint())
}

// onExpire fires when the countdown reaches zero. The first expiry sets
// IR[TIF] and raises an external interrupt if MCR[ITR]=1; otherwise (or on
// the second expiry) it raises Reset(WATCHDOG).
func (s *SWT) onExpire() {
	s.mu.Lock()
	mcr := uint32(s.regs.Field("MCR").ReadUint())
	s.regs.OverrideUint("IR", uint64(irTIF))
	firstExpiry := !s.expired
	s.expired = true
	to := uint64(s.regs.Field("TO").ReadUint())
	s.mu.Unlock()

	if firstExpiry && mcr&mcrITR != 0 {
		s.handle.QueueException(exception.NewExternal(exception.SrcSWT, intc.SprIVOR4))
		s.handle.StartTimer(s.timer, nil, &to)
		return
	}
	s.handle.QueueException(exception.NewReset(exception.WatchdogReset))
}

// SetResetSource implements core.ResetAware: a reset from any source
// clears the "first expiry already fired" latch so the next countdown
// starts fresh.
func (s *SWT) SetResetSource(src exception.ResetSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = false
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeU32(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
