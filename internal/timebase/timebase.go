// Package timebase implements the emulator's scaled monotonic wall-clock.
//
// Grounded on the run/halt gate shape of emu/core.core.Start (a running flag
// toggled by packets on the master bus) generalized to a continuous
// sys_time()/sys_ticks() model instead of an integer cycle counter.
package timebase

import (
	"sync"
	"time"
)

// Clock is a scaled monotonic wall-clock that can be paused and resumed
// without its timers observing a jump in elapsed time.
type Clock struct {
	mu sync.Mutex

	enabled bool
	halted  bool

	scale float64 // wall-clock multiplier; 1.0 = real time

	sysOffset   time.Time // time() value corresponding to elapsed==0
	breakStart  time.Time // time() at which the clock was halted
	haltedTotal time.Duration

	freq uint64 // system_freq in Hz, used for sys_ticks()

	now func() time.Time // injected for deterministic tests
}

// New creates a disabled Clock with a 1:1 wall-clock scale and a zero
// system frequency (SysTicks reports zero until SetSystemFreq is called).
func New() *Clock {
	return &Clock{scale: 1.0, now: time.Now}
}

// Enable starts the clock. If startPaused is true, elapsed time remains
// zero until Resume is called.
func (c *Clock) Enable(startPaused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.enabled = true
	c.halted = startPaused
	c.sysOffset = now
	c.haltedTotal = 0
	if startPaused {
		c.breakStart = now
	}
}

// Disable stops the clock and zeroes both offsets.
func (c *Clock) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
	c.halted = false
	c.sysOffset = time.Time{}
	c.breakStart = time.Time{}
	c.haltedTotal = 0
}

// Halt freezes elapsed-time accumulation.
func (c *Clock) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.halted {
		return
	}
	c.halted = true
	c.breakStart = c.now()
}

// Resume un-freezes the clock. Running timers observe no jump: the halted
// interval is added to haltedTotal instead of being counted as elapsed.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || !c.halted {
		return
	}
	c.halted = false
	c.haltedTotal += c.now().Sub(c.breakStart)
	c.breakStart = time.Time{}
}

// SetScale sets the wall-clock multiplier used by SysTime. A scale below
// 1.0 runs the emulated clock slower than real time, useful for
// deterministic tests that want generous margins around timer deadlines.
func (c *Clock) SetScale(scale float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scale = scale
}

// SetSystemFreq sets the frequency in Hz used to derive sys_ticks from
// sys_time.
func (c *Clock) SetSystemFreq(hz uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freq = hz
}

// GetSystemFreq returns the current system frequency in Hz.
func (c *Clock) GetSystemFreq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq
}

// SysTime returns the number of emulated seconds elapsed since Enable,
// excluding any halted interval, scaled by the configured scale factor.
func (c *Clock) SysTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysTimeLocked()
}

func (c *Clock) sysTimeLocked() float64 {
	if !c.enabled {
		return 0
	}
	now := c.now()
	halted := c.haltedTotal
	if c.halted {
		halted += now.Sub(c.breakStart)
	}
	elapsed := now.Sub(c.sysOffset) - halted
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed.Seconds() * c.scale
}

// SysTicks returns floor(SysTime() * GetSystemFreq()).
func (c *Clock) SysTicks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freq == 0 {
		return 0
	}
	return uint64(c.sysTimeLocked() * float64(c.freq))
}

// Enabled reports whether the clock is currently enabled.
func (c *Clock) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Halted reports whether the clock is currently halted.
func (c *Clock) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}
