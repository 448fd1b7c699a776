package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced tick source for deterministic tests.
type fakeClock struct {
	ticks atomic.Uint64
}

func (f *fakeClock) SysTicks() uint64 { return f.ticks.Load() }
func (f *fakeClock) advance(n uint64) { f.ticks.Add(n) }

func TestTimerFiresOnceAtTarget(t *testing.T) {
	clock := &fakeClock{}
	reg := NewRegistry(clock)
	defer reg.Shutdown()

	var fired atomic.Int32
	period := uint64(10)
	timer := reg.Register("t1", func() { fired.Add(1) }, nil, &period)
	reg.Start(timer, nil, nil)

	clock.advance(9)
	reg.Poke()
	time.Sleep(5 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("timer fired early: %d", fired.Load())
	}

	clock.advance(2)
	reg.Poke()
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired.Load())
	}
}

func TestStopPreventsFiring(t *testing.T) {
	clock := &fakeClock{}
	reg := NewRegistry(clock)
	defer reg.Shutdown()

	var fired atomic.Int32
	period := uint64(5)
	timer := reg.Register("t2", func() { fired.Add(1) }, nil, &period)
	reg.Start(timer, nil, nil)
	reg.Stop(timer)

	clock.advance(100)
	reg.Poke()
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("stopped timer fired: %d", fired.Load())
	}
}

func TestRestartIsIdempotentAndRearms(t *testing.T) {
	clock := &fakeClock{}
	reg := NewRegistry(clock)
	defer reg.Shutdown()

	var fired atomic.Int32
	period := uint64(10)
	timer := reg.Register("t3", func() { fired.Add(1) }, nil, &period)
	reg.Start(timer, nil, nil)
	reg.Start(timer, nil, nil) // idempotent re-arm from current tick

	clock.advance(10)
	reg.Poke()
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("expected one fire after idempotent restart, got %d", fired.Load())
	}
}
