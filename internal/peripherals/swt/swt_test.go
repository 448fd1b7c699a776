package swt

import (
	"testing"
	"time"

	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/intc"
	"github.com/rcornwell/mpc5674f/internal/master"
)

func newTestCore(t *testing.T) (*core.Core, *SWT) {
	t.Helper()
	c := core.New(make(chan master.Packet, 4))
	w := New()
	c.Register("swt", 0, w)
	c.PowerOnReset()
	c.Regs.MSR = intc.MsrEE // the watchdog's external interrupt is masked while EE=0
	c.Clock.SetSystemFreq(1_000_000)
	c.Clock.SetScale(1000) // run emulated time 1000x real time so tests don't sleep for real seconds
	c.Clock.Enable(false)
	return c, w
}

func writeMCR(c *core.Core, val uint32) { _ = c.WriteMem(BaseAddr+mcrOffset, encodeU32(val)) }
func writeTO(c *core.Core, val uint32)  { _ = c.WriteMem(BaseAddr+toOffset, encodeU32(val)) }
func writeSR(c *core.Core, val uint32)  { _ = c.WriteMem(BaseAddr+srOffset, encodeU32(val)) }
func readMCR(c *core.Core) uint32 {
	b, _ := c.ReadMem(BaseAddr+mcrOffset, 4)
	return decodeU32(b)
}

func TestUnlockSequenceClearsSoftLockOnly(t *testing.T) {
	c, _ := newTestCore(t)
	writeMCR(c, mcrSLK)

	writeSR(c, unlockFirst)
	writeSR(c, unlockSecond)

	if readMCR(c)&mcrSLK != 0 {
		t.Fatal("expected SLK cleared after the unlock sequence")
	}
}

func TestUnlockSequenceLeavesHardLockSet(t *testing.T) {
	c, _ := newTestCore(t)
	writeMCR(c, mcrHLK)

	writeSR(c, unlockFirst)
	writeSR(c, unlockSecond)

	if readMCR(c)&mcrHLK == 0 {
		t.Fatal("expected HLK to remain set: it cannot be cleared by the unlock sequence")
	}
}

func TestWatchdogExpiryWithoutITRRaisesResetDirectly(t *testing.T) {
	c, _ := newTestCore(t)

	writeTO(c, 10)
	writeMCR(c, mcrWEN) // ITR=0: first expiry goes straight to reset

	waitUntil(t, func() bool { return c.Intc.Active(exception.Reset) })
}

func TestWatchdogExpiryWithITREscalatesOnSecondExpiry(t *testing.T) {
	c, _ := newTestCore(t)

	// 1e8 ticks is 100ms of real time at 1MHz x1000, leaving a window in
	// which the first expiry has fired and the second has not.
	writeTO(c, 100_000_000)
	writeMCR(c, mcrWEN|mcrITR)

	waitUntil(t, func() bool { return c.Intc.Active(exception.ExternalInput) })
	if c.Intc.Active(exception.Reset) {
		t.Fatal("first expiry with ITR=1 should raise an interrupt, not reset yet")
	}

	waitUntil(t, func() bool { return c.Intc.Active(exception.Reset) })
}

// waitUntil polls cond on a real wall-clock interval, since the watchdog's
// timeout callback fires from the timer registry's background reaper
// goroutine rather than synchronously with the test.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}
