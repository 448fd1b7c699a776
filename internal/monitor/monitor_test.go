package monitor

import (
	"testing"

	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/master"
	"github.com/rcornwell/mpc5674f/internal/memmap"
)

func newTestMonitor(t *testing.T) (*Monitor, chan master.Packet) {
	t.Helper()
	ch := make(chan master.Packet, 8)
	c := core.New(ch)
	c.Mem.AddRegion(0, 0x10000, memmap.PermR|memmap.PermW|memmap.PermX, "ram", nil)
	c.PowerOnReset()
	return New(c, ch), ch
}

func TestMatchCommandAbbreviation(t *testing.T) {
	match := matchList("rese")
	if len(match) != 1 || match[0].name != "reset" {
		t.Fatalf("expected unambiguous match on reset, got %v", match)
	}
}

func TestMatchCommandAmbiguous(t *testing.T) {
	// "res" satisfies both reset's and resume's minimum abbreviation
	// length, so it must be rejected as ambiguous rather than picking one.
	match := matchList("res")
	if len(match) < 2 {
		t.Fatalf("expected ambiguous match for %q, got %v", "res", match)
	}
}

func TestMatchCommandTooShortDoesNotMatch(t *testing.T) {
	match := matchList("s")
	if len(match) != 0 {
		t.Fatalf("expected no match for too-short abbreviation, got %v", match)
	}
}

func TestGetWordSkipsSpacesAndStopsAtComment(t *testing.T) {
	line := cmdLine{line: "  reg 30  # comment"}
	if w := line.getWord(); w != "reg" {
		t.Fatalf("expected 'reg', got %q", w)
	}
	if w := line.getWord(); w != "30" {
		t.Fatalf("expected '30', got %q", w)
	}
	if w := line.getWord(); w != "" {
		t.Fatalf("expected empty word past comment, got %q", w)
	}
}

func TestProcessCommandUnknown(t *testing.T) {
	m, _ := newTestMonitor(t)
	if _, err := ProcessCommand("bogus", m); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestProcessCommandQuit(t *testing.T) {
	m, _ := newTestMonitor(t)
	quit, err := ProcessCommand("quit", m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !quit {
		t.Fatal("expected quit to request REPL exit")
	}
}

func TestProcessCommandResetSendsPacket(t *testing.T) {
	m, ch := newTestMonitor(t)
	if _, err := ProcessCommand("reset", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := <-ch
	if p.Msg != master.Reset {
		t.Fatalf("expected Reset packet, got %v", p.Msg)
	}
}

func TestProcessCommandHaltResumeStepOrder(t *testing.T) {
	m, ch := newTestMonitor(t)
	if _, err := ProcessCommand("halt", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ProcessCommand("resume", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ProcessCommand("step 3", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := <-ch; p.Msg != master.Stop {
		t.Fatalf("expected Stop, got %v", p.Msg)
	}
	if p := <-ch; p.Msg != master.Start {
		t.Fatalf("expected Start, got %v", p.Msg)
	}
	for i := range 3 {
		if p := <-ch; p.Msg != master.Step {
			t.Fatalf("expected Step packet %d, got %v", i, p.Msg)
		}
	}
}

func TestProcessCommandStepRejectsBadCount(t *testing.T) {
	m, _ := newTestMonitor(t)
	if _, err := ProcessCommand("step notanumber", m); err == nil {
		t.Fatal("expected an error for a non-numeric step count")
	}
}

func TestProcessCommandRegReadsAndWrites(t *testing.T) {
	m, _ := newTestMonitor(t)
	if _, err := ProcessCommand("setreg 48 0x2a", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Core.Regs.SPR(48); got != 0x2a {
		t.Fatalf("expected SPR 48 == 0x2a, got %#x", got)
	}
	if _, err := ProcessCommand("reg 48", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProcessCommandRegInvalidIndex(t *testing.T) {
	m, _ := newTestMonitor(t)
	if _, err := ProcessCommand("reg notanumber", m); err == nil {
		t.Fatal("expected an error for an invalid SPR index")
	}
}

func TestProcessCommandMemDump(t *testing.T) {
	m, _ := newTestMonitor(t)
	if err := m.Core.WriteMem(0x100, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ProcessCommand("md 0x100 4", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProcessCommandMemDumpInvalidAddress(t *testing.T) {
	m, _ := newTestMonitor(t)
	if _, err := ProcessCommand("md notanaddress", m); err == nil {
		t.Fatal("expected an error for an invalid address")
	}
}

func TestCompleteCmdReturnsAllMatches(t *testing.T) {
	matches := CompleteCmd("res")
	if len(matches) < 2 {
		t.Fatalf("expected both reset and resume to match 'res', got %v", matches)
	}
}
