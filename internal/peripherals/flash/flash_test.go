package flash

import (
	"testing"

	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/master"
)

func newTestCore(t *testing.T) (*core.Core, *Controller) {
	t.Helper()
	c := core.New(make(chan master.Packet, 4))
	f := New()
	c.Register("flash", 0, f)
	c.PowerOnReset()
	return c, f
}

func writeReg(t *testing.T, c *core.Core, addr uint32, val uint32) {
	t.Helper()
	if err := c.WriteMem(addr, encodeU32(val)); err != nil {
		t.Fatalf("write %#x: %v", addr, err)
	}
}

func readReg(t *testing.T, c *core.Core, addr uint32) uint32 {
	t.Helper()
	b, err := c.ReadMem(addr, 4)
	if err != nil {
		t.Fatalf("read %#x: %v", addr, err)
	}
	return decodeU32(b)
}

func unlockLowMid(t *testing.T, c *core.Core, regBase uint32) {
	t.Helper()
	writeReg(t, c, regBase+lmlrOffset, lmlrUnlock)
	writeReg(t, c, regBase+lmlrOffset, 0) // unlock everything
}

func TestMainFlashErasedAtPowerOn(t *testing.T) {
	c, _ := newTestCore(t)
	b, err := c.ReadMem(MainBase, 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range b {
		if v != 0xFF {
			t.Fatalf("expected erased flash to read 0xFF, got %#x", v)
		}
	}
}

func TestProgramRequiresInterlockedPGMBit(t *testing.T) {
	c, _ := newTestCore(t)
	unlockLowMid(t, c, RegBaseA)

	// write data without PGM set: should be silently discarded
	if err := c.WriteMem(MainBase, []byte{0x11, 0x22, 0x33, 0x44}); err != nil {
		t.Fatal(err)
	}
	b, _ := c.ReadMem(MainBase, 4)
	for _, v := range b {
		if v != 0xFF {
			t.Fatalf("expected write with PGM=0 to be discarded, got %#x", v)
		}
	}
}

func TestProgramThenCommitWritesBackingBytes(t *testing.T) {
	c, _ := newTestCore(t)
	unlockLowMid(t, c, RegBaseA)

	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM)
	if err := c.WriteMem(MainBase, []byte{0x11, 0x22, 0x33, 0x44}); err != nil {
		t.Fatal(err)
	}

	// before EHV commits, backing bytes are still erased
	b, _ := c.ReadMem(MainBase, 4)
	for _, v := range b {
		if v != 0xFF {
			t.Fatalf("expected pending write to not yet be visible, got %#x", v)
		}
	}

	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM|mcrEHV)

	b, _ = c.ReadMem(MainBase, 4)
	want := []byte{0x11, 0x22, 0x33, 0x44}
	for i, v := range b {
		if v != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, v, want[i])
		}
	}
	if readReg(t, c, RegBaseA+mcrOffset)&mcrDONE == 0 {
		t.Fatal("expected DONE set after commit")
	}
	if readReg(t, c, RegBaseA+mcrOffset)&mcrPEG == 0 {
		t.Fatal("expected PEG set after a successful commit")
	}
}

func TestProgramLockedBlockIsDiscarded(t *testing.T) {
	c, _ := newTestCore(t)
	// LMLR stays at its power-on default (all bits locked): no unlock performed.
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM)
	if err := c.WriteMem(MainBase, []byte{0xAA, 0xAA, 0xAA, 0xAA}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM|mcrEHV)

	b, _ := c.ReadMem(MainBase, 4)
	for _, v := range b {
		if v != 0xFF {
			t.Fatalf("expected locked block to reject programming, got %#x", v)
		}
	}
}

func TestEraseLowBlockConfirmedByInterlockWriteOutsideTheBlock(t *testing.T) {
	c, _ := newTestCore(t)
	unlockLowMid(t, c, RegBaseA)

	// program block 0 first so there's something to erase.
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM)
	if err := c.WriteMem(MainBase, []byte{0x01, 0x02, 0x03, 0x04}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM|mcrEHV)
	writeReg(t, c, RegBaseA+mcrOffset, 0)

	// select block 0 in LMSR, enter erase mode, interlock-write in block 1
	// (any array-A address outside the block being erased confirms the erase).
	writeReg(t, c, RegBaseA+lmsrOffset, 1)
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS)
	if err := c.WriteMem(MainBase+0x4000, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS|mcrEHV)

	b, _ := c.ReadMem(MainBase, 4)
	for _, v := range b {
		if v != 0xFF {
			t.Fatalf("expected block 0 erased to 0xFF, got %#x", v)
		}
	}
	if readReg(t, c, RegBaseA+mcrOffset)&mcrPEG == 0 {
		t.Fatal("expected PEG set after a valid erase")
	}
}

func TestEraseInterlockWriteInsideSelectedBlockFails(t *testing.T) {
	c, _ := newTestCore(t)
	unlockLowMid(t, c, RegBaseA)

	writeReg(t, c, RegBaseA+lmsrOffset, 1) // select block 0
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS)
	// interlock write lands inside the block being erased: illegal, it must
	// target a different block owned by the same array.
	if err := c.WriteMem(MainBase, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS|mcrEHV)

	if readReg(t, c, RegBaseA+mcrOffset)&mcrPEG != 0 {
		t.Fatal("expected PEG clear: the interlock write landed inside the selected block")
	}
}

func TestEraseDoesNotTouchShadowConfigBlock(t *testing.T) {
	c, _ := newTestCore(t)
	unlockLowMid(t, c, RegBaseA)

	before, err := c.ReadMem(ShadowABase+configDefaultsOffset, 8)
	if err != nil {
		t.Fatal(err)
	}

	writeReg(t, c, RegBaseA+lmsrOffset, 1)
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS)
	if err := c.WriteMem(MainBase+0x4000, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS|mcrEHV)

	after, err := c.ReadMem(ShadowABase+configDefaultsOffset, 8)
	if err != nil {
		t.Fatal(err)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("erase of a main-flash block corrupted the shadow passcode at byte %d", i)
		}
	}
}

func TestShadowEraseSelectsAndConfirmsInOneWrite(t *testing.T) {
	c, _ := newTestCore(t)

	writeReg(t, c, RegBaseA+slmlrOffset, slmlrUnlock)
	writeReg(t, c, RegBaseA+slmlrOffset, 0)

	// program a byte in shadow A first so there's something to erase.
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM)
	if err := c.WriteMem(ShadowABase, []byte{0x55, 0x55, 0x55, 0x55}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM|mcrEHV)
	writeReg(t, c, RegBaseA+mcrOffset, 0)

	// the shadow block has no sub-blocks: any in-range write while ERS=1
	// both selects and confirms it.
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS)
	if err := c.WriteMem(ShadowABase+0x100, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS|mcrEHV)

	b, _ := c.ReadMem(ShadowABase, 4)
	for _, v := range b {
		if v != 0xFF {
			t.Fatalf("expected shadow A erased, got %#x", v)
		}
	}
	if readReg(t, c, RegBaseA+mcrOffset)&mcrPEG == 0 {
		t.Fatal("expected PEG set after a valid shadow erase")
	}
}

func TestLockRegisterUnlockPersistsAcrossWritesUntilReset(t *testing.T) {
	c, _ := newTestCore(t)

	writeReg(t, c, RegBaseA+lmlrOffset, lmlrUnlock)
	writeReg(t, c, RegBaseA+lmlrOffset, 0)
	if readReg(t, c, RegBaseA+lmlrOffset) != 0 {
		t.Fatal("expected LMLR write to take effect after unlock")
	}
	// a second write without re-sending the magic value should still work:
	// the unlock is one-shot-armed, not one-shot-consumed.
	writeReg(t, c, RegBaseA+lmlrOffset, 0xFFFF0000)
	if readReg(t, c, RegBaseA+lmlrOffset) != 0xFFFF0000 {
		t.Fatal("expected unlock to persist across multiple writes until reset")
	}

	c.PowerOnReset()
	if readReg(t, c, RegBaseA+lmlrOffset) != 0xFFFFFFFF {
		t.Fatal("expected reset to restore the locked default and clear write-enable")
	}
}

func TestHighBlockEraseOnlyTouchesOwningArraysHalf(t *testing.T) {
	c, f := newTestCore(t)
	unlockLowMid(t, c, RegBaseA)
	unlockLowMid(t, c, RegBaseB)
	// high blocks are write-protected by HLR, not LMLR
	writeReg(t, c, RegBaseA+hlrOffset, hlrUnlock)
	writeReg(t, c, RegBaseA+hlrOffset, 0)
	writeReg(t, c, RegBaseB+hlrOffset, hlrUnlock)
	writeReg(t, c, RegBaseB+hlrOffset, 0)

	// program 32 bytes spanning one interleave pair in the high range: A owns
	// bytes [0,16), B owns bytes [16,32).
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM)
	for i := uint32(0); i < 16; i += 4 {
		if err := c.WriteMem(highBase+i, []byte{0x10, 0x10, 0x10, 0x10}); err != nil {
			t.Fatal(err)
		}
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrPGM|mcrEHV)

	writeReg(t, c, RegBaseB+mcrOffset, mcrPGM)
	for i := uint32(16); i < 32; i += 4 {
		if err := c.WriteMem(highBase+i, []byte{0x20, 0x20, 0x20, 0x20}); err != nil {
			t.Fatal(err)
		}
	}
	writeReg(t, c, RegBaseB+mcrOffset, mcrPGM|mcrEHV)

	// erase array A's high block 0 only; the interlock write must land in a
	// different high block owned by array A (block 1's first 16 bytes).
	writeReg(t, c, RegBaseA+hsrOffset, 1)
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS)
	if err := c.WriteMem(highBase+highBlockSize, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	writeReg(t, c, RegBaseA+mcrOffset, mcrERS|mcrEHV)

	b, _ := c.ReadMem(highBase, 32)
	for i := 0; i < 16; i++ {
		if b[i] != 0xFF {
			t.Fatalf("expected array A's half erased, byte %d = %#x", i, b[i])
		}
	}
	for i := 16; i < 32; i++ {
		if b[i] != 0x20 {
			t.Fatalf("expected array B's half untouched by A's erase, byte %d = %#x", i, b[i])
		}
	}
	_ = f
}
