package mmu

import (
	"testing"

	"github.com/rcornwell/mpc5674f/internal/regfile"
)

func newTLB() *TLB {
	return New(regfile.New())
}

func TestTlbweTlbreRoundTrip(t *testing.T) {
	tlb := newTLB()
	esel := 5
	tlb.regs.SetRawSPR(MAS0, uint32(esel)<<mas0EselShift)
	tlb.regs.SetRawSPR(MAS1, mas1ValidMask|mas1IprotMask|(3<<mas1TidShift)|(1<<mas1TsBit)|(uint32(Size1MB)<<mas1TsizShift))
	tlb.regs.SetRawSPR(MAS2, (0x20000000&epnMask)|uint32(FlagWG))
	tlb.regs.SetRawSPR(MAS3, (0x40000000&epnMask)|(uint32(5)<<mas3UserShift)|uint32(PermSU_RWX))

	tlb.Tlbwe()

	want1, want2, want3 := tlb.regs.SPR(MAS1), tlb.regs.SPR(MAS2), tlb.regs.SPR(MAS3)

	tlb.regs.SetRawSPR(MAS1, 0)
	tlb.regs.SetRawSPR(MAS2, 0)
	tlb.regs.SetRawSPR(MAS3, 0)

	tlb.Tlbre()

	if got := tlb.regs.SPR(MAS1); got != want1 {
		t.Errorf("MAS1 round-trip: got %#x want %#x", got, want1)
	}
	if got := tlb.regs.SPR(MAS2); got != want2 {
		t.Errorf("MAS2 round-trip: got %#x want %#x", got, want2)
	}
	if got := tlb.regs.SPR(MAS3); got != want3 {
		t.Errorf("MAS3 round-trip: got %#x want %#x", got, want3)
	}
}

func TestTranslateMatchesEntireRange(t *testing.T) {
	tlb := newTLB()
	e := tlb.Entry(3)
	e.Configure(true, false, 0, 0, Size1MB, 0x20000000, FlagWG, 0x20000000, 0, PermSU_RWX)

	for k := uint32(0); k < 0x100000; k += 0x1000 {
		pa, err := tlb.TranslateData(0x20000000+k, 0, 7)
		if err != nil {
			t.Fatalf("unexpected translate error at offset %#x: %v", k, err)
		}
		if pa != 0x20000000+k {
			t.Errorf("offset %#x: got pa %#x want %#x", k, pa, 0x20000000+k)
		}
	}
}

func TestInvalidEntryNeverMatches(t *testing.T) {
	tlb := newTLB()
	e := tlb.Entry(1)
	e.Configure(false, false, 0, 0, Size4KB, 0x1000, 0, 0x1000, 0, PermSU_RWX)

	if _, err := tlb.TranslateData(0x1000, 0, 0); err == nil {
		t.Fatal("expected translate to fail for an invalid entry")
	}
}

func TestInvalidateRespectsIprot(t *testing.T) {
	tlb := newTLB()
	e := tlb.Entry(2)
	e.Configure(true, true, 0, 0, Size4KB, 0x2000, 0, 0x2000, 0, PermSU_RWX)
	e.Invalidate()
	if !e.Valid {
		t.Fatal("protected entry was invalidated")
	}

	e.Iprot = false
	e.Invalidate()
	if e.Valid {
		t.Fatal("unprotected entry was not invalidated")
	}
}

// TestTlbsxMiss drives a tlbsx miss against a fixed SPID/NV/EA triple and
// checks the resulting MAS0-3 against known-good reference values. Note
// the seed NV is 14: an NV of 15 produces a different MAS0 than the
// reference values below, so 14 is what reproduces them exactly.
func TestTlbsxMiss(t *testing.T) {
	tlb := newTLB()

	const nv = 14
	tlb.regs.SetRawSPR(MAS0, nv)
	tlb.regs.SetRawSPR(MAS6, (3<<mas6SpidShift)|0)

	tlb.Tlbsx(0x70003E3E)

	if got, want := tlb.regs.SPR(MAS0), uint32(0x100E000E); got != want {
		t.Errorf("MAS0: got %#x want %#x", got, want)
	}
	if got, want := tlb.regs.SPR(MAS1), uint32(0x00030080); got != want {
		t.Errorf("MAS1: got %#x want %#x", got, want)
	}
	if got, want := tlb.regs.SPR(MAS2), uint32(0x70003C32); got != want {
		t.Errorf("MAS2: got %#x want %#x", got, want)
	}
	if got, want := tlb.regs.SPR(MAS3), uint32(0); got != want {
		t.Errorf("MAS3: got %#x want %#x", got, want)
	}
}

// TestResetThenTlbsxMissUsesDefaultMAS4 drives the real boot ordering:
// regfile.Reset wipes the SPR map MAS4 was seeded into at New, so unless
// TLB.Reset re-seeds it a tlbsx miss right after a core reset would see
// MAS4 as zero instead of its power-on default.
func TestResetThenTlbsxMissUsesDefaultMAS4(t *testing.T) {
	regs := regfile.New()
	tlb := New(regs)

	regs.Reset(regfile.PowerOn)
	tlb.Reset()

	const nv = 14
	tlb.regs.SetRawSPR(MAS0, nv)
	tlb.regs.SetRawSPR(MAS6, (3<<mas6SpidShift)|0)

	tlb.Tlbsx(0x70003E3E)

	if got, want := tlb.regs.SPR(MAS0), uint32(0x100E000E); got != want {
		t.Errorf("MAS0: got %#x want %#x (MAS4 default was not reapplied after reset)", got, want)
	}
}

func TestTlbivaxInvalidateAll(t *testing.T) {
	tlb := newTLB()
	tlb.Entry(0).Configure(true, false, 0, 0, Size4KB, 0, 0, 0, 0, PermSU_RWX)
	tlb.Entry(1).Configure(true, true, 0, 0, Size4KB, 0x1000, 0, 0x1000, 0, PermSU_RWX)

	tlb.Tlbivax(0x00000004)

	if tlb.Entry(0).Valid {
		t.Error("unprotected entry survived invalidate-all")
	}
	if !tlb.Entry(1).Valid {
		t.Error("protected entry was wrongly invalidated by invalidate-all")
	}
}

func TestTlbivaxSingle(t *testing.T) {
	tlb := newTLB()
	tlb.Entry(0).Configure(true, false, 0, 0, Size4KB, 0x5000, 0, 0x5000, 0, PermSU_RWX)
	tlb.Entry(1).Configure(true, false, 0, 0, Size4KB, 0x9000, 0, 0x9000, 0, PermSU_RWX)

	tlb.Tlbivax(0x5000)

	if tlb.Entry(0).Valid {
		t.Error("matching entry was not invalidated")
	}
	if !tlb.Entry(1).Valid {
		t.Error("non-matching entry was wrongly invalidated")
	}
}
