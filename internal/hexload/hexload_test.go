package hexload

import (
	"strings"
	"testing"

	"github.com/rcornwell/mpc5674f/internal/peripherals/flash"
)

func checksumLine(byteCount byte, addr uint16, typ byte, data []byte) string {
	raw := []byte{byteCount, byte(addr >> 8), byte(addr), typ}
	raw = append(raw, data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, byte(-sum))

	var sb strings.Builder
	sb.WriteByte(':')
	for _, b := range raw {
		sb.WriteString(hexByte(b))
	}
	return sb.String()
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

func TestParseSimpleDataAndEOF(t *testing.T) {
	lines := []string{
		checksumLine(4, 0x0000, 0x00, []byte{0xDE, 0xAD, 0xBE, 0xEF}),
		checksumLine(0, 0x0000, 0x01, nil),
	}
	img, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := img.Regions[0x0000]
	if !ok {
		t.Fatal("expected a region at base 0")
	}
	if string(got) != "\xDE\xAD\xBE\xEF" {
		t.Fatalf("unexpected region bytes: %x", got)
	}
}

func TestParseCoalescesAdjacentDataRecords(t *testing.T) {
	lines := []string{
		checksumLine(2, 0x0000, 0x00, []byte{0x01, 0x02}),
		checksumLine(2, 0x0002, 0x00, []byte{0x03, 0x04}),
		checksumLine(0, 0x0000, 0x01, nil),
	}
	img, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img.Regions) != 1 {
		t.Fatalf("expected adjacent records to coalesce into one region, got %d", len(img.Regions))
	}
	got := img.Regions[0x0000]
	if string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected merged bytes: %x", got)
	}
}

func TestParseExtendedLinearAddressOffsetsSubsequentData(t *testing.T) {
	lines := []string{
		checksumLine(2, 0x0000, 0x04, []byte{0x00, 0x01}), // upper 16 bits = 0x0001
		checksumLine(2, 0x0010, 0x00, []byte{0xAA, 0xBB}),
		checksumLine(0, 0x0000, 0x01, nil),
	}
	img, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := uint32(0x00010010)
	got, ok := img.Regions[want]
	if !ok {
		t.Fatalf("expected a region at %#x, got regions %v", want, img.Regions)
	}
	if string(got) != "\xAA\xBB" {
		t.Fatalf("unexpected bytes: %x", got)
	}
}

func TestParseStartLinearAddressRecordedAsEntryPoint(t *testing.T) {
	lines := []string{
		checksumLine(4, 0x0000, 0x05, []byte{0x00, 0x00, 0x10, 0x00}),
		checksumLine(0, 0x0000, 0x01, nil),
	}
	img, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img.EntryPoints) != 1 || img.EntryPoints[0] != 0x00001000 {
		t.Fatalf("expected entry point 0x1000, got %v", img.EntryPoints)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	line := checksumLine(4, 0x0000, 0x00, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	corrupted := line[:len(line)-2] + "00"
	_, err := Parse(strings.NewReader(corrupted + "\n" + checksumLine(0, 0, 1, nil)))
	if err == nil {
		t.Fatal("expected a checksum error")
	}
}

func TestParseRejectsMissingColon(t *testing.T) {
	_, err := Parse(strings.NewReader("0400000000DEADBEEF00\n"))
	if err == nil {
		t.Fatal("expected a missing-colon error")
	}
}

func TestParseRejectsMissingEOFRecord(t *testing.T) {
	lines := []string{
		checksumLine(4, 0x0000, 0x00, []byte{0xDE, 0xAD, 0xBE, 0xEF}),
	}
	_, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err == nil {
		t.Fatal("expected an error for a file missing its EOF record")
	}
}

func TestLoadIntoWritesMainAndShadowFlash(t *testing.T) {
	lines := []string{
		checksumLine(4, 0x0000, 0x00, []byte{0x11, 0x22, 0x33, 0x44}),
		checksumLine(0, 0x0000, 0x01, nil),
	}
	img, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img.Regions[flash.ShadowABase] = []byte{0x55, 0x66}

	f := flash.New()
	if err := LoadInto(img, f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	main := f.ReadRaw(0x0000, 4)
	if string(main) != "\x11\x22\x33\x44" {
		t.Fatalf("unexpected main flash bytes: %x", main)
	}
}

func TestLoadIntoRejectsRegionOutsideFlash(t *testing.T) {
	img := &Image{Regions: map[uint32][]byte{0x50000000: {0x01, 0x02, 0x03, 0x04}}}
	f := flash.New()
	if err := LoadInto(img, f); err == nil {
		t.Fatal("expected an error for a region that does not fit in flash")
	}
}
