package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mpc5674f.cfg")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestLoadParsesEveryField(t *testing.T) {
	path := writeTemp(t, `
# comment line, ignored
test_mode = true
gdb_enabled = true
gdb_port = 3333
extal = 40000000
pllcfg = 0x00020008
wkpcfg = 0x5AF0
firmware = "image.hex"
log = trace.log
peripheral_ports = linflex0:5000, linflex1:5001
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.TestMode || !cfg.GDBEnabled {
		t.Fatal("expected test_mode and gdb_enabled set")
	}
	if cfg.GDBPort != 3333 {
		t.Fatalf("expected gdb_port 3333, got %d", cfg.GDBPort)
	}
	if cfg.ExtalHz != 40_000_000 {
		t.Fatalf("expected extal 40000000, got %d", cfg.ExtalHz)
	}
	if cfg.PLLCFG != 0x00020008 {
		t.Fatalf("expected pllcfg 0x20008, got %#x", cfg.PLLCFG)
	}
	if cfg.WKPCFG != 0x5AF0 {
		t.Fatalf("expected wkpcfg 0x5AF0, got %#x", cfg.WKPCFG)
	}
	if cfg.Firmware != "image.hex" {
		t.Fatalf("expected firmware image.hex, got %q", cfg.Firmware)
	}
	if cfg.LogFile != "trace.log" {
		t.Fatalf("expected log trace.log, got %q", cfg.LogFile)
	}
	if cfg.PeripheralPorts["linflex0"] != 5000 || cfg.PeripheralPorts["linflex1"] != 5001 {
		t.Fatalf("unexpected peripheral ports: %v", cfg.PeripheralPorts)
	}
}

func TestDefaultExtal(t *testing.T) {
	path := writeTemp(t, "test_mode = false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ExtalHz != 40_000_000 {
		t.Fatalf("expected the default EXTAL to survive an unrelated line, got %d", cfg.ExtalHz)
	}
}

func TestUnknownKeyIsAnError(t *testing.T) {
	path := writeTemp(t, "bogus_key = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unrecognized key")
	}
}

func TestMalformedLineIsAnError(t *testing.T) {
	path := writeTemp(t, "this line has no equals sign\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a line missing '='")
	}
}

func TestMissingFileIsAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.cfg")); err == nil {
		t.Fatal("expected an error opening a missing file")
	}
}
