/*
 * MPC5674F - Configuration file parser
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package config parses the core's configuration object out of a flat
// "key = value" file, generalized from config/configparser's "device
// model + address + options" line grammar down to the simpler shape the
// core itself needs: no device registry, just scalar and map-valued
// settings the driver passes to Core construction.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config is the object the driver passes to the core, per the
// {test_mode, gdb_enabled, peripheral_ports, extal, pllcfg, wkpcfg, …}
// contract.
type Config struct {
	TestMode   bool
	GDBEnabled bool
	GDBPort    int

	// PeripheralPorts maps a networked peripheral's name (e.g. "linflex0")
	// to the TCP port its IO task listens on.
	PeripheralPorts map[string]int

	ExtalHz uint64
	PLLCFG  uint32
	WKPCFG  uint32

	Firmware string
	LogFile  string
}

// Default returns a Config with the reset-time defaults real silicon
// powers up with: a 40MHz crystal and everything else disabled.
func Default() *Config {
	return &Config{ExtalHz: 40_000_000, PeripheralPorts: make(map[string]int)}
}

// Load reads path and applies its "key = value" lines onto a Default
// config, returning the result. A '#' starts a comment that runs to end
// of line; blank lines are ignored.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	reader := bufio.NewReader(file)
	lineNumber := 0
	for {
		line, err := reader.ReadString('\n')
		lineNumber++
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if parseErr := cfg.applyLine(line); parseErr != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNumber, parseErr)
		}
		if err == io.EOF {
			break
		}
	}
	return cfg, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func (cfg *Config) applyLine(raw string) error {
	line := strings.TrimSpace(stripComment(raw))
	if line == "" {
		return nil
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return fmt.Errorf("expected 'key = value', got %q", raw)
	}
	key = strings.ToUpper(strings.TrimSpace(key))
	value = strings.Trim(strings.TrimSpace(value), `"`)

	switch key {
	case "TEST_MODE":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		cfg.TestMode = b
	case "GDB_ENABLED":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		cfg.GDBEnabled = b
	case "GDB_PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("gdb_port: %w", err)
		}
		cfg.GDBPort = n
	case "EXTAL":
		n, err := parseUint(value)
		if err != nil {
			return fmt.Errorf("extal: %w", err)
		}
		cfg.ExtalHz = n
	case "PLLCFG":
		n, err := parseUint(value)
		if err != nil {
			return fmt.Errorf("pllcfg: %w", err)
		}
		cfg.PLLCFG = uint32(n)
	case "WKPCFG":
		n, err := parseUint(value)
		if err != nil {
			return fmt.Errorf("wkpcfg: %w", err)
		}
		cfg.WKPCFG = uint32(n)
	case "FIRMWARE":
		cfg.Firmware = value
	case "LOG":
		cfg.LogFile = value
	case "PERIPHERAL_PORTS":
		return cfg.applyPeripheralPorts(value)
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}

// applyPeripheralPorts parses "name:port,name:port,...".
func (cfg *Config) applyPeripheralPorts(value string) error {
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, portStr, ok := strings.Cut(entry, ":")
		if !ok {
			return fmt.Errorf("peripheral_ports entry %q missing ':port'", entry)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			return fmt.Errorf("peripheral_ports entry %q: %w", entry, err)
		}
		cfg.PeripheralPorts[strings.TrimSpace(name)] = port
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %q", value)
	}
}

// parseUint accepts a 0x-prefixed hex literal or a plain decimal number,
// the same two forms config/configparser's device-address field accepts.
func parseUint(value string) (uint64, error) {
	if rest, ok := strings.CutPrefix(strings.ToLower(value), "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}
	return strconv.ParseUint(value, 10, 64)
}
