/*
 * MPC5674F - Interactive monitor command line.
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

// Package monitor implements the operator console: a liner-backed REPL
// offering step/reset/halt/resume/reg/md commands against a running
// core, generalized from command/parser's attach/detach/set/show table
// of abbreviation-matched commands down to the smaller command set a
// bare-metal core monitor needs instead of an I/O-channel device
// console.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/master"
)

type cmdLine struct {
	line string
	pos  int
}

type cmd struct {
	name     string
	min      int
	process  func(*cmdLine, *Monitor) (bool, error)
	complete func(*cmdLine) []string
}

var cmdList = []cmd{
	{name: "step", min: 4, process: cmdStep},
	{name: "reset", min: 3, process: cmdReset},
	{name: "halt", min: 4, process: cmdHalt},
	{name: "resume", min: 2, process: cmdResume},
	{name: "reg", min: 3, process: cmdReg},
	{name: "setreg", min: 4, process: cmdSetReg},
	{name: "md", min: 2, process: cmdMemDump},
	{name: "quit", min: 4, process: cmdQuit},
}

// Monitor binds the console to one core and its master bus.
type Monitor struct {
	Core     *core.Core
	MasterCh chan<- master.Packet
}

// New constructs a Monitor. masterCh is the same channel the core was
// built with, used for halt/resume/reset requests.
func New(c *core.Core, masterCh chan<- master.Packet) *Monitor {
	return &Monitor{Core: c, MasterCh: masterCh}
}

// Run drives the REPL until the user quits or aborts with Ctrl-C. It
// blocks the calling goroutine. If stdin is not a terminal (piped input,
// a test harness, a background service run) it logs and returns
// immediately rather than spinning on EOF prompts.
func (m *Monitor) Run() {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Warn("monitor: stdin is not a terminal, skipping interactive console")
		return
	}

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string {
		return CompleteCmd(l)
	})

	for {
		command, err := line.Prompt("mpc5674f> ")
		if err == nil {
			line.AppendHistory(command)
			quit, procErr := ProcessCommand(command, m)
			if procErr != nil {
				fmt.Println("Error: " + procErr.Error())
			}
			if quit {
				return
			}
			continue
		}

		if errors.Is(err, liner.ErrPromptAborted) {
			return
		}
		slog.Error("monitor: error reading line: " + err.Error())
		return
	}
}

// ProcessCommand executes one command line against m.
func ProcessCommand(commandLine string, m *Monitor) (bool, error) {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	match := matchList(name)
	if len(match) == 0 {
		return false, errors.New("command not found: " + name)
	}
	if len(match) > 1 {
		return false, errors.New("ambiguous command: " + name)
	}
	return match[0].process(&line, m)
}

// CompleteCmd returns completion candidates for liner.
func CompleteCmd(commandLine string) []string {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	match := matchList(name)
	matches := make([]string, len(match))
	for i, c := range match {
		matches[i] = c.name
	}
	return matches
}

func matchCommand(m cmd, command string) bool {
	l := 0
	for l = range len(command) {
		if l >= len(m.name) || m.name[l] != command[l] {
			return false
		}
	}
	return (l + 1) >= m.min
}

func matchList(command string) []cmd {
	if command == "" {
		return nil
	}
	var match []cmd
	for _, m := range cmdList {
		if matchCommand(m, command) {
			match = append(match, m)
		}
	}
	return match
}

func (l *cmdLine) skipSpace() {
	for l.pos < len(l.line) && unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
}

func (l *cmdLine) isEOL() bool {
	return l.pos >= len(l.line) || l.line[l.pos] == '#'
}

func (l *cmdLine) getWord() string {
	l.skipSpace()
	start := l.pos
	for !l.isEOL() && !unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
	return l.line[start:l.pos]
}

func cmdStep(line *cmdLine, m *Monitor) (bool, error) {
	n := 1
	if w := line.getWord(); w != "" {
		v, err := strconv.Atoi(w)
		if err != nil {
			return false, fmt.Errorf("step: invalid count %q", w)
		}
		n = v
	}
	for range n {
		m.MasterCh <- master.Packet{Msg: master.Step}
	}
	fmt.Printf("PC = %#010x\n", m.Core.Regs.PC)
	return false, nil
}

func cmdReset(_ *cmdLine, m *Monitor) (bool, error) {
	m.MasterCh <- master.Packet{Msg: master.Reset}
	return false, nil
}

func cmdHalt(_ *cmdLine, m *Monitor) (bool, error) {
	m.MasterCh <- master.Packet{Msg: master.Stop}
	return false, nil
}

func cmdResume(_ *cmdLine, m *Monitor) (bool, error) {
	m.MasterCh <- master.Packet{Msg: master.Start}
	return false, nil
}

func cmdReg(line *cmdLine, m *Monitor) (bool, error) {
	w := line.getWord()
	if w == "" {
		fmt.Printf("PC  = %#010x\n", m.Core.Regs.PC)
		fmt.Printf("MSR = %#010x\n", m.Core.Regs.MSR)
		return false, nil
	}
	idx, err := strconv.ParseUint(w, 0, 16)
	if err != nil {
		return false, fmt.Errorf("reg: invalid SPR index %q", w)
	}
	fmt.Printf("SPR[%d] = %#010x\n", idx, m.Core.Regs.SPR(uint16(idx)))
	return false, nil
}

func cmdSetReg(line *cmdLine, m *Monitor) (bool, error) {
	idxWord := line.getWord()
	valWord := line.getWord()
	idx, err := strconv.ParseUint(idxWord, 0, 16)
	if err != nil {
		return false, fmt.Errorf("setreg: invalid SPR index %q", idxWord)
	}
	val, err := strconv.ParseUint(valWord, 0, 32)
	if err != nil {
		return false, fmt.Errorf("setreg: invalid value %q", valWord)
	}
	m.Core.Regs.SetSPR(uint16(idx), uint32(val))
	return false, nil
}

func cmdMemDump(line *cmdLine, m *Monitor) (bool, error) {
	addrWord := line.getWord()
	addr, err := strconv.ParseUint(addrWord, 0, 32)
	if err != nil {
		return false, fmt.Errorf("md: invalid address %q", addrWord)
	}
	count := 16
	if w := line.getWord(); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			return false, fmt.Errorf("md: invalid count %q", w)
		}
		count = n
	}
	data, err := m.Core.ReadMem(uint32(addr), count)
	if err != nil {
		return false, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%#010x: ", addr)
	for _, b := range data {
		fmt.Fprintf(&sb, "%02x ", b)
	}
	fmt.Println(sb.String())
	return false, nil
}

func cmdQuit(_ *cmdLine, _ *Monitor) (bool, error) {
	return true, nil
}
