// Package core implements the processor's cooperative execution loop and
// the Core struct that owns every subsystem: register file, TLB,
// physical memory map, interrupt controller, time base, timers,
// decode cache, and the registered peripherals.
//
// Grounded on emu/core.core's Start/Stop/processPacket shape: a
// goroutine gated by a running flag and torn down through a done
// channel plus sync.WaitGroup with a timeout warning, receiving
// master.Packet values over a channel. Generalized from the S370's
// cycle-counter loop to the fetch/decode/execute/tick step loop, and
// from a flat package of globals to a single Core struct per
// design-note guidance on the source's multiple-inheritance emulator
// class (one struct, one field per subsystem) and its cyclic
// emulator<->peripheral references (broken here with the narrow
// EmuHandle interface below).
package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/intc"
	"github.com/rcornwell/mpc5674f/internal/master"
	"github.com/rcornwell/mpc5674f/internal/memmap"
	"github.com/rcornwell/mpc5674f/internal/mmu"
	"github.com/rcornwell/mpc5674f/internal/opcode"
	"github.com/rcornwell/mpc5674f/internal/regfile"
	"github.com/rcornwell/mpc5674f/internal/timebase"
	"github.com/rcornwell/mpc5674f/internal/timers"
)

// SPR indices for the save/restore register pairs used by exception
// entry and the rfi family, and for PID0 (the default translation-ID
// source for data/instruction fetches).
const (
	SprSRR0   uint16 = 26
	SprSRR1   uint16 = 27
	SprCSRR0  uint16 = 58
	SprCSRR1  uint16 = 59
	SprDSRR0  uint16 = 568
	SprDSRR1  uint16 = 569
	SprMCSRR0 uint16 = 570
	SprMCSRR1 uint16 = 571
	SprPID0   uint16 = 48
)

// MSR bits consulted by the translate and exception-entry paths.
const (
	MsrIS uint32 = 1 << 6 // instruction address space
	MsrDS uint32 = 1 << 5 // data address space
)

// Peripheral is implemented by every registered module. Iteration order
// for Init/Reset/Shutdown is insertion order, matching the source's
// name-keyed registry.
type Peripheral interface {
	Init(h EmuHandle)
	Reset(h EmuHandle)
	Shutdown(h EmuHandle)
}

// ResetAware is an optional Peripheral extension for modules that care
// which reset source triggered the reset (e.g. the watchdog escalating
// its own expiry into a full reset).
type ResetAware interface {
	SetResetSource(src exception.ResetSource)
}

// IOPeripheral is an optional Peripheral extension for modules reachable
// from the external-IO packet queue (networked peripherals).
type IOPeripheral interface {
	ProcessReceived(data []byte)
}

// EmuHandle is the narrow surface peripherals use to reach the Core,
// replacing a direct cyclic reference to the whole struct.
type EmuHandle interface {
	QueueException(exc *exception.Exception)
	NamedTimer(name string, cb func()) *timers.Timer
	StartTimer(t *timers.Timer, freq *float64, period *uint64)
	StopTimer(t *timers.Timer)
	GetRegister(spr uint16) uint32
	SetRegister(spr uint16, val uint32)
	ReadMem(va uint32, size int) ([]byte, error)
	WriteMem(va uint32, data []byte) error
	InstallReadCallback(spr uint16, fn regfile.ReadHook)
	InstallWriteCallback(spr uint16, fn regfile.WriteHook)
	InstallMMIO(base, size uint32, name string, read memmap.ReadFunc, write memmap.WriteFunc, rawBy memmap.BytesFunc, perm memmap.Perm)
	Supervisor() *memmap.Scope
	ConfigureTLBEntry(esel int, valid, iprot bool, tid, ts uint8, tsiz mmu.PageSize, epn uint32, flags mmu.Flags, rpn uint32, user uint8, perm mmu.Perm)
	ClearTLBEntry(esel int)
	SetProgramCounter(pc uint32)
}

// Core owns every emulator subsystem and drives the step loop.
type Core struct {
	Regs   *regfile.File
	TLB    *mmu.TLB
	Intc   *intc.Controller
	Clock  *timebase.Clock
	Timers *timers.Registry
	Mem    *memmap.Map
	Cache  *opcode.Cache

	peripheralNames []string
	peripherals     map[string]Peripheral
	byDevNum        map[uint16]Peripheral

	extraMu    sync.Mutex
	extraQueue []func()

	masterCh chan master.Packet
	ioQueue  chan master.Packet

	wg       sync.WaitGroup
	done     chan struct{}
	running  bool
	branched bool
}

// New constructs a Core with every leaf subsystem wired together, but
// does not start its goroutine or perform a reset.
func New(masterCh chan master.Packet) *Core {
	regs := regfile.New()
	clock := timebase.New()
	c := &Core{
		Regs:        regs,
		TLB:         mmu.New(regs),
		Intc:        intc.New(regs),
		Clock:       clock,
		Timers:      timers.NewRegistry(clock),
		Mem:         memmap.New(),
		Cache:       opcode.New(),
		peripherals: make(map[string]Peripheral),
		byDevNum:    make(map[uint16]Peripheral),
		masterCh:    masterCh,
		ioQueue:     make(chan master.Packet, 64),
		done:        make(chan struct{}),
	}
	return c
}

// Register adds a peripheral under name, and also under devNum when devNum
// is non-zero; IO frames for devNum reach it only if it implements
// IOPeripheral. Insertion order is preserved for PowerOnReset's init/reset
// pass.
func (c *Core) Register(name string, devNum uint16, p Peripheral) {
	c.peripheralNames = append(c.peripheralNames, name)
	c.peripherals[name] = p
	if devNum != 0 {
		c.byDevNum[devNum] = p
	}
}

// PowerOnReset implements the processor's cold-start lifecycle: reset
// the register file, TLB, interrupt controller, and decode cache, then
// call Init then Reset on every registered peripheral in insertion
// order.
func (c *Core) PowerOnReset() {
	c.Regs.Reset(regfile.PowerOn)
	c.Intc.Reset()
	c.Cache.Reset()
	c.TLB.Reset()
	c.TLB.Entry(0).Configure(true, true, 0, 0, mmu.Size4KB, 0, 0, 0, 0, mmu.PermSU_RWX)

	for _, name := range c.peripheralNames {
		c.peripherals[name].Init(c)
	}
	for _, name := range c.peripheralNames {
		c.peripherals[name].Reset(c)
	}
}

// NotifyResetSource informs every ResetAware peripheral of src, used
// after a Reset exception has been handled by the step loop.
func (c *Core) NotifyResetSource(src exception.ResetSource) {
	for _, name := range c.peripheralNames {
		if ra, ok := c.peripherals[name].(ResetAware); ok {
			ra.SetResetSource(src)
		}
	}
}

// QueueExtra appends a closure to the extra-processing queue; step()
// runs at most one per iteration.
func (c *Core) QueueExtra(fn func()) {
	c.extraMu.Lock()
	defer c.extraMu.Unlock()
	c.extraQueue = append(c.extraQueue, fn)
}

func (c *Core) drainOneExtra() {
	c.extraMu.Lock()
	if len(c.extraQueue) == 0 {
		c.extraMu.Unlock()
		return
	}
	fn := c.extraQueue[0]
	c.extraQueue = c.extraQueue[1:]
	c.extraMu.Unlock()
	fn()
}

// EmuHandle implementation.

func (c *Core) QueueException(exc *exception.Exception) { c.Intc.Queue(exc) }

func (c *Core) NamedTimer(name string, cb func()) *timers.Timer {
	return c.Timers.Register(name, cb, nil, nil)
}
func (c *Core) StartTimer(t *timers.Timer, freq *float64, period *uint64) {
	c.Timers.Start(t, freq, period)
}
func (c *Core) StopTimer(t *timers.Timer) { c.Timers.Stop(t) }

func (c *Core) GetRegister(spr uint16) uint32          { return c.Regs.SPR(spr) }
func (c *Core) SetRegister(spr uint16, val uint32)     { c.Regs.SetSPR(spr, val) }
func (c *Core) ReadMem(va uint32, size int) ([]byte, error) { return c.Mem.Read(va, size) }
func (c *Core) WriteMem(va uint32, data []byte) error {
	err := c.Mem.Write(va, data)
	if err == nil {
		c.Cache.InvalidateRange(va, uint32(len(data)))
	}
	return err
}
func (c *Core) InstallReadCallback(spr uint16, fn regfile.ReadHook) {
	c.Regs.InstallHooks(spr, fn, nil)
}
func (c *Core) InstallWriteCallback(spr uint16, fn regfile.WriteHook) {
	c.Regs.InstallHooks(spr, nil, fn)
}

func (c *Core) InstallMMIO(base, size uint32, name string, read memmap.ReadFunc, write memmap.WriteFunc, rawBy memmap.BytesFunc, perm memmap.Perm) {
	c.Mem.AddMMIO(base, size, name, read, write, rawBy, perm)
}

func (c *Core) Supervisor() *memmap.Scope { return c.Mem.Supervisor() }

func (c *Core) ConfigureTLBEntry(esel int, valid, iprot bool, tid, ts uint8, tsiz mmu.PageSize, epn uint32, flags mmu.Flags, rpn uint32, user uint8, perm mmu.Perm) {
	c.TLB.Entry(esel).Configure(valid, iprot, tid, ts, tsiz, epn, flags, rpn, user, perm)
	c.Cache.Reset()
}

func (c *Core) SetProgramCounter(pc uint32) { c.Regs.PC = pc }

// ParseAt decodes the instruction at virtual address va using the same
// translate-and-cache path as instruction fetch, without touching PC or
// any other execution state. The debug interface uses this to answer
// parse_opcode without stepping the core.
func (c *Core) ParseAt(va uint32) (*opcode.Instr, bool, error) {
	return c.parse(va)
}

// TranslationContext returns the (ts, tid) pair the current MSR/PID0
// state would use to translate an instruction fetch, for callers outside
// the step loop that need to perform their own TLB lookups.
func (c *Core) TranslationContext() (ts, tid uint8) {
	ts = 0
	if c.Regs.MSR&MsrIS != 0 {
		ts = 1
	}
	return ts, uint8(c.Regs.SPR(SprPID0))
}

func (c *Core) ClearTLBEntry(esel int) {
	c.TLB.Entry(esel).Clear()
	c.Cache.Reset()
}

// Start runs the step loop on its own goroutine until Stop is called.
func (c *Core) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if c.running {
				c.step()
			}
			select {
			case <-c.done:
				slog.Info("core: shutdown")
				return
			case packet := <-c.masterCh:
				c.processPacket(packet)
			default:
			}
		}
	}()
}

// Stop signals the step loop to exit and waits for it, logging a
// warning if it does not exit within one second.
func (c *Core) Stop() {
	close(c.done)
	doneWait := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(doneWait)
	}()

	select {
	case <-doneWait:
	case <-time.After(time.Second):
		slog.Warn("core: timed out waiting for step loop to stop")
	}
}

func (c *Core) processPacket(p master.Packet) {
	switch p.Msg {
	case master.IOFrame:
		select {
		case c.ioQueue <- p:
		default:
			slog.Warn("core: IO queue full, dropping frame", "devnum", p.DevNum)
		}
	case master.TimerTick:
		// Timer callbacks already ran on the timers.Registry reaper
		// goroutine; this notification exists for IO tasks that want to
		// observe a tick without polling the clock themselves.
	case master.Start:
		c.running = true
	case master.Stop:
		c.running = false
	case master.Step:
		wasRunning := c.running
		c.running = false
		c.step()
		c.running = wasRunning
	case master.Reset:
		c.PowerOnReset()
	case master.IOConnect:
		slog.Debug("core: IO peripheral connected", "devnum", p.DevNum)
	case master.IODisconnect:
		slog.Debug("core: IO peripheral disconnected", "devnum", p.DevNum)
	}
}

func (c *Core) drainOneIO() {
	select {
	case p := <-c.ioQueue:
		if peri, ok := c.byDevNum[p.DevNum].(IOPeripheral); ok {
			peri.ProcessReceived(p.Data)
		}
	default:
	}
}

// step executes one iteration of the fetch/decode/execute/tick loop.
func (c *Core) step() {
	c.drainOneIO()
	c.drainOneExtra()

	if c.Intc.HasPending() {
		c.handleException()
	}

	instr, _, err := c.parse(c.Regs.PC)
	if err != nil {
		c.dispatchFault(err, c.Regs.PC)
	} else if execErr := instr.Exec(); execErr != nil {
		c.dispatchFault(execErr, c.Regs.PC)
	} else if !c.branched {
		c.Regs.PC += uint32(instr.Size)
	}
	c.branched = false

	// The wall clock advances continuously on its own; poking the
	// timer reaper here means a tight instruction loop doesn't have to
	// wait for the reaper's own poll tick to notice an expired timer.
	c.Timers.Poke()
}

func (c *Core) handleException() {
	handler, exc, ok := c.Intc.Dispatch()
	if !ok {
		return
	}

	switch exc.Kind {
	case exception.Reset:
		c.PowerOnReset()
		c.NotifyResetSource(exc.ResetSource)
		return
	case exception.Debug:
		// Delegated to a registered debug-stub peripheral via its own
		// ExternalInput/Debug callback registration; nothing further to
		// do here.
	case exception.GdbHalt:
		c.running = false
		return
	}

	c.saveContext(exc)
	c.Regs.PC = handler
}

// saveContext writes the appropriate SRR pair and sets MSR per the
// exception class, mirroring setup_context.
func (c *Core) saveContext(exc *exception.Exception) {
	srr0, srr1 := SprSRR0, SprSRR1
	switch exc.Kind {
	case exception.MachineCheck:
		srr0, srr1 = SprMCSRR0, SprMCSRR1
	case exception.Debug:
		srr0, srr1 = SprDSRR0, SprDSRR1
	case exception.Watchdog, exception.ExternalInput:
		if exc.Kind == exception.Watchdog {
			srr0, srr1 = SprCSRR0, SprCSRR1
		}
	}
	c.Regs.SetSPR(srr0, c.Regs.PC)
	c.Regs.SetSPR(srr1, c.Regs.MSR)
	c.Regs.MSR = 0
}

// dispatchFault classifies a translate/fetch-time error and queues it,
// per the step-loop's exception table: UnsupportedInstruction and
// InvalidInstruction become Program; everything else is queued as-is.
func (c *Core) dispatchFault(err error, pc uint32) {
	exc, ok := err.(*exception.Exception)
	if !ok {
		exc = exception.NewSegv(pc)
	}
	switch exc.Kind {
	case exception.UnsupportedInstruction, exception.InvalidInstruction:
		c.Intc.Queue(exception.New(exception.Program, intc.SprIVOR6))
	default:
		c.Intc.Queue(exc)
	}
}
