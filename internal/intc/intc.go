// Package intc implements the priority-stacked interrupt controller: a
// pending queue sorted by priority, an active stack of in-progress
// exceptions, IVPR+IVOR handler address computation, per-kind observer
// callbacks, and return-from-interrupt bookkeeping for rfi/rfci/rfdi/
// rfgi/rfmci.
//
// Grounded on e200_intc.py's queueException/checkException/
// handleException/_rfi shape: a priority-sorted pending list plus an
// active stack, generalized from Python list-sort-on-append to a Go
// insertion-sorted slice (the pending list stays small, so this mirrors
// the original's own list.sort() approach rather than reaching for
// container/heap). IVOR SPR numbering follows the real e200z7 layout.
package intc

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/rcornwell/mpc5674f/internal/exception"
	"github.com/rcornwell/mpc5674f/internal/regfile"
)

// SPR indices for IVPR and the IVOR bank, per the e200z7 SPR map.
const (
	SprIVPR   uint16 = 63
	SprIVOR0  uint16 = 400 // critical input
	SprIVOR1  uint16 = 401 // machine check
	SprIVOR2  uint16 = 402 // data storage
	SprIVOR3  uint16 = 403 // instruction storage
	SprIVOR4  uint16 = 404 // external input
	SprIVOR5  uint16 = 405 // alignment
	SprIVOR6  uint16 = 406 // program
	SprIVOR8  uint16 = 408 // system call
	SprIVOR10 uint16 = 410 // decrementer
	SprIVOR11 uint16 = 411 // fixed interval timer
	SprIVOR12 uint16 = 412 // watchdog timer
	SprIVOR13 uint16 = 413 // data TLB error
	SprIVOR14 uint16 = 414 // instruction TLB error
	SprIVOR15 uint16 = 415 // debug
)

// levelNone is the idle priority level: larger than every real priority,
// so any pending exception preempts it.
const levelNone = 1 << 30

// MSR enable bits gating maskable exception classes. Critical, external,
// machine-check, and debug interrupts are each individually maskable on
// the e200z7; everything else (synchronous faults like Program or
// Alignment) is always delivered.
const (
	MsrDE uint32 = 1 << 9  // debug interrupt enable
	MsrEE uint32 = 1 << 15 // external interrupt enable (external, FIT, decrementer, watchdog)
	MsrCE uint32 = 1 << 17 // critical interrupt enable
	MsrME uint32 = 1 << 20 // machine check enable
)

// shouldHandle reports whether kind is currently unmasked in msr. Kinds
// not covered by the switch are synchronous/always-delivered.
func shouldHandle(kind exception.Kind, msr uint32) bool {
	switch kind {
	case exception.MachineCheck:
		return msr&MsrME != 0
	case exception.Debug:
		return msr&MsrDE != 0
	case exception.ExternalInput, exception.FixedInterval, exception.Decrementer, exception.Watchdog:
		return msr&MsrEE != 0
	default:
		return true
	}
}

// PriorityOf returns the e200z7 priority ordinal for kind; smaller values
// preempt larger ones. Reset and GdbHalt are queued and dispatched like
// any other kind; once dispatched, the execution loop handles them itself
// instead of jumping to an IVPR+IVOR handler. Values follow the e200z7
// reference priority table (Reset=0 highest ... DebugInt=24 lowest).
func PriorityOf(kind exception.Kind) int {
	switch kind {
	case exception.Reset:
		return 0
	case exception.MachineCheck:
		return 1
	case exception.Debug:
		return 3
	case exception.Watchdog:
		return 5
	case exception.ExternalInput:
		return 6
	case exception.FixedInterval:
		return 7
	case exception.Decrementer:
		return 8
	case exception.PerformanceMonitor:
		return 9
	case exception.InstructionTLB:
		return 11
	case exception.Program, exception.UnsupportedInstruction, exception.InvalidInstruction:
		return 13
	case exception.Alignment:
		return 19
	case exception.DataTLB:
		return 21
	case exception.DataReadBusError, exception.DataWriteBusError, exception.BusError, exception.SegmentationViolation:
		return 22
	case exception.AlignmentException:
		return 23
	case exception.GdbHalt:
		return -1
	default:
		return levelNone - 1
	}
}

func ivorOf(kind exception.Kind) (uint16, bool) {
	switch kind {
	case exception.MachineCheck:
		return SprIVOR1, true
	case exception.SegmentationViolation, exception.BusError, exception.DataReadBusError, exception.DataWriteBusError:
		return SprIVOR2, true
	case exception.InstructionTLB:
		return SprIVOR3, true
	case exception.ExternalInput:
		return SprIVOR4, true
	case exception.Alignment, exception.AlignmentException:
		return SprIVOR5, true
	case exception.Program, exception.InvalidInstruction, exception.UnsupportedInstruction:
		return SprIVOR6, true
	case exception.Decrementer:
		return SprIVOR10, true
	case exception.FixedInterval:
		return SprIVOR11, true
	case exception.Watchdog:
		return SprIVOR12, true
	case exception.DataTLB:
		return SprIVOR13, true
	case exception.Debug:
		return SprIVOR15, true
	default:
		return 0, false
	}
}

// ExternalHandler lets a platform-specific external interrupt
// sub-controller compute the handler address for ExternalInput
// exceptions instead of the plain IVPR+IVOR sum (the real INTC vectors
// external sources through IACKR/software vector table support).
type ExternalHandler interface {
	Handler(exc *exception.Exception) uint32
}

// Callback observes every exception of a given kind as it is dispatched.
type Callback func(exc *exception.Exception)

// Controller is the interrupt controller state: the sorted pending
// queue, the active stack, and the handler-dispatch wiring.
type Controller struct {
	mu sync.Mutex

	regs *regfile.File

	pending []*exception.Exception
	stack   []*exception.Exception
	curlvl  int

	hasInterrupt bool

	external  ExternalHandler
	callbacks map[exception.Kind][]Callback
}

// New returns a reset Controller bound to regs for IVPR/IVOR lookups.
func New(regs *regfile.File) *Controller {
	c := &Controller{regs: regs, callbacks: make(map[exception.Kind][]Callback)}
	c.Reset()
	return c
}

// Reset clears pending and active exceptions and returns to the idle
// priority level.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.stack = nil
	c.curlvl = levelNone
	c.hasInterrupt = false
}

// RegisterExternal installs the external-input sub-controller. Only one
// may be registered.
func (c *Controller) RegisterExternal(h ExternalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.external = h
}

// AddCallback subscribes fn to fire whenever an exception of kind is
// dispatched (after it has been pushed onto the active stack).
func (c *Controller) AddCallback(kind exception.Kind, fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[kind] = append(c.callbacks[kind], fn)
}

// Queue appends exc to the pending list in priority order and recomputes
// whether it is eligible to preempt the current level. An exception
// whose kind is currently masked in MSR is dropped instead of queued.
func (c *Controller) Queue(exc *exception.Exception) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !shouldHandle(exc.Kind, c.regs.MSR) {
		slog.Warn("intc: dropping masked exception", "kind", exc.Kind)
		return
	}

	prio := PriorityOf(exc.Kind)
	i := sort.Search(len(c.pending), func(i int) bool { return PriorityOf(c.pending[i].Kind) > prio })
	c.pending = append(c.pending, nil)
	copy(c.pending[i+1:], c.pending[i:])
	c.pending[i] = exc

	c.hasInterrupt = c.curlvl > PriorityOf(c.pending[0].Kind)
}

// HasPending reports whether the head of the pending queue is eligible
// to preempt the currently active exception, without side effects. The
// execution loop polls this once per step before paying the cost of
// Dispatch.
func (c *Controller) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasInterrupt
}

// Dispatch pops the highest-priority pending exception, pushes it onto
// the active stack, fires its observer callbacks, and returns the
// handler address the core should jump to.
func (c *Controller) Dispatch() (handler uint32, exc *exception.Exception, ok bool) {
	c.mu.Lock()
	if !c.hasInterrupt || len(c.pending) == 0 {
		c.mu.Unlock()
		return 0, nil, false
	}

	newexc := c.pending[0]
	c.pending = c.pending[1:]
	c.stack = append(c.stack, newexc)
	c.curlvl = PriorityOf(newexc.Kind)

	handler = c.handlerFor(newexc)

	cbs := append([]Callback(nil), c.callbacks[newexc.Kind]...)

	c.hasInterrupt = len(c.pending) > 0 && c.curlvl > PriorityOf(c.pending[0].Kind)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(newexc)
	}
	return handler, newexc, true
}

func (c *Controller) handlerFor(exc *exception.Exception) uint32 {
	if exc.Kind == exception.ExternalInput && c.external != nil {
		return c.external.Handler(exc)
	}
	ivpr := c.regs.SPR(SprIVPR)
	ivor, ok := ivorOf(exc.Kind)
	if !ok {
		return ivpr
	}
	return ivpr + c.regs.SPR(ivor)
}

// Return pops the active exception, restores the priority level of
// whatever it preempted (or idle, if nothing remains), runs the
// exception's cleanup function if any, and recomputes pending-preemption
// eligibility. It implements the shared bookkeeping behind rfi, rfci,
// rfdi, rfgi, and rfmci.
func (c *Controller) Return() {
	c.mu.Lock()
	if len(c.stack) == 0 {
		c.mu.Unlock()
		return
	}
	old := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]

	if len(c.stack) > 0 {
		c.curlvl = PriorityOf(c.stack[len(c.stack)-1].Kind)
	} else {
		c.curlvl = levelNone
	}

	c.hasInterrupt = len(c.pending) > 0 && c.curlvl > PriorityOf(c.pending[0].Kind)
	c.mu.Unlock()

	if old.Cleanup != nil {
		old.Cleanup()
	}
}

// Active reports whether any exception of kind is currently on the
// active stack or still pending.
func (c *Controller) Active(kind exception.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.stack {
		if e.Kind == kind {
			return true
		}
	}
	for _, e := range c.pending {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// CurrentLevel returns the priority ordinal of the currently active
// exception, or the idle level if none is active.
func (c *Controller) CurrentLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curlvl
}

// StackDepth returns the number of currently active (preempted or
// in-progress) exceptions.
func (c *Controller) StackDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}
