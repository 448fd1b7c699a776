// Package opcode implements the decode memoization cache used by the
// execution loop: two maps, one per decode mode (BookE or VLE), from
// physical address to a previously decoded instruction. A write to an
// executable region invalidates every cached entry whose span overlaps
// the written range, scanning back up to 16 bytes to catch preceding
// instructions whose encoding reached into the written bytes.
//
// This is new domain logic: the reference instruction fetch loop
// (emu/cpu.fetch) decodes inline on every step with no memoization at
// all, so there was nothing to adapt directly. The opcode naming
// convention on Instr.Op follows emu/opcodemap's named-constant style.
package opcode

import "sync"

// Mode selects which of the two decode tables an address is cached
// under.
type Mode int

const (
	BookE Mode = iota
	VLE
)

// maxBacktrack bounds how far before a written address the invalidation
// scan looks for an overlapping preceding instruction. 16 bytes covers
// the longest possible BookE instruction plus slop.
const maxBacktrack = 16

// Instr is a decoded instruction together with the physical address span
// it was decoded from, retained for later exception context (the PC and
// faulting range reported alongside alignment/storage exceptions).
type Instr struct {
	Op    string
	Start uint32
	End   uint32
	VLE   bool
	Size  int

	// Exec, when set, is the decoded instruction's execute closure. The
	// decoder populates this; the cache only stores and invalidates it.
	// A non-nil error return means the instruction raised an exception
	// instead of completing; the step loop queues it and does not
	// advance PC past the faulting instruction.
	Exec func() error
}

type entry struct {
	instr *Instr
}

// Cache holds the two per-mode decode tables.
type Cache struct {
	mu     sync.RWMutex
	tables [2]map[uint32]entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{tables: [2]map[uint32]entry{
		BookE: make(map[uint32]entry),
		VLE:   make(map[uint32]entry),
	}}
}

// Lookup returns the cached instruction at pa under mode, if present.
func (c *Cache) Lookup(mode Mode, pa uint32) (*Instr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tables[mode][pa]
	if !ok {
		return nil, false
	}
	return e.instr, true
}

// Insert stores instr at pa under mode.
func (c *Cache) Insert(mode Mode, pa uint32, instr *Instr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[mode][pa] = entry{instr: instr}
}

// InvalidateRange drops every cached entry whose [Start, End) overlaps
// [addr, addr+size), in both mode tables, scanning back up to
// maxBacktrack bytes before addr to catch an instruction whose encoding
// started earlier but still spans into the written range.
func (c *Cache) InvalidateRange(addr uint32, size uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scanFrom := addr
	if addr >= maxBacktrack {
		scanFrom = addr - maxBacktrack
	} else {
		scanFrom = 0
	}
	writeEnd := uint64(addr) + uint64(size)

	for _, table := range c.tables {
		for pa, e := range table {
			if pa < scanFrom || uint64(pa) >= writeEnd+maxBacktrack {
				continue
			}
			if overlaps(e.instr.Start, e.instr.End, addr, uint32(writeEnd)) {
				delete(table, pa)
			}
		}
	}
}

func overlaps(aStart, aEnd, bStart, bEnd uint32) bool {
	return aStart < bEnd && bStart < aEnd
}

// Reset clears both decode tables, used on a power-on or software reset.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[BookE] = make(map[uint32]entry)
	c.tables[VLE] = make(map[uint32]entry)
}

// Len reports the number of cached entries for mode, for test assertions.
func (c *Cache) Len(mode Mode) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables[mode])
}
