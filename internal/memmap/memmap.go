// Package memmap implements a sparse physical address-space region table
// and MMIO dispatch fabric.
//
// Grounded on emu/sys_channel's address/device-number -> handler dispatch
// table, combined with emu/memory's flat byte-backed array for pure-RAM
// regions, and generalized from an 8-bit channel/device address space to
// a 32-bit physical address space.
package memmap

import (
	"sort"
	"sync"

	"github.com/rcornwell/mpc5674f/internal/exception"
)

// Perm is a bitmask of region permissions.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermMMIO
)

// ReadFunc services an MMIO read. offset is relative to the region base.
type ReadFunc func(offset uint32, size int) []byte

// WriteFunc services an MMIO write. offset is relative to the region base.
type WriteFunc func(offset uint32, data []byte)

// BytesFunc exposes a raw-bytes view of an MMIO region for the opcode
// decoder and the debug interface, when available.
type BytesFunc func(offset uint32, size int) []byte

// Region is a single non-overlapping span of the physical address space.
type Region struct {
	Base uint32
	Size uint32
	Name string
	Perm Perm

	bytes []byte // nil for MMIO regions

	read  ReadFunc
	write WriteFunc
	rawBy BytesFunc
}

func (r *Region) contains(addr uint32, size uint32) bool {
	if addr < r.Base {
		return false
	}
	end := uint64(addr) + uint64(size)
	return end <= uint64(r.Base)+uint64(r.Size)
}

// Map is the physical address space: an ordered, non-overlapping set of
// regions plus a supervisor override flag shared across every Scope
// holder.
type Map struct {
	mu      sync.RWMutex
	regions []*Region

	svMu       sync.Mutex
	supervisor map[int]int // per-token nesting count; any live token lifts checks map-wide
}

// New returns an empty address map.
func New() *Map {
	return &Map{supervisor: make(map[int]int)}
}

// AddRegion installs a byte-backed region.
func (m *Map) AddRegion(base uint32, size uint32, perm Perm, name string, backing []byte) *Region {
	if backing == nil {
		backing = make([]byte, size)
	}
	r := &Region{Base: base, Size: size, Name: name, Perm: perm, bytes: backing}
	m.insert(r)
	return r
}

// AddMMIO installs a dispatch region.
func (m *Map) AddMMIO(base, size uint32, name string, read ReadFunc, write WriteFunc, rawBy BytesFunc, perm Perm) *Region {
	r := &Region{Base: base, Size: size, Name: name, Perm: perm | PermMMIO, read: read, write: write, rawBy: rawBy}
	m.insert(r)
	return r
}

func (m *Map) insert(r *Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
}

func (m *Map) find(addr, size uint32) *Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if r.contains(addr, size) {
			return r
		}
	}
	return nil
}

// Scope is a handle for the scoped supervisor override: while held, reads
// and writes through this Map bypass permission checks. Release must run
// on every exit path (including panics), following the usual Go
// drop-guard pattern.
type Scope struct {
	m     *Map
	token int
}

var scopeTokens int
var scopeTokensMu sync.Mutex

// Supervisor acquires a scoped permission override. Callers must defer
// scope.Release().
func (m *Map) Supervisor() *Scope {
	scopeTokensMu.Lock()
	scopeTokens++
	token := scopeTokens
	scopeTokensMu.Unlock()

	m.svMu.Lock()
	m.supervisor[token]++
	m.svMu.Unlock()
	return &Scope{m: m, token: token}
}

// Release ends the scoped override. Safe to call multiple times.
func (s *Scope) Release() {
	if s == nil {
		return
	}
	s.m.svMu.Lock()
	defer s.m.svMu.Unlock()
	if n := s.m.supervisor[s.token]; n > 0 {
		s.m.supervisor[s.token] = n - 1
		if s.m.supervisor[s.token] == 0 {
			delete(s.m.supervisor, s.token)
		}
	}
}

// supervisorActive reports whether any Scope anywhere is currently held,
// not just one acquired by the calling goroutine: the core's single
// step-loop goroutine is the only caller today, so this is equivalent to
// a per-caller check in practice, but it is not one.
func (m *Map) supervisorActive() bool {
	m.svMu.Lock()
	defer m.svMu.Unlock()
	return len(m.supervisor) > 0
}

// Read reads size bytes from va. Returns SegmentationViolation if no
// region contains the whole access, or if the region lacks read
// permission and no supervisor override is active.
func (m *Map) Read(va uint32, size int) ([]byte, error) {
	r := m.find(va, uint32(size))
	if r == nil {
		return nil, exception.NewSegv(va)
	}
	if r.Perm&PermR == 0 && !m.supervisorActive() {
		return nil, exception.NewSegv(va)
	}
	offset := va - r.Base
	if r.Perm&PermMMIO != 0 {
		if r.read == nil {
			return nil, exception.NewBusError(0, va, nil, size)
		}
		return r.read(offset, size), nil
	}
	return append([]byte(nil), r.bytes[offset:offset+uint32(size)]...), nil
}

// Write writes data at va. Returns SegmentationViolation if no region
// contains the whole access, or if the region lacks write permission and
// no supervisor override is active.
func (m *Map) Write(va uint32, data []byte) error {
	r := m.find(va, uint32(len(data)))
	if r == nil {
		return exception.NewSegv(va)
	}
	if r.Perm&PermW == 0 && !m.supervisorActive() {
		return exception.NewSegv(va)
	}
	offset := va - r.Base
	if r.Perm&PermMMIO != 0 {
		if r.write == nil {
			return exception.NewBusError(0, va, data, len(data))
		}
		r.write(offset, data)
		return nil
	}
	copy(r.bytes[offset:offset+uint32(len(data))], data)
	return nil
}

// RawBytes returns a zero-copy view into va for size bytes, used by the
// opcode decoder. It requires an executable region and does not honor the
// supervisor override (fetch is never privilege-gated in this model).
func (m *Map) RawBytes(va uint32, size int) ([]byte, error) {
	r := m.find(va, uint32(size))
	if r == nil {
		return nil, exception.NewSegv(va)
	}
	if r.Perm&PermX == 0 {
		return nil, exception.NewSegv(va)
	}
	offset := va - r.Base
	if r.Perm&PermMMIO != 0 {
		if r.rawBy == nil {
			return nil, exception.NewBusError(0, va, nil, size)
		}
		return r.rawBy(offset, size), nil
	}
	return r.bytes[offset : offset+uint32(size)], nil
}

// RegionAt returns the region containing va, or nil.
func (m *Map) RegionAt(va uint32) *Region {
	return m.find(va, 1)
}

// RegionName returns the region's name, for diagnostics.
func (r *Region) RegionName() string { return r.Name }
