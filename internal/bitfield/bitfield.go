// Package bitfield implements a typed bit-field register container: a
// fixed-width register carved into named sub-fields with
// plain/default/const/w1c/byte-array/placeholder semantics, reset-to-
// default, override, and parse-callbacks (including the by_idx_<field>
// array convention).
//
// Fields are declared up front as a fixed schema, the same way
// config/configparser.Option declares a table of named, typed values
// rather than dispatching on dynamic attributes.
package bitfield

import (
	"fmt"
	"sort"
)

// Kind is the closed set of field semantics variants.
type Kind int

const (
	Plain Kind = iota
	Default
	Const
	W1C
	ByteArray
	Placeholder
)

// ParseCallback fires after a successful write to the named field.
type ParseCallback func(set *Set)

// ElementCallback fires after a write to any element of an array or
// byte-array field ("by_idx_<field>" convention).
type ElementCallback func(set *Set, idx int, size int)

// Field describes one named sub-field of a register Set.
type Field struct {
	Name    string
	Offset  uint32
	Width   int // width in bytes
	Kind    Kind
	Default []byte // recorded default, restored on Reset

	value []byte
}

// Set is a container of fields keyed by offset, as used by every
// peripheral register model (SWT, BAM's RCHW view, flash MCR/LMLR/...).
type Set struct {
	Name   string
	fields []*Field
	byName map[string]*Field

	parseCB   map[string][]ParseCallback
	elementCB map[string][]ElementCallback
}

// NewSet creates an empty field container.
func NewSet(name string) *Set {
	return &Set{Name: name, byName: make(map[string]*Field), parseCB: make(map[string][]ParseCallback), elementCB: make(map[string][]ElementCallback)}
}

// Declare adds a field at construction time. def is copied as the
// recorded default and as the field's initial value.
func (s *Set) Declare(name string, offset uint32, width int, kind Kind, def []byte) *Field {
	if def == nil {
		def = make([]byte, width)
	}
	f := &Field{Name: name, Offset: offset, Width: width, Kind: kind, Default: append([]byte(nil), def...), value: append([]byte(nil), def...)}
	s.fields = append(s.fields, f)
	s.byName[name] = f
	sort.Slice(s.fields, func(i, j int) bool { return s.fields[i].Offset < s.fields[j].Offset })
	return f
}

// Field looks up a declared field by name.
func (s *Set) Field(name string) *Field { return s.byName[name] }

// AddParseCallback subscribes fn to fire after every successful write to
// field name.
func (s *Set) AddParseCallback(name string, fn ParseCallback) {
	s.parseCB[name] = append(s.parseCB[name], fn)
}

// AddElementCallback subscribes fn to fire after a write to any element of
// an array/byte-array field.
func (s *Set) AddElementCallback(name string, fn ElementCallback) {
	s.elementCB[name] = append(s.elementCB[name], fn)
}

// Reset restores every non-constant field to its recorded default.
func (s *Set) Reset() {
	for _, f := range s.fields {
		if f.Kind == Const {
			continue
		}
		copy(f.value, f.Default)
	}
}

// Read returns the field's current value per its read semantics.
func (f *Field) Read() []byte {
	if f.Kind == Placeholder {
		panic(fmt.Sprintf("bitfield: read of unimplemented field %q", f.Name))
	}
	return append([]byte(nil), f.value...)
}

// ReadUint reads a little-endian unsigned integer view of the field
// (width must be <= 8).
func (f *Field) ReadUint() uint64 {
	v := f.Read()
	var out uint64
	for i := len(v) - 1; i >= 0; i-- {
		out = out<<8 | uint64(v[i])
	}
	return out
}

// Write applies new to the field according to its semantics, then fires
// its parse-callbacks (on the owning Set) on a successful (non-ignored)
// write.
func (s *Set) Write(name string, newVal []byte) error {
	f := s.byName[name]
	if f == nil {
		return fmt.Errorf("bitfield: no such field %q", name)
	}
	if len(newVal) != f.Width {
		return fmt.Errorf("bitfield: field %q width mismatch: got %d want %d", name, len(newVal), f.Width)
	}

	switch f.Kind {
	case Placeholder:
		panic(fmt.Sprintf("bitfield: write of unimplemented field %q", f.Name))
	case Const:
		return nil // ignored; mutate only via Override
	case W1C:
		for i := range f.value {
			f.value[i] &^= newVal[i]
		}
	case ByteArray:
		copy(f.value, newVal)
	case Plain, Default:
		copy(f.value, newVal)
	}

	for _, cb := range s.parseCB[name] {
		cb(s)
	}
	return nil
}

// WriteUint writes a little-endian unsigned integer view to the field.
func (s *Set) WriteUint(name string, val uint64) error {
	f := s.byName[name]
	if f == nil {
		return fmt.Errorf("bitfield: no such field %q", name)
	}
	buf := make([]byte, f.Width)
	for i := 0; i < f.Width; i++ {
		buf[i] = byte(val)
		val >>= 8
	}
	return s.Write(name, buf)
}

// WriteElement writes to element idx of an array/byte-array field and
// fires by_idx_<field> callbacks. size is the logical element size in
// bytes, forwarded to the callback.
func (s *Set) WriteElement(name string, idx int, size int, data []byte) error {
	f := s.byName[name]
	if f == nil {
		return fmt.Errorf("bitfield: no such field %q", name)
	}
	start := idx * size
	if start < 0 || start+len(data) > len(f.value) {
		return fmt.Errorf("bitfield: element write out of range for %q", name)
	}
	copy(f.value[start:start+len(data)], data)

	for _, cb := range s.elementCB[name] {
		cb(s, idx, size)
	}
	for _, cb := range s.parseCB[name] {
		cb(s)
	}
	return nil
}

// Override bypasses write semantics entirely; used by internal state
// updates (e.g. a peripheral's own state machine writing a const/status
// field that firmware cannot write directly).
func (s *Set) Override(name string, val []byte) error {
	f := s.byName[name]
	if f == nil {
		return fmt.Errorf("bitfield: no such field %q", name)
	}
	if len(val) != f.Width {
		return fmt.Errorf("bitfield: field %q width mismatch: got %d want %d", name, len(val), f.Width)
	}
	copy(f.value, val)
	return nil
}

// OverrideUint is the little-endian integer form of Override.
func (s *Set) OverrideUint(name string, val uint64) error {
	f := s.byName[name]
	if f == nil {
		return fmt.Errorf("bitfield: no such field %q", name)
	}
	buf := make([]byte, f.Width)
	for i := 0; i < f.Width; i++ {
		buf[i] = byte(val)
		val >>= 8
	}
	return s.Override(name, buf)
}

// FieldAt returns the field containing offset, or nil.
func (s *Set) FieldAt(offset uint32) *Field {
	for _, f := range s.fields {
		if offset >= f.Offset && offset < f.Offset+uint32(f.Width) {
			return f
		}
	}
	return nil
}
