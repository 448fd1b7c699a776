// Package stub implements placeholder peripherals: MMIO-mapped register
// blocks that store and return whatever was last written, with no side
// effects and no internal behavior. This is the shape the reference
// device gives the long tail of peripherals (eMIOS, eTPU2 code/parameter
// RAM, DECFILT, and similar) whose wire-level behavior is out of scope —
// software probing or initializing these blocks sees ordinary
// read/write memory rather than a bus error, without the core needing to
// model what the real hardware does with the bits.
//
// Grounded on swt.SWT's Init/Reset/read/write shape, stripped down to
// the part every peripheral shares (an MMIO region over a byte array)
// and with none of SWT's register-specific behavior.
package stub

import (
	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/memmap"
)

// Peripheral is a named block of plain read/write memory mapped at a
// fixed physical address, standing in for a device model this module
// does not implement.
type Peripheral struct {
	name string
	base uint32
	size uint32
	mem  []byte
}

// New constructs a placeholder peripheral occupying [base, base+size).
func New(name string, base, size uint32) *Peripheral {
	return &Peripheral{name: name, base: base, size: size, mem: make([]byte, size)}
}

func (p *Peripheral) Init(h core.EmuHandle) {
	h.InstallMMIO(p.base, p.size, p.name, p.read, p.write, p.read, memmap.PermR|memmap.PermW)
}

// Reset clears the block to all zero bytes, matching power-on RAM state.
func (p *Peripheral) Reset(_ core.EmuHandle) {
	clear(p.mem)
}

func (p *Peripheral) Shutdown(_ core.EmuHandle) {}

func (p *Peripheral) read(offset uint32, size int) []byte {
	out := make([]byte, size)
	copy(out, p.mem[offset:])
	return out
}

func (p *Peripheral) write(offset uint32, data []byte) {
	copy(p.mem[offset:], data)
}
