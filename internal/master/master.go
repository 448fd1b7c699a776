// Package master defines the mpsc packet bus that ties the execution core,
// the time base task, and IO tasks together without giving any of them a
// direct reference to one another.
package master

import "net"

// Msg identifies the kind of packet carried on the bus.
type Msg int

const (
	// IOFrame carries bytes received by a networked peripheral task.
	IOFrame Msg = iota
	// TimerTick is a timer notification the core accepts and ignores; the
	// timers registry runs callbacks itself and sends no packets.
	TimerTick
	// Reset asks the core to perform a power-on reset.
	Reset
	// Start asks the core to begin executing instructions.
	Start
	// Stop asks the core to halt the execution loop.
	Stop
	// IOConnect reports a new connection to a networked peripheral.
	IOConnect
	// IODisconnect reports a lost connection to a networked peripheral.
	IODisconnect
	// Step asks the core to execute exactly one instruction regardless of
	// the running flag, then restore the running flag it had before. Used
	// by the operator console
	// and a debug stub's single-step request.
	Step
)

// Packet is the unit of communication on the master bus.
type Packet struct {
	Msg    Msg
	DevNum uint16   // peripheral identifier the packet concerns, if any
	Data   []byte   // payload bytes for IOFrame packets
	Conn   net.Conn // connection handle for IOConnect/IODisconnect
}
