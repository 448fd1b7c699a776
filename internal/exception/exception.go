// Package exception implements a tagged exception/error taxonomy: a
// single result type the decoder, executor, MMU, and peripherals all
// raise, which the execution loop classifies and either queues into the
// interrupt controller or handles immediately (Reset, GdbHalt).
//
// A single tagged result type replaces exceptions-for-control-flow, in
// keeping with emu/device.Device and emu/cpu's preference for explicit
// status/error returns over panics.
package exception

import "fmt"

// Kind is a closed enum of exception variants. Numeric value order is NOT
// priority order; see intc.PriorityOf for the e200z7 priority table.
type Kind int

const (
	Reset Kind = iota
	MachineCheck
	DataReadBusError
	DataWriteBusError
	DataTLB
	InstructionTLB
	Alignment
	Program
	ExternalInput
	Decrementer
	FixedInterval
	Watchdog
	Debug
	PerformanceMonitor
	SegmentationViolation
	BusError
	AlignmentException
	UnsupportedInstruction
	InvalidInstruction
	GdbHalt
)

func (k Kind) String() string {
	switch k {
	case Reset:
		return "Reset"
	case MachineCheck:
		return "MachineCheck"
	case DataReadBusError:
		return "DataReadBusError"
	case DataWriteBusError:
		return "DataWriteBusError"
	case DataTLB:
		return "DataTLB"
	case InstructionTLB:
		return "InstructionTLB"
	case Alignment:
		return "Alignment"
	case Program:
		return "Program"
	case ExternalInput:
		return "ExternalInput"
	case Decrementer:
		return "Decrementer"
	case FixedInterval:
		return "FixedInterval"
	case Watchdog:
		return "Watchdog"
	case Debug:
		return "Debug"
	case PerformanceMonitor:
		return "PerformanceMonitor"
	case SegmentationViolation:
		return "SegmentationViolation"
	case BusError:
		return "BusError"
	case AlignmentException:
		return "AlignmentException"
	case UnsupportedInstruction:
		return "UnsupportedInstruction"
	case InvalidInstruction:
		return "InvalidInstruction"
	case GdbHalt:
		return "GdbHalt"
	default:
		return "UnknownException"
	}
}

// ResetSource is the closed enum of reset causes.
type ResetSource int

const (
	PowerOn ResetSource = iota
	External
	SoftwareSystem
	SoftwareExternal
	LossOfLock
	LossOfClock
	CoreWatchdog
	DebugReset
	WatchdogReset
)

// ExternalSource is the closed enum of peripherals that can raise an
// ExternalInput exception through the external interrupt sub-controller,
// supplemented from the reference device's interrupt source table beyond
// what the distilled module list names directly.
type ExternalSource int

const (
	SrcNone ExternalSource = iota
	SrcSWT
	SrcSTM
	SrcPIT
	SrcEMIOS
	SrcADC
	SrcDSPI
	SrcESCI
	SrcFlexCAN
	SrcFlash
	SrcEDMA
	SrcPBridge
	SrcSIU
	SrcECSM
)

func (s ExternalSource) String() string {
	switch s {
	case SrcNone:
		return "None"
	case SrcSWT:
		return "SWT"
	case SrcSTM:
		return "STM"
	case SrcPIT:
		return "PIT"
	case SrcEMIOS:
		return "eMIOS"
	case SrcADC:
		return "ADC"
	case SrcDSPI:
		return "DSPI"
	case SrcESCI:
		return "eSCI"
	case SrcFlexCAN:
		return "FlexCAN"
	case SrcFlash:
		return "Flash"
	case SrcEDMA:
		return "eDMA"
	case SrcPBridge:
		return "PBridge"
	case SrcSIU:
		return "SIU"
	case SrcECSM:
		return "ECSM"
	default:
		return "Unknown"
	}
}

// Exception is the single tagged error type raised throughout the core.
type Exception struct {
	Kind Kind

	// IVOR is the IVOR SPR index used to compute the handler address
	// (IVPR + IVOR(n)). Reset has no IVOR since it is handled immediately.
	IVOR *uint16

	// Context fields, populated as relevant to Kind.
	ResetSource    ResetSource
	ExternalSource ExternalSource
	FaultAddr      uint32
	PC             uint32
	BusMaster      string
	DataSoFar      []byte
	SizeWanted     int

	// Cleanup runs when this exception's handling is returned from (rfi
	// family). May be nil.
	Cleanup func()
}

func (e *Exception) Error() string {
	switch e.Kind {
	case Reset:
		return fmt.Sprintf("exception: Reset(%v)", e.ResetSource)
	case ExternalInput:
		return fmt.Sprintf("exception: ExternalInput(%v)", e.ExternalSource)
	case BusError, DataReadBusError, DataWriteBusError:
		return fmt.Sprintf("exception: %v at pc=%#x va=%#x", e.Kind, e.PC, e.FaultAddr)
	default:
		return fmt.Sprintf("exception: %v", e.Kind)
	}
}

// New builds a plain exception of kind with an IVOR index.
func New(kind Kind, ivor uint16) *Exception {
	return &Exception{Kind: kind, IVOR: &ivor}
}

// NewReset builds a Reset exception with no IVOR (reset is handled
// immediately by the step loop, never dispatched through IVPR+IVOR).
func NewReset(src ResetSource) *Exception {
	return &Exception{Kind: Reset, ResetSource: src}
}

// NewExternal builds an ExternalInput exception carrying the originating
// peripheral source id.
func NewExternal(src ExternalSource, ivor uint16) *Exception {
	return &Exception{Kind: ExternalInput, ExternalSource: src, IVOR: &ivor}
}

// NewBusError builds a BusError carrying PC/VA/partial-data context.
func NewBusError(pc, va uint32, dataSoFar []byte, size int) *Exception {
	return &Exception{Kind: BusError, PC: pc, FaultAddr: va, DataSoFar: dataSoFar, SizeWanted: size}
}

// NewSegv builds a SegmentationViolation at the given faulting address.
func NewSegv(va uint32) *Exception {
	return &Exception{Kind: SegmentationViolation, FaultAddr: va}
}
