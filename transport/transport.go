package transport

import (
	"context"
	"time"

	"github.com/ardnew/softata/xfer"
)

// MaxQueue is the largest number of ordinary command tags a port may have.
const MaxQueue = 32

// PortFlag describes port capabilities.
type PortFlag uint32

// Port flags.
const (
	// PortSATA marks a serial port with link status/control registers.
	PortSATA PortFlag = 1 << iota
	// PortNCQ marks a port that can run native queued commands.
	PortNCQ
	// PortPMP marks a port that supports port multipliers.
	PortPMP
	// PortSlaveLink marks a dual-link configuration with a slave link.
	PortSlaveLink
	// PortNoLog disables NCQ error log reads.
	PortNoLog
)

// PortInfo describes one port of a host controller.
type PortInfo struct {
	Flags PortFlag
	// QueueDepth is the number of ordinary command tags. One additional
	// internal tag is reserved for the error handler.
	QueueDepth int
	// Devices is the number of devices per link (2 for a master/slave
	// parallel bus, 1 otherwise).
	Devices int
	// XferMask is the set of transfer modes the controller supports.
	XferMask xfer.Mask
}

// HostInfo describes a host controller.
type HostInfo struct {
	Name  string
	Ports []PortInfo
}

// ResetResult is the outcome of a reset.
type ResetResult struct {
	// Online reports whether the link came up.
	Online bool
	// Classes holds one class per device of the link. A nil slice means
	// the caller should classify devices itself.
	Classes []Class
}

// ErrorReport is an asynchronous error raised by the transport.
type ErrorReport struct {
	// Mask is OR'ed into the link's pending error state.
	Mask ErrMask
	// SError is the raw link error register value, if known.
	SError uint32
	// Reset requests a reset of the link.
	Reset bool
	// Hotplug marks the link as hot-plugged.
	Hotplug bool
	// Freeze freezes the port instead of only aborting outstanding commands.
	Freeze bool
	// Desc is appended to the error description.
	Desc string
}

// Events is implemented by the core and called by a transport to report
// completions and asynchronous conditions. All methods are safe to call
// from any goroutine, but none may be called while the transport is
// inside Issue.
type Events interface {
	// Complete reports the completion of a single command. mask is any
	// error the transport itself detected; device-reported errors are read
	// back through ReadResult.
	Complete(tag Tag, mask ErrMask)

	// CompleteMany reports the set of queued tags still active on link.
	// Every previously active tag not in active is completed with success.
	CompleteMany(link int, active uint64) (int, error)

	// ReportError raises an error condition on link and either aborts or
	// freezes the port.
	ReportError(link int, rep ErrorReport)

	// Hotplug reports a device arrival or removal on link.
	Hotplug(link int)
}

// Transport is the low-level command transport for a host controller.
//
// Transports must not complete a command synchronously from within Issue;
// completions are delivered through [Events] from another goroutine.
type Transport interface {
	// Lifecycle

	// Info describes the controller. It must return the same value for
	// the lifetime of the transport.
	Info() HostInfo

	// Attach registers the event sink for port.
	Attach(port int, ev Events) error

	// Detach unregisters the event sink for port.
	Detach(port int)

	// Commands

	// Issue begins asynchronous execution of cmd.
	Issue(cmd *Command) error

	// ReadResult returns the final taskfile of a completed command.
	ReadResult(cmd *Command) Taskfile

	// Classify reports the class of a device after reset.
	Classify(dev DeviceRef) Class

	// Interrupt control

	// Freeze stops completion and error delivery for port.
	Freeze(port int)

	// Thaw clears latched interrupt conditions and resumes delivery.
	Thaw(port int)

	// Reset

	// SoftReset resets every device on link, finishing by deadline.
	SoftReset(ctx context.Context, link LinkRef, deadline time.Time) (ResetResult, error)
}

// HardResetter is implemented by transports that can reset a link at the
// physical layer. HardReset returns pkg.ErrRetry when the link came up but
// the device signature could not be read, requesting a follow-up soft reset.
type HardResetter interface {
	HardReset(ctx context.Context, link LinkRef, deadline time.Time) (ResetResult, error)
}

// SCRAccessor is implemented by serial transports exposing link
// status/control registers. Unknown registers return pkg.ErrNotSupported.
type SCRAccessor interface {
	SCRRead(link LinkRef, reg SCR) (uint32, error)
	SCRWrite(link LinkRef, reg SCR, val uint32) error
}

// PreResetter is implemented by transports that need to prepare a link
// before reset. Returning pkg.ErrNotPresent skips the reset of the link.
type PreResetter interface {
	PreReset(ctx context.Context, link LinkRef, deadline time.Time) error
}

// PostResetter is implemented by transports that need to act on the
// classification results after reset.
type PostResetter interface {
	PostReset(link LinkRef, classes []Class)
}

// ModeSetter is implemented by transports that program controller
// timings for a device's transfer mode.
type ModeSetter interface {
	SetPIOMode(dev DeviceRef, mode xfer.Mode) error
	SetDMAMode(dev DeviceRef, mode xfer.Mode) error
}

// Cable is the detected cable type of a parallel bus.
type Cable int

// Cable types.
const (
	CableUnknown Cable = iota
	Cable40
	Cable80
	CableSATA
)

// CableDetector is implemented by transports that can detect the cable.
type CableDetector interface {
	CableDetect(port int) Cable
}
