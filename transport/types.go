package transport

import "fmt"

// Tag identifies a command slot on a port.
type Tag int

// NoTag marks a link with no active non-queued command.
const NoTag Tag = -1

// LinkRef addresses a link on a port. Link 0 is the host link; link 1 is
// the slave link of a dual-link configuration.
type LinkRef struct {
	Port int
	Link int
}

func (l LinkRef) String() string {
	return fmt.Sprintf("ata%d.%02d", l.Port, l.Link)
}

// DeviceRef addresses a device on a link.
type DeviceRef struct {
	LinkRef
	Device int
}

func (d DeviceRef) String() string {
	return fmt.Sprintf("ata%d.%02d", d.Port, d.Link+d.Device)
}

// Class is the device class reported after reset.
type Class uint8

// Device classes.
const (
	ClassUnknown Class = iota
	ClassATA
	ClassATAPI
	ClassPMP
	ClassNone
)

func (c Class) String() string {
	switch c {
	case ClassATA:
		return "ata"
	case ClassATAPI:
		return "atapi"
	case ClassPMP:
		return "pmp"
	case ClassNone:
		return "none"
	default:
		return "unknown"
	}
}

// IsEnabled reports whether c is a usable device class.
func (c Class) IsEnabled() bool {
	return c == ClassATA || c == ClassATAPI || c == ClassPMP
}

// Protocol is the command delivery protocol.
type Protocol uint8

// Protocols.
const (
	ProtoNoData Protocol = iota
	ProtoPIO
	ProtoDMA
	ProtoNCQ
	ProtoNCQNoData
	ProtoATAPINoData
	ProtoATAPIPIO
	ProtoATAPIDMA
)

// IsNCQ reports whether p is a native command queuing protocol.
func (p Protocol) IsNCQ() bool { return p == ProtoNCQ || p == ProtoNCQNoData }

// IsATAPI reports whether p carries a packet command.
func (p Protocol) IsATAPI() bool { return p >= ProtoATAPINoData }

// IsData reports whether p transfers a data payload.
func (p Protocol) IsData() bool {
	switch p {
	case ProtoPIO, ProtoDMA, ProtoNCQ, ProtoATAPIPIO, ProtoATAPIDMA:
		return true
	}
	return false
}

// IsDMA reports whether p moves data by DMA.
func (p Protocol) IsDMA() bool {
	return p == ProtoDMA || p == ProtoNCQ || p == ProtoATAPIDMA
}

func (p Protocol) String() string {
	switch p {
	case ProtoNoData:
		return "nodata"
	case ProtoPIO:
		return "pio"
	case ProtoDMA:
		return "dma"
	case ProtoNCQ:
		return "ncq"
	case ProtoNCQNoData:
		return "ncq-nodata"
	case ProtoATAPINoData:
		return "atapi-nodata"
	case ProtoATAPIPIO:
		return "atapi-pio"
	case ProtoATAPIDMA:
		return "atapi-dma"
	default:
		return "unknown"
	}
}

// Taskfile flags.
const (
	TFLBA48 uint8 = 1 << iota
	TFWrite
	TFDevice
)

// Taskfile is a shadow register image. For an issued command it carries
// the command to send; for a result it carries the final status and error
// registers as read back from the device.
type Taskfile struct {
	Protocol Protocol
	Flags    uint8
	Command  uint8
	Feature  uint16
	Count    uint16
	LBA      uint64
	Device   uint8
	Status   uint8
	Error    uint8
}

func (tf Taskfile) String() string {
	return fmt.Sprintf("cmd %02x/%02x:%02x:%012x/%02x", tf.Command, tf.Feature, tf.Count, tf.LBA, tf.Device)
}

// ResultString formats the result registers.
func (tf Taskfile) ResultString() string {
	return fmt.Sprintf("res %02x/%02x:%02x:%012x/%02x", tf.Status, tf.Error, tf.Count, tf.LBA, tf.Device)
}

// Command is what the core hands to the transport for execution.
type Command struct {
	Dev DeviceRef
	Tag Tag
	TF  Taskfile
	// CDB is the packet command for packet protocols.
	CDB [16]byte
	// Data is the transfer buffer: filled on reads, sent on writes.
	Data []byte
}
