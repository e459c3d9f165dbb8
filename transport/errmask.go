package transport

import "strings"

// ErrMask is a combinable set of command error categories.
type ErrMask uint32

// Error categories.
const (
	ErrDev      ErrMask = 1 << iota // device reported error
	ErrHSM                          // protocol state machine violation
	ErrTimeout                      // command timed out
	ErrMedia                        // media error
	ErrATABus                       // parity, CRC or handshake error on the bus
	ErrHostBus                      // host bus error
	ErrSystem                       // host internal error
	ErrInvalid                      // invalid request
	ErrOther                        // unclassified
	ErrNoDevHint                    // polling suggests the device is absent
	ErrNCQ                          // marker for an NCQ log attributed failure
)

var errMaskNames = []struct {
	mask ErrMask
	desc string
	name string
}{
	{ErrHostBus, "host bus error", "host_bus"},
	{ErrATABus, "ATA bus error", "ata_bus"},
	{ErrTimeout, "timeout", "timeout"},
	{ErrHSM, "HSM violation", "hsm"},
	{ErrSystem, "internal error", "system"},
	{ErrMedia, "media error", "media"},
	{ErrInvalid, "invalid argument", "invalid"},
	{ErrDev, "device error", "dev"},
	{ErrNCQ, "NCQ error", "ncq"},
	{ErrNoDevHint, "Polling detection error", "nodev_hint"},
}

// String describes the most significant category in m.
func (m ErrMask) String() string {
	for _, e := range errMaskNames {
		if m&e.mask != 0 {
			return e.desc
		}
	}
	return "unknown error"
}

// Names returns the short name of every category in m, most significant
// first, joined with '|'.
func (m ErrMask) Names() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, e := range errMaskNames {
		if m&e.mask != 0 {
			parts = append(parts, e.name)
		}
	}
	if m&ErrOther != 0 {
		parts = append(parts, "other")
	}
	return strings.Join(parts, "|")
}

// Status register bits.
const (
	StatusBusy  uint8 = 0x80
	StatusDRDY  uint8 = 0x40
	StatusDF    uint8 = 0x20
	StatusDSC   uint8 = 0x10
	StatusDRQ   uint8 = 0x08
	StatusCorr  uint8 = 0x04
	StatusSense uint8 = 0x02
	StatusErr   uint8 = 0x01
)

// Error register bits.
const (
	ErrorICRC   uint8 = 0x80
	ErrorUNC    uint8 = 0x40
	ErrorMC     uint8 = 0x20
	ErrorIDNF   uint8 = 0x10
	ErrorMCR    uint8 = 0x08
	ErrorABRT   uint8 = 0x04
	ErrorTRK0NF uint8 = 0x02
	ErrorAMNF   uint8 = 0x01
)

// StatusString decodes the status register.
func StatusString(st uint8) string {
	return bitString(st, []string{"BUSY", "DRDY", "DF", "DSC", "DRQ", "CORR", "SENSE", "ERR"})
}

// ErrorString decodes the error register.
func ErrorString(er uint8) string {
	return bitString(er, []string{"ICRC", "UNC", "MC", "IDNF", "MCR", "ABRT", "TRK0NF", "AMNF"})
}

// bitString names bits of v from 0x80 down to 0x01.
func bitString(v uint8, names []string) string {
	var parts []string
	for i, n := range names {
		if v&(0x80>>i) != 0 {
			parts = append(parts, n)
		}
	}
	return "{ " + strings.Join(parts, " ") + " }"
}
