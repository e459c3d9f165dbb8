package sim

import (
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// Disk describes a simulated device.
type Disk struct {
	Class    transport.Class
	Model    string
	Serial   string
	Firmware string

	// Sectors is the currently addressable capacity. NativeSectors is the
	// capacity with no hidden area; zero means equal to Sectors.
	Sectors       uint64
	NativeSectors uint64
	HPA           bool

	NCQ        bool
	QueueDepth int
	XferMask   xfer.Mask
	// MaxSpeed is the fastest link generation the device negotiates
	// (1 = 1.5 Gbps, 2 = 3.0 Gbps, 3 = 6.0 Gbps).
	MaxSpeed uint32
}

// NewDisk returns a SATA disk with NCQ, UDMA/133 and a 6.0 Gbps PHY.
func NewDisk(model, serial string, sectors uint64) *Disk {
	return &Disk{
		Class:      transport.ClassATA,
		Model:      model,
		Serial:     serial,
		Firmware:   "SIM1.0",
		Sectors:    sectors,
		HPA:        true,
		NCQ:        true,
		QueueDepth: 32,
		XferMask:   xfer.Pack(0x1f, 0x07, 0x7f),
		MaxSpeed:   3,
	}
}

// NewPacketDevice returns a SATA packet device.
func NewPacketDevice(model, serial string) *Disk {
	return &Disk{
		Class:    transport.ClassATAPI,
		Model:    model,
		Serial:   serial,
		Firmware: "SIM1.0",
		XferMask: xfer.Pack(0x1f, 0x07, 0x3f),
		MaxSpeed: 1,
	}
}

func (d *Disk) native() uint64 {
	if d.NativeSectors == 0 {
		return d.Sectors
	}
	return d.NativeSectors
}

// disk is the mutable runtime state of an attached Disk.
type disk struct {
	spec     Disk
	sectors  uint64
	xferMode xfer.Mode
	sleeping bool
	// ncqErr is the pending NCQ error log page contents.
	ncqErr    []byte
	sense     [18]byte
	senseKey  uint8
	setModes  []xfer.Mode
	multCount uint8
}

func newDisk(spec *Disk) *disk {
	d := &disk{spec: *spec, sectors: spec.Sectors}
	if d.spec.QueueDepth == 0 {
		d.spec.QueueDepth = 1
	}
	return d
}

// identify builds the 256-word IDENTIFY (PACKET) DEVICE page.
func (d *disk) identify() [256]uint16 {
	var id [256]uint16
	s := &d.spec

	if s.Class == transport.ClassATAPI {
		id[0] = 0x8000 | 0x0500 // packet device, CD-ROM, 12-byte CDB
	}
	putString(id[10:20], s.Serial)
	putString(id[23:27], s.Firmware)
	putString(id[27:47], s.Model)

	id[47] = 0x8010
	id[49] = 1<<9 | 1<<8 | 1<<11 // LBA, DMA, IORDY
	id[53] = 1<<1 | 1<<2

	pio, mwdma, udma := s.XferMask.Unpack()
	id[63] = uint16(mwdma & 0x07)
	id[64] = uint16((pio >> 3) & 0x03)
	id[88] = uint16(udma & 0xff)
	if d.xferMode.Family() == xfer.FamilyUDMA {
		id[88] |= 1 << (8 + uint(d.xferMode-xfer.UDMA0))
	}

	if s.Class == transport.ClassATA {
		n := d.sectors
		lba28 := n
		if lba28 > 0x0fffffff {
			lba28 = 0x0fffffff
		}
		id[60] = uint16(lba28)
		id[61] = uint16(lba28 >> 16)
		id[83] = 1<<14 | 1<<10
		id[86] = 1 << 10
		if s.HPA {
			id[82] = 1 << 10
		}
		id[100] = uint16(n)
		id[101] = uint16(n >> 16)
		id[102] = uint16(n >> 32)
		id[103] = uint16(n >> 48)
		id[80] = 0x01f0
		if s.NCQ {
			id[75] = uint16(s.QueueDepth-1) & 0x1f
			id[76] |= 1 << 8
		}
	}

	for gen := uint32(1); gen <= s.MaxSpeed && gen <= 3; gen++ {
		id[76] |= 1 << gen
	}
	return id
}

// putString stores s in ATA string order: two characters per word, the
// first in the high byte, space padded.
func putString(words []uint16, s string) {
	b := make([]byte, len(words)*2)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := range words {
		words[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
}

// ncqLog returns a log page 10h attributing an error to tag.
func ncqLog(tag transport.Tag, status, errReg uint8, lba uint64) []byte {
	buf := make([]byte, 512)
	buf[0] = byte(tag) & 0x1f
	buf[2] = status
	buf[3] = errReg
	buf[4] = byte(lba)
	buf[5] = byte(lba >> 8)
	buf[6] = byte(lba >> 16)
	buf[7] = 0x40
	buf[8] = byte(lba >> 24)
	buf[9] = byte(lba >> 32)
	buf[10] = byte(lba >> 40)
	var sum byte
	for _, v := range buf[:511] {
		sum += v
	}
	buf[511] = -sum
	return buf
}
