package ata

import (
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

type devFlag uint32

const (
	devLBA devFlag = 1 << iota
	devLBA48
	devHPA
	devNCQ
	devNCQOff
	devPIO
	devDubious
	devSleeping
	devUnlockHPA
	// devAttached marks a device announced to the attach callback.
	devAttached

	// devInitMask are the flags cleared when a device slot is reinitialised.
	devInitMask = devLBA | devLBA48 | devHPA | devNCQ | devNCQOff | devPIO | devDubious | devSleeping | devUnlockHPA
)

// Device is one addressable unit on a port. Its slot exists for the
// lifetime of the port; the device behind it is created by a successful
// identification and invalidated when error handling gives up on it.
type Device struct {
	port  *Port
	index int

	class    transport.Class
	disabled bool
	flags    devFlag
	horkage  Horkage

	id       [256]uint16
	model    string
	serial   string
	firmware string

	sectors       uint64
	nativeSectors uint64
	queueDepth    int
	multiCount    uint16

	// xferMask is the set of modes the device may still use. It starts
	// full and only shrinks through speed-down until the slot is reset.
	xferMask xfer.Mask
	pioMode  xfer.Mode
	dmaMode  xfer.Mode
	xferMode xfer.Mode

	spdnCnt int
	ering   ering
}

func newDevice(p *Port, index int) *Device {
	d := &Device{port: p, index: index}
	d.reinit()
	return d
}

// Ref returns the address of the device.
func (d *Device) Ref() transport.DeviceRef {
	return transport.DeviceRef{LinkRef: transport.LinkRef{Port: d.port.index}, Device: d.index}
}

func (d *Device) String() string { return d.Ref().String() }

// Index returns the device number on its port.
func (d *Device) Index() int { return d.index }

// Class returns the device class.
func (d *Device) Class() transport.Class {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.class
}

// Enabled reports whether the device accepts commands.
func (d *Device) Enabled() bool {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.enabled()
}

// Model returns the model string from IDENTIFY data.
func (d *Device) Model() string {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.model
}

// Serial returns the serial number from IDENTIFY data.
func (d *Device) Serial() string {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.serial
}

// Firmware returns the firmware revision from IDENTIFY data.
func (d *Device) Firmware() string {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.firmware
}

// Sectors returns the addressable capacity.
func (d *Device) Sectors() uint64 {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.sectors
}

// NativeSectors returns the capacity without a hidden area, or zero if
// unknown.
func (d *Device) NativeSectors() uint64 {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.nativeSectors
}

// XferMode returns the configured transfer mode.
func (d *Device) XferMode() xfer.Mode {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.xferMode
}

// XferMask returns the transfer modes the device may still use.
func (d *Device) XferMask() xfer.Mask {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.xferMask
}

// NCQEnabled reports whether queued commands are used.
func (d *Device) NCQEnabled() bool {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.ncqEnabled()
}

// QueueDepth returns the number of queued commands the device accepts.
func (d *Device) QueueDepth() int {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.queueDepth
}

// Horkage returns the quirks applied to the device.
func (d *Device) Horkage() Horkage {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.horkage
}

// SpeedDownCount returns the number of transfer mode downgrades since the
// last forced PIO fallback.
func (d *Device) SpeedDownCount() int {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.spdnCnt
}

// Dubious reports whether the current transfer configuration is unverified.
func (d *Device) Dubious() bool {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.flags&devDubious != 0
}

// Sleeping reports whether the device was put to sleep.
func (d *Device) Sleeping() bool {
	d.port.mutex.Lock()
	defer d.port.mutex.Unlock()
	return d.flags&devSleeping != 0
}

// Failures returns the number of failures recorded within the long
// speed-down window.
func (d *Device) Failures() int {
	p := d.port
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return d.ering.countSince(p.clk.Now().Add(-p.cfg.SpeedDown.LongWindow))
}

func (d *Device) enabled() bool { return d.class.IsEnabled() && !d.disabled }

func (d *Device) ncqEnabled() bool {
	return d.flags&(devPIO|devNCQOff|devNCQ) == devNCQ
}

// physLink returns the link the device is attached to.
func (d *Device) physLink() *Link { return d.port.links[d.port.physLink(d.index)] }

// reinit forgets everything known about the device in the slot. The
// error ring survives so consecutive failed discoveries can be counted.
func (d *Device) reinit() {
	d.class = transport.ClassUnknown
	d.disabled = false
	d.flags &^= devInitMask
	d.horkage = 0
	d.id = [256]uint16{}
	d.model, d.serial, d.firmware = "", "", ""
	d.sectors, d.nativeSectors = 0, 0
	d.queueDepth = 1
	d.multiCount = 0
	d.xferMask = xfer.MaskAll
	d.pioMode, d.dmaMode, d.xferMode = xfer.ModeNone, xfer.ModeNone, xfer.ModeNone
	d.spdnCnt = 0
}

// downXferMask applies a downgrade step to the device mask.
func (d *Device) downXferMask(step xfer.Step, quiet bool) error {
	m, err := d.xferMask.Down(step)
	if err != nil {
		return err
	}
	d.port.mutex.Lock()
	d.xferMask = m
	d.port.mutex.Unlock()
	if !quiet {
		limit := m.String()
		if m.HasDMA() {
			limit += ":" + (m & xfer.MaskPIO).Highest().String()
		}
		pkg.LogWarn(pkg.ComponentDevice, "limiting speed", "dev", d, "limit", limit, "step", step)
	}
	return nil
}

// disable invalidates the device until it is discovered again.
func (d *Device) disable() {
	if !d.enabled() {
		return
	}
	pkg.LogWarn(pkg.ComponentDevice, "disable device", "dev", d)
	_ = d.downXferMask(xfer.StepForcePIO0, true)
	p := d.port
	p.mutex.Lock()
	d.disabled = true
	d.ering.clear()
	p.mutex.Unlock()
	p.host.metrics.deviceDisabled()
}
