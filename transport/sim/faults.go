package sim

import (
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// Fault makes matching commands fail.
type Fault struct {
	// Match selects the commands the fault applies to. Nil matches any
	// command.
	Match func(*transport.Command) bool
	// Count is the number of matching commands that fail. Zero means one,
	// a negative count never expires.
	Count int

	// Status and Error replace the result registers when Status is set.
	// A queued command failing with ERR is reported the way a device
	// aborts its queue: the failure is written to the NCQ error log and
	// every other queued command on the link is dropped.
	Status uint8
	Error  uint8
	// Mask is a transport detected error delivered with the completion.
	Mask transport.ErrMask
	// SError bits are latched on the link.
	SError uint32
	// SenseKey completes a packet command with CHECK CONDITION and stores
	// the sense key for a later REQUEST SENSE.
	SenseKey uint8

	// Report raises the failure through Events.ReportError instead of
	// completing the command.
	Report bool
	Freeze bool
	Desc   string

	// Drop leaves the command in flight forever.
	Drop bool
}

// MatchCommand returns a matcher for an opcode.
func MatchCommand(opcode uint8) func(*transport.Command) bool {
	return func(c *transport.Command) bool { return c.TF.Command == opcode }
}

// MatchData matches commands that transfer data.
func MatchData(c *transport.Command) bool { return c.TF.Protocol.IsData() }

// MatchTag returns a matcher for a single tag.
func MatchTag(tag transport.Tag) func(*transport.Command) bool {
	return func(c *transport.Command) bool { return c.Tag == tag }
}

func (p *port) takeFault(cmd *transport.Command) *Fault {
	for i, ft := range p.faults {
		if ft.Match != nil && !ft.Match(cmd) {
			continue
		}
		switch {
		case ft.Count < 0:
		case ft.Count <= 1:
			p.faults = append(p.faults[:i], p.faults[i+1:]...)
		default:
			ft.Count--
		}
		return ft
	}
	return nil
}

func (p *port) inject(f *flight, ft *Fault) {
	lk := p.links[f.link]
	lk.serror |= ft.SError
	f.mask |= ft.Mask

	if ft.Status != 0 {
		f.result.Status = ft.Status
		f.result.Error = ft.Error
	}
	dev := f.cmd.Dev.Link + f.cmd.Dev.Device
	if ft.SenseKey != 0 && dev < len(p.disks) && p.disks[dev] != nil {
		d := p.disks[dev]
		d.sense = [18]byte{0: 0x70, 2: ft.SenseKey & 0xf, 7: 10}
		f.result.Status = transport.StatusDRDY | transport.StatusErr
		f.result.Error = ft.SenseKey << 4
	}

	if ft.Report {
		f.report = &transport.ErrorReport{
			Mask:   ft.Mask,
			SError: ft.SError,
			Freeze: ft.Freeze,
			Desc:   ft.Desc,
		}
		f.mask = 0
		return
	}

	if f.cmd.TF.Protocol.IsNCQ() && f.result.Status&transport.StatusErr != 0 && dev < len(p.disks) && p.disks[dev] != nil {
		p.disks[dev].ncqErr = ncqLog(f.cmd.Tag, f.result.Status, f.result.Error, f.cmd.TF.LBA)
		f.report = &transport.ErrorReport{Mask: transport.ErrDev, Desc: "queued command error"}
		f.abortQueue = true
	}
}

// AddFault arms a fault on a port.
func (c *Controller) AddFault(port int, ft Fault) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		p.faults = append(p.faults, &ft)
	}
}

// ClearFaults disarms every fault on a port.
func (c *Controller) ClearFaults(port int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		p.faults = nil
	}
}

// ScriptReset queues scripted outcomes for upcoming resets of a link.
func (c *Controller) ScriptReset(port, link int, scripts ...ResetScript) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		p.scripts[link] = append(p.scripts[link], scripts...)
	}
}

// Hold queues completions instead of delivering them.
func (c *Controller) Hold(port int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		p.hold = true
	}
}

// Release delivers held completions in issue order and stops holding.
func (c *Controller) Release(port int) {
	c.mutex.Lock()
	p := c.port(port)
	if p == nil {
		c.mutex.Unlock()
		return
	}
	held := p.held
	p.held = nil
	p.hold = false
	c.mutex.Unlock()

	for _, f := range held {
		c.deliver(p, f)
	}
}

// Plug inserts a disk into a device slot and signals a PHY change.
func (c *Controller) Plug(port, dev int, d *Disk) {
	c.hotplug(port, dev, d)
}

// Unplug removes the disk in a device slot and signals a PHY change.
func (c *Controller) Unplug(port, dev int) {
	c.hotplug(port, dev, nil)
}

func (c *Controller) hotplug(port, dev int, spec *Disk) {
	c.mutex.Lock()
	p := c.port(port)
	if p == nil || dev < 0 || dev >= len(p.disks) {
		c.mutex.Unlock()
		return
	}
	if spec == nil {
		p.disks[dev] = nil
	} else {
		p.disks[dev] = newDisk(spec)
	}
	l := p.physLink(dev)
	p.negotiate(l)
	p.links[l].serror |= transport.SErrPHYRdyChg | transport.SErrCommWake
	for t, f := range p.inflight {
		if f.cmd.Dev.Device == dev {
			delete(p.inflight, t)
		}
	}
	ev := p.ev
	c.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentSim, "hotplug", "port", port, "dev", dev, "present", spec != nil)
	if ev != nil {
		ev.Hotplug(l)
	}
}

// SetSectors changes the addressable capacity of a disk without touching
// its native capacity, as a firmware or BIOS setting a hidden area would.
func (c *Controller) SetSectors(port, dev int, n uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if d := c.disk(port, dev); d != nil {
		d.sectors = n
	}
}

// LatchSError sets bits in a link's SError register.
func (c *Controller) LatchSError(port, link int, bits uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil && link >= 0 && link < len(p.links) {
		p.links[link].serror |= bits
	}
}

func (c *Controller) disk(port, dev int) *disk {
	p := c.port(port)
	if p == nil || dev < 0 || dev >= len(p.disks) {
		return nil
	}
	return p.disks[dev]
}

// Observation

// Resets returns every reset seen on a port.
func (c *Controller) Resets(port int) []ResetRecord {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		return append([]ResetRecord(nil), p.resets...)
	}
	return nil
}

// Issued returns every command issued on a port.
func (c *Controller) Issued(port int) []transport.Command {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		return append([]transport.Command(nil), p.issued...)
	}
	return nil
}

// FreezeCounts returns the number of freezes and thaws of a port.
func (c *Controller) FreezeCounts(port int) (freezes, thaws int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		return p.freezes, p.thaws
	}
	return 0, 0
}

// InFlight returns the number of commands in flight on a port.
func (c *Controller) InFlight(port int) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		return len(p.inflight)
	}
	return 0
}

// XferMode returns the transfer mode last set on a disk with SET FEATURES.
func (c *Controller) XferMode(port, dev int) xfer.Mode {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if d := c.disk(port, dev); d != nil {
		return d.xferMode
	}
	return xfer.ModeNone
}

// Sectors returns the addressable capacity of a disk.
func (c *Controller) Sectors(port, dev int) uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if d := c.disk(port, dev); d != nil {
		return d.sectors
	}
	return 0
}

// SStatus returns the raw link status register of a link.
func (c *Controller) SStatus(port, link int) uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil && link >= 0 && link < len(p.links) {
		return p.links[link].sstatus
	}
	return 0
}
