package sim

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// Default controller capabilities.
const (
	DefaultQueueDepth = 32
	DefaultMaxSpeed   = 3 // 6.0 Gbps
)

// PortConfig describes one simulated port.
type PortConfig struct {
	Flags      transport.PortFlag
	QueueDepth int
	XferMask   xfer.Mask
	Cable      transport.Cable
	// Disks holds one entry per device slot; a nil entry is an empty slot.
	// A port with PortSlaveLink places device 1 behind the slave link.
	Disks []*Disk
}

// ResetKind distinguishes reset methods in records and scripts.
type ResetKind int

// Reset kinds.
const (
	ResetSoft ResetKind = iota
	ResetHard
)

func (k ResetKind) String() string {
	if k == ResetHard {
		return "hard"
	}
	return "soft"
}

// ResetRecord is one reset observed by the controller.
type ResetRecord struct {
	Kind     ResetKind
	Link     transport.LinkRef
	At       time.Time
	Deadline time.Time
	// SControl is the link control register value at the time of reset.
	SControl uint32
}

// ResetScript overrides the outcome of the next reset of Kind on a link.
// A script with a nil error and nil Classes keeps the computed classes.
type ResetScript struct {
	Kind   ResetKind
	Result transport.ResetResult
	Err    error
}

// Controller is an in-memory host controller implementing
// transport.Transport and every optional capability.
type Controller struct {
	mutex sync.Mutex
	name  string
	clk   clock.Clock
	ports []*port
}

var (
	_ transport.Transport     = (*Controller)(nil)
	_ transport.HardResetter  = (*Controller)(nil)
	_ transport.SCRAccessor   = (*Controller)(nil)
	_ transport.ModeSetter    = (*Controller)(nil)
	_ transport.CableDetector = (*Controller)(nil)
)

type link struct {
	sstatus  uint32
	serror   uint32
	scontrol uint32
}

type flight struct {
	cmd    *transport.Command
	link   int
	result transport.Taskfile
	mask   transport.ErrMask
	report *transport.ErrorReport
	// abortQueue drops every other queued command on the link on delivery.
	abortQueue bool
}

type port struct {
	index int
	cfg   PortConfig
	ev    transport.Events

	frozen bool
	links  []*link
	disks  []*disk

	inflight map[transport.Tag]*flight
	results  map[transport.Tag]transport.Taskfile
	hold     bool
	held     []*flight

	faults  []*Fault
	scripts map[int][]ResetScript

	resets  []ResetRecord
	issued  []transport.Command
	freezes int
	thaws   int
	timings map[int][2]xfer.Mode
}

// New returns a controller with the given ports.
func New(name string, clk clock.Clock, ports ...PortConfig) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Controller{name: name, clk: clk}
	for i, cfg := range ports {
		if cfg.QueueDepth == 0 {
			cfg.QueueDepth = DefaultQueueDepth
		}
		if cfg.XferMask == 0 {
			cfg.XferMask = xfer.MaskAll
		}
		if len(cfg.Disks) == 0 {
			cfg.Disks = []*Disk{nil}
		}
		if cfg.Cable == transport.CableUnknown {
			if cfg.Flags&transport.PortSATA != 0 {
				cfg.Cable = transport.CableSATA
			} else {
				cfg.Cable = transport.Cable80
			}
		}
		p := &port{
			index:    i,
			cfg:      cfg,
			inflight: make(map[transport.Tag]*flight),
			results:  make(map[transport.Tag]transport.Taskfile),
			scripts:  make(map[int][]ResetScript),
			timings:  make(map[int][2]xfer.Mode),
		}
		nlinks := 1
		if cfg.Flags&transport.PortSlaveLink != 0 {
			nlinks = 2
		}
		for l := 0; l < nlinks; l++ {
			p.links = append(p.links, &link{scontrol: 0x300})
		}
		for _, spec := range cfg.Disks {
			if spec == nil {
				p.disks = append(p.disks, nil)
				continue
			}
			p.disks = append(p.disks, newDisk(spec))
		}
		for l := range p.links {
			p.negotiate(l)
		}
		c.ports = append(c.ports, p)
	}
	pkg.LogDebug(pkg.ComponentSim, "controller created", "name", name, "ports", len(c.ports))
	return c
}

func (c *Controller) port(i int) *port {
	if i < 0 || i >= len(c.ports) {
		return nil
	}
	return c.ports[i]
}

// physLink returns the link a device is attached to.
func (p *port) physLink(dev int) int {
	if len(p.links) > 1 {
		return dev
	}
	return 0
}

// linkDisks returns the device numbers physically on link l.
func (p *port) linkDisks(l int) []int {
	if len(p.links) > 1 {
		return []int{l}
	}
	devs := make([]int, len(p.disks))
	for i := range devs {
		devs[i] = i
	}
	return devs
}

// negotiate brings link l up at the fastest speed allowed by both the
// device and the SControl speed limit.
func (p *port) negotiate(l int) {
	lk := p.links[l]
	var spd uint32
	for _, dev := range p.linkDisks(l) {
		d := p.disks[dev]
		if d == nil {
			continue
		}
		s := d.spec.MaxSpeed
		if s == 0 || s > DefaultMaxSpeed {
			s = DefaultMaxSpeed
		}
		if spd == 0 || s < spd {
			spd = s
		}
	}
	if spd == 0 {
		lk.sstatus = 0
		return
	}
	if limit := (lk.scontrol >> 4) & 0xf; limit != 0 && limit < spd {
		spd = limit
	}
	lk.sstatus = 0x100 | spd<<4 | 0x3
}

func (p *port) online(l int) bool {
	if p.cfg.Flags&transport.PortSATA == 0 {
		for _, dev := range p.linkDisks(l) {
			if p.disks[dev] != nil {
				return true
			}
		}
		return false
	}
	return transport.SStatusOnline(p.links[l].sstatus)
}

// Info describes the controller.
func (c *Controller) Info() transport.HostInfo {
	info := transport.HostInfo{Name: c.name}
	for _, p := range c.ports {
		info.Ports = append(info.Ports, transport.PortInfo{
			Flags:      p.cfg.Flags,
			QueueDepth: p.cfg.QueueDepth,
			Devices:    len(p.disks),
			XferMask:   p.cfg.XferMask,
		})
	}
	return info
}

// Attach registers the event sink for a port.
func (c *Controller) Attach(port int, ev transport.Events) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := c.port(port)
	if p == nil {
		return pkg.ErrInvalidParameter
	}
	p.ev = ev
	return nil
}

// Detach unregisters the event sink for a port.
func (c *Controller) Detach(port int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		p.ev = nil
		p.inflight = make(map[transport.Tag]*flight)
		p.held = nil
	}
}

// Issue starts cmd. The command completes from another goroutine unless a
// fault drops it or the port is holding completions.
func (c *Controller) Issue(cmd *transport.Command) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p := c.port(cmd.Dev.Port)
	if p == nil {
		return pkg.ErrInvalidParameter
	}
	if p.frozen {
		return pkg.ErrFrozen
	}
	if _, busy := p.inflight[cmd.Tag]; busy {
		return pkg.ErrBusy
	}

	p.issued = append(p.issued, *cmd)
	delete(p.results, cmd.Tag)

	f := &flight{cmd: cmd, link: p.physLink(cmd.Dev.Device)}
	p.inflight[cmd.Tag] = f

	fault := p.takeFault(cmd)
	if fault != nil && fault.Drop {
		pkg.LogDebug(pkg.ComponentSim, "command dropped",
			"port", p.index, "tag", cmd.Tag, "cmd", transport.CommandName(cmd.TF.Command))
		return nil
	}
	p.execute(f)
	if fault != nil {
		p.inject(f, fault)
	}

	if p.hold {
		p.held = append(p.held, f)
		return nil
	}
	go c.deliver(p, f)
	return nil
}

// deliver reports f unless it was aborted or superseded in the meantime.
func (c *Controller) deliver(p *port, f *flight) {
	c.mutex.Lock()
	tag := f.cmd.Tag
	if p.inflight[tag] != f || p.ev == nil {
		c.mutex.Unlock()
		return
	}
	delete(p.inflight, tag)
	p.results[tag] = f.result
	if f.abortQueue {
		for t, g := range p.inflight {
			if g.link == f.link && g.cmd.TF.Protocol.IsNCQ() {
				delete(p.inflight, t)
			}
		}
	}
	ev := p.ev
	c.mutex.Unlock()

	if f.report != nil {
		ev.ReportError(f.link, *f.report)
		return
	}
	ev.Complete(tag, f.mask)
}

// ReadResult returns the final registers of a completed command.
func (c *Controller) ReadResult(cmd *transport.Command) transport.Taskfile {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(cmd.Dev.Port); p != nil {
		if tf, ok := p.results[cmd.Tag]; ok {
			return tf
		}
	}
	tf := cmd.TF
	tf.Status = transport.StatusDRDY
	tf.Error = 0
	return tf
}

// Classify reports the class of a device.
func (c *Controller) Classify(dev transport.DeviceRef) transport.Class {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := c.port(dev.Port)
	if p == nil {
		return transport.ClassNone
	}
	return p.classify(dev.Link + dev.Device)
}

func (p *port) classify(dev int) transport.Class {
	if dev < 0 || dev >= len(p.disks) || p.disks[dev] == nil {
		return transport.ClassNone
	}
	if !p.online(p.physLink(dev)) {
		return transport.ClassNone
	}
	return p.disks[dev].spec.Class
}

// Freeze stops delivery and aborts everything in flight.
func (c *Controller) Freeze(port int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := c.port(port)
	if p == nil {
		return
	}
	p.frozen = true
	p.freezes++
	p.inflight = make(map[transport.Tag]*flight)
	p.held = nil
}

// Thaw resumes delivery.
func (c *Controller) Thaw(port int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		p.frozen = false
		p.thaws++
	}
}

// SoftReset resets the devices on a link.
func (c *Controller) SoftReset(ctx context.Context, l transport.LinkRef, deadline time.Time) (transport.ResetResult, error) {
	return c.reset(ctx, ResetSoft, l, deadline)
}

// HardReset resets a link at the physical layer and renegotiates its speed.
func (c *Controller) HardReset(ctx context.Context, l transport.LinkRef, deadline time.Time) (transport.ResetResult, error) {
	return c.reset(ctx, ResetHard, l, deadline)
}

func (c *Controller) reset(ctx context.Context, kind ResetKind, l transport.LinkRef, deadline time.Time) (transport.ResetResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.ResetResult{}, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p := c.port(l.Port)
	if p == nil || l.Link < 0 || l.Link >= len(p.links) {
		return transport.ResetResult{}, pkg.ErrInvalidParameter
	}
	p.resets = append(p.resets, ResetRecord{
		Kind:     kind,
		Link:     l,
		At:       c.clk.Now(),
		Deadline: deadline,
		SControl: p.links[l.Link].scontrol,
	})
	pkg.LogDebug(pkg.ComponentSim, "reset", "link", l, "kind", kind)

	if kind == ResetHard {
		p.negotiate(l.Link)
	}
	for _, dev := range p.linkDisks(l.Link) {
		for t, f := range p.inflight {
			if f.cmd.Dev.Device == dev {
				delete(p.inflight, t)
			}
		}
		if d := p.disks[dev]; d != nil {
			d.sleeping = false
			d.ncqErr = nil
			d.xferMode = 0
		}
	}

	// The host link classifies every device; a slave link reset only
	// reports link state.
	res := transport.ResetResult{Online: p.online(l.Link)}
	if l.Link == 0 {
		for dev := range p.disks {
			res.Classes = append(res.Classes, p.classify(dev))
		}
	}

	if q := p.scripts[l.Link]; len(q) > 0 && q[0].Kind == kind {
		s := q[0]
		p.scripts[l.Link] = q[1:]
		if s.Err != nil || s.Result.Classes != nil {
			return s.Result, s.Err
		}
		res.Online = s.Result.Online || res.Online
	}
	return res, nil
}

// SCRRead reads a link register.
func (c *Controller) SCRRead(l transport.LinkRef, reg transport.SCR) (uint32, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := c.port(l.Port)
	if p == nil || p.cfg.Flags&transport.PortSATA == 0 || l.Link < 0 || l.Link >= len(p.links) {
		return 0, pkg.ErrNotSupported
	}
	lk := p.links[l.Link]
	switch reg {
	case transport.SCRStatus:
		return lk.sstatus, nil
	case transport.SCRError:
		return lk.serror, nil
	case transport.SCRControl:
		return lk.scontrol, nil
	case transport.SCRActive:
		var act uint32
		for t, f := range p.inflight {
			if f.link == l.Link && f.cmd.TF.Protocol.IsNCQ() {
				act |= 1 << uint(t)
			}
		}
		return act, nil
	}
	return 0, pkg.ErrNotSupported
}

// SCRWrite writes a link register. Writing SError clears the bits set.
func (c *Controller) SCRWrite(l transport.LinkRef, reg transport.SCR, val uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := c.port(l.Port)
	if p == nil || p.cfg.Flags&transport.PortSATA == 0 || l.Link < 0 || l.Link >= len(p.links) {
		return pkg.ErrNotSupported
	}
	lk := p.links[l.Link]
	switch reg {
	case transport.SCRError:
		lk.serror &^= val
	case transport.SCRControl:
		lk.scontrol = val
	default:
		return pkg.ErrNotSupported
	}
	return nil
}

// SetPIOMode records the controller PIO timing for a device.
func (c *Controller) SetPIOMode(dev transport.DeviceRef, mode xfer.Mode) error {
	return c.setTiming(dev, 0, mode)
}

// SetDMAMode records the controller DMA timing for a device.
func (c *Controller) SetDMAMode(dev transport.DeviceRef, mode xfer.Mode) error {
	return c.setTiming(dev, 1, mode)
}

func (c *Controller) setTiming(dev transport.DeviceRef, i int, mode xfer.Mode) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	p := c.port(dev.Port)
	if p == nil {
		return pkg.ErrInvalidParameter
	}
	idx := dev.Link + dev.Device
	t := p.timings[idx]
	t[i] = mode
	p.timings[idx] = t
	return nil
}

// CableDetect reports the configured cable type.
func (c *Controller) CableDetect(port int) transport.Cable {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p := c.port(port); p != nil {
		return p.cfg.Cable
	}
	return transport.CableUnknown
}

// execute runs cmd against the addressed disk and fills in f's result.
func (p *port) execute(f *flight) {
	cmd := f.cmd
	f.result = cmd.TF
	f.result.Status = transport.StatusDRDY
	f.result.Error = 0

	dev := cmd.Dev.Link + cmd.Dev.Device
	if dev < 0 || dev >= len(p.disks) || p.disks[dev] == nil || !p.online(f.link) {
		f.result.Status = 0
		f.mask = transport.ErrNoDevHint
		return
	}
	d := p.disks[dev]

	abort := func() {
		f.result.Status = transport.StatusDRDY | transport.StatusErr
		f.result.Error = transport.ErrorABRT
	}

	switch cmd.TF.Command {
	case transport.CmdIDATA, transport.CmdIDPacket:
		want := transport.ClassATA
		if cmd.TF.Command == transport.CmdIDPacket {
			want = transport.ClassATAPI
		}
		if d.spec.Class != want || len(cmd.Data) < 512 {
			abort()
			return
		}
		id := d.identify()
		for i, w := range id {
			binary.LittleEndian.PutUint16(cmd.Data[2*i:], w)
		}

	case transport.CmdSetFeatures:
		if cmd.TF.Feature == transport.SetFeaturesXfer {
			md := xfer.Mode(cmd.TF.Count)
			if xfer.ModeMask(md)&d.spec.XferMask == 0 {
				abort()
				return
			}
			d.xferMode = md
			d.setModes = append(d.setModes, md)
		}

	case transport.CmdReadLogExt:
		if cmd.TF.LBA&0xff != transport.LogSATANCQ || len(cmd.Data) < 512 {
			abort()
			return
		}
		buf := d.ncqErr
		if buf == nil {
			buf = make([]byte, 512)
			buf[0] = 0x80
			buf[511] = 0x80
		}
		copy(cmd.Data, buf)
		d.ncqErr = nil

	case transport.CmdReadNativeMax, transport.CmdReadNativeMaxExt:
		if d.spec.Class != transport.ClassATA {
			abort()
			return
		}
		f.result.LBA = d.spec.native() - 1

	case transport.CmdSetMax, transport.CmdSetMaxExt:
		n := cmd.TF.LBA + 1
		if n > d.spec.native() {
			f.result.Status |= transport.StatusErr
			f.result.Error = transport.ErrorIDNF
			return
		}
		d.sectors = n

	case transport.CmdSleep:
		d.sleeping = true

	case transport.CmdPacket:
		if d.spec.Class != transport.ClassATAPI {
			abort()
			return
		}
		if cmd.CDB[0] == transport.ScsiRequestSense {
			copy(cmd.Data, d.sense[:])
			d.sense = [18]byte{}
		}

	case transport.CmdReadDMA, transport.CmdWriteDMA,
		transport.CmdReadDMAExt, transport.CmdWriteDMAExt,
		transport.CmdFPDMARead, transport.CmdFPDMAWrite,
		transport.CmdRead, transport.CmdWrite,
		transport.CmdReadExt, transport.CmdWriteExt,
		transport.CmdReadMulti, transport.CmdWriteMulti,
		transport.CmdVerify:
		if cmd.TF.LBA >= d.sectors {
			f.result.Status |= transport.StatusErr
			f.result.Error = transport.ErrorIDNF
		}
	}
}
