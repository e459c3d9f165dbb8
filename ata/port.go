package ata

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

type portFlag uint32

const (
	portFrozen portFlag = 1 << iota
	portEHPending
	portEHRunning
	portUnloading
	portUnloaded
)

// Port is one channel of a host controller with its links, devices and
// command slot table. Completions, error reports and EH requests may come
// from any goroutine; recovery runs on the port's own worker.
type Port struct {
	host  *Host
	index int
	info  transport.PortInfo
	ops   *transport.Ops
	cfg   *Config
	clk   clock.Clock

	mutex    sync.Mutex
	flags    portFlag
	phase    Phase
	episode  uuid.UUID
	links    []*Link
	devices  []*Device
	slots    []*slot
	lastTag  int
	qcActive uint64
	pending  []*slot
	done     []*Command
	waiters  []chan struct{}
	cable    transport.Cable

	fastDrainCnt   int
	fastDrainSeq   uint64
	fastDrainTimer clock.Timer

	wake chan struct{}
	// owned is only touched by the worker goroutine.
	owned bool
}

var _ transport.Events = (*Port)(nil)

func newPort(h *Host, index int, info transport.PortInfo) *Port {
	if info.QueueDepth <= 0 {
		info.QueueDepth = 1
	}
	if info.QueueDepth > transport.MaxQueue {
		info.QueueDepth = transport.MaxQueue
	}
	ndev := info.Devices
	if info.Flags&transport.PortSlaveLink != 0 {
		ndev = MaxDevices
	}
	if ndev < 1 {
		ndev = 1
	}
	if ndev > MaxDevices {
		ndev = MaxDevices
	}
	info.Devices = ndev

	p := &Port{
		host:    h,
		index:   index,
		info:    info,
		ops:     h.ops,
		cfg:     &h.cfg,
		clk:     h.cfg.Clock,
		lastTag: info.QueueDepth - 1,
		wake:    make(chan struct{}, 1),
	}
	if info.Flags&transport.PortSATA != 0 {
		p.cable = transport.CableSATA
	}

	nlinks := 1
	if info.Flags&transport.PortSlaveLink != 0 {
		nlinks = 2
	}
	var lflags LinkFlag
	for _, f := range p.cfg.forcedFor(index, -1) {
		if f.NoHardReset {
			lflags |= LinkNoHardReset
		}
		if f.NoSoftReset {
			lflags |= LinkNoSoftReset
		}
	}
	for i := 0; i < nlinks; i++ {
		l := newLink(p, i)
		l.flags = lflags
		p.links = append(p.links, l)
	}
	for i := 0; i < ndev; i++ {
		p.devices = append(p.devices, newDevice(p, i))
	}
	for i := 0; i <= info.QueueDepth; i++ {
		p.slots = append(p.slots, &slot{tag: transport.Tag(i), internal: i == info.QueueDepth})
	}
	return p
}

// Index returns the port number on its host.
func (p *Port) Index() int { return p.index }

// Info returns the port capabilities.
func (p *Port) Info() transport.PortInfo { return p.info }

// Devices returns the device slots of the port.
func (p *Port) Devices() []*Device { return append([]*Device(nil), p.devices...) }

// Device returns device slot i, or nil.
func (p *Port) Device(i int) *Device {
	if i < 0 || i >= len(p.devices) {
		return nil
	}
	return p.devices[i]
}

// Link returns link i, or nil.
func (p *Port) Link(i int) *Link {
	if i < 0 || i >= len(p.links) {
		return nil
	}
	return p.links[i]
}

// Frozen reports whether the port is frozen.
func (p *Port) Frozen() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flags&portFrozen != 0
}

// Phase returns the step error handling is in.
func (p *Port) Phase() Phase {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.phase
}

// Episode returns the identifier of the current or last EH pass.
func (p *Port) Episode() uuid.UUID {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.episode
}

// physLink returns the index of the link device dev is attached to.
func (p *Port) physLink(dev int) int {
	if len(p.links) > 1 {
		return dev
	}
	return 0
}

// hostLink is link 0, which owns every device of the port.
func (p *Port) hostLink() *Link { return p.links[0] }

// slaveLink returns the slave link of a dual-link port, or nil.
func (p *Port) slaveLink() *Link {
	if len(p.links) > 1 {
		return p.links[1]
	}
	return nil
}

func (p *Port) setPhase(ph Phase) {
	p.mutex.Lock()
	p.phase = ph
	p.mutex.Unlock()
}

// unlock releases the port lock and then completes the commands that
// finished while it was held.
func (p *Port) unlock() {
	done := p.done
	p.done = nil
	if p.flags&portEHPending != 0 {
		p.kick()
	}
	p.mutex.Unlock()
	for _, c := range done {
		c.finish()
	}
}

func (p *Port) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Events

// Complete reports a finished command.
func (p *Port) Complete(tag transport.Tag, mask transport.ErrMask) {
	p.mutex.Lock()
	defer p.unlock()
	if tag < 0 || int(tag) >= len(p.slots) {
		return
	}
	s := p.slots[tag]
	if s.state != qcActive {
		return
	}
	s.mask |= mask
	p.completeQC(s)
	p.dispatch()
}

// CompleteMany completes every command of link that is no longer in
// active. A tag reported active that the port does not consider active
// freezes the port.
func (p *Port) CompleteMany(link int, active uint64) (int, error) {
	p.mutex.Lock()
	defer p.unlock()
	l := p.Link(link)
	if l == nil {
		return 0, pkg.ErrInvalidParameter
	}

	var prev uint64
	for _, s := range p.slots {
		if (s.state == qcActive || s.state == qcFailed) && s.dev.physLink() == l {
			prev |= s.bit()
		}
	}
	done := prev ^ active
	if done&active != 0 {
		pkg.LogError(pkg.ComponentCommand, "illegal qc_active transition",
			"link", l, "prev", prev, "active", active)
		l.eh.ErrMask |= transport.ErrHSM
		l.eh.Action |= ActionReset
		l.eh.Push("illegal qc_active transition (%08x->%08x)", prev, active)
		p.freezeLocked()
		return 0, pkg.ErrIllegalTransition
	}

	n := 0
	for done != 0 {
		tag := transport.Tag(bits.TrailingZeros64(done))
		done &^= 1 << uint(tag)
		if s := p.slots[tag]; s.state == qcActive {
			p.completeQC(s)
			n++
		}
	}
	p.dispatch()
	return n, nil
}

// ReportError records an asynchronous error on link and either freezes
// the port or aborts the commands of the link.
func (p *Port) ReportError(link int, rep transport.ErrorReport) {
	p.mutex.Lock()
	defer p.unlock()
	l := p.Link(link)
	if l == nil {
		return
	}
	l.eh.ErrMask |= rep.Mask
	l.eh.SError |= rep.SError
	if rep.Reset {
		l.eh.Action |= ActionReset
	}
	if rep.Hotplug {
		l.eh.hotplugged()
	}
	if rep.Desc != "" {
		l.eh.Push("%s", rep.Desc)
	}
	if rep.Freeze {
		p.freezeLocked()
	} else {
		p.abortLocked(l)
	}
}

// Hotplug reports a device arrival or removal on link.
func (p *Port) Hotplug(link int) {
	p.mutex.Lock()
	defer p.unlock()
	l := p.Link(link)
	if l == nil {
		return
	}
	pkg.LogInfo(pkg.ComponentPort, "hotplug", "link", l)
	l.eh.hotplugged()
	l.eh.Push("hotplug")
	p.freezeLocked()
}

// Caller-facing error handling control

// ScheduleEH requests an error handling pass.
func (p *Port) ScheduleEH() {
	p.mutex.Lock()
	defer p.unlock()
	p.scheduleEHLocked()
}

// Abort fails the active commands of link, or of the whole port when link
// is negative, and schedules error handling. It returns the number of
// commands aborted.
func (p *Port) Abort(link int) int {
	p.mutex.Lock()
	defer p.unlock()
	var l *Link
	if link >= 0 {
		if l = p.Link(link); l == nil {
			return 0
		}
	}
	return p.abortLocked(l)
}

// Freeze stops command delivery, aborts every active command and
// schedules error handling.
func (p *Port) Freeze() int {
	p.mutex.Lock()
	defer p.unlock()
	return p.freezeLocked()
}

// WaitEH blocks until no error handling is pending or running.
func (p *Port) WaitEH(ctx context.Context) error {
	p.mutex.Lock()
	if p.flags&(portEHPending|portEHRunning) == 0 {
		p.mutex.Unlock()
		return nil
	}
	if !p.host.isRunning() {
		p.mutex.Unlock()
		return pkg.ErrNotRunning
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mutex.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Locked state transitions

func (p *Port) scheduleEHLocked() {
	p.setEHPending(true)
}

// setEHPending marks error handling pending. With fastdrain, commands in
// flight get a grace interval to complete before they are timed out.
func (p *Port) setEHPending(fastdrain bool) {
	if p.flags&portEHPending != 0 {
		return
	}
	p.flags |= portEHPending
	if !fastdrain {
		return
	}
	cnt := p.nrInFlight()
	if cnt == 0 {
		return
	}
	p.fastDrainCnt = cnt
	p.armFastDrain()
}

func (p *Port) armFastDrain() {
	p.fastDrainSeq++
	seq := p.fastDrainSeq
	p.fastDrainTimer = p.clk.AfterFunc(p.cfg.FastDrainInterval, func() { p.fastDrainExpired(seq) })
}

func (p *Port) stopFastDrain() {
	p.fastDrainSeq++
	if p.fastDrainTimer != nil {
		p.fastDrainTimer.Stop()
		p.fastDrainTimer = nil
	}
}

func (p *Port) fastDrainExpired(seq uint64) {
	p.mutex.Lock()
	defer p.unlock()
	if seq != p.fastDrainSeq || p.flags&portEHPending == 0 {
		return
	}
	p.fastDrainTimer = nil
	cnt := p.nrInFlight()
	if cnt == 0 {
		return
	}
	if cnt == p.fastDrainCnt {
		pkg.LogWarn(pkg.ComponentEH, "fast drain made no progress", "port", p.index, "inflight", cnt)
		for _, s := range p.slots[:p.info.QueueDepth] {
			if s.state == qcActive {
				s.mask |= transport.ErrTimeout
			}
		}
		p.freezeLocked()
		return
	}
	p.fastDrainCnt = cnt
	p.armFastDrain()
}

// abortLocked fails the active commands of l, or of every link when l is
// nil. Internal commands complete directly. Error handling is scheduled
// even when nothing was aborted.
func (p *Port) abortLocked(l *Link) int {
	p.setEHPending(false)
	n := 0
	for _, s := range p.slots {
		if s.state != qcActive {
			continue
		}
		if l != nil && s.dev.physLink() != l {
			continue
		}
		s.flags |= qcAborted
		if s.internal {
			p.completeQC(s)
		} else {
			s.stopTimer()
			s.result = p.ops.ReadResult(&s.wire)
			s.state = qcFailed
		}
		n++
	}
	if n == 0 {
		p.scheduleEHLocked()
	}
	return n
}

// freezeLocked freezes the port and aborts everything in flight.
func (p *Port) freezeLocked() int {
	p.freezeHW()
	return p.abortLocked(nil)
}

// freezeHW stops the controller from delivering events for the port.
func (p *Port) freezeHW() {
	if p.flags&portFrozen != 0 {
		return
	}
	p.ops.Freeze(p.index)
	p.flags |= portFrozen
	p.host.metrics.frozen(p.index, true)
	pkg.LogDebug(pkg.ComponentPort, "port frozen", "port", p.index)
}

func (p *Port) thawLocked() {
	if p.flags&portFrozen == 0 {
		return
	}
	p.ops.Thaw(p.index)
	p.flags &^= portFrozen
	p.host.metrics.frozen(p.index, false)
	pkg.LogDebug(pkg.ComponentPort, "port thawed", "port", p.index)
}

// EH-side helpers, called only from the worker

// freeze freezes the port without aborting anything. Only error
// handling, which owns every failed command, may use it.
func (p *Port) freeze() {
	p.mutex.Lock()
	defer p.unlock()
	p.freezeHW()
}

func (p *Port) thaw() {
	p.mutex.Lock()
	defer p.unlock()
	p.thawLocked()
}

func (p *Port) frozen() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flags&portFrozen != 0
}

func (p *Port) unloading() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flags&portUnloading != 0
}

// acquire takes EH ownership of the host.
func (p *Port) acquire(ctx context.Context) error {
	if p.owned {
		return nil
	}
	if err := p.host.ehSem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.owned = true
	return nil
}

func (p *Port) release() {
	if p.owned {
		p.owned = false
		p.host.ehSem.Release(1)
	}
}

// ehSleep sleeps without holding EH ownership.
func (p *Port) ehSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	p.release()
	err := p.clk.Sleep(ctx, d)
	if aerr := p.acquire(ctx); err == nil {
		err = aerr
	}
	return err
}

// Worker

// run is the EH worker of the port.
func (p *Port) run(ctx context.Context) {
	defer p.host.wg.Done()
	for {
		for ctx.Err() == nil && p.ready() {
			p.handle(ctx)
		}
		p.mutex.Lock()
		unloaded := p.flags&portUnloaded != 0
		p.mutex.Unlock()
		if unloaded {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// ready reports whether a pass can start: EH is pending and no ordinary
// command is still running on the hardware.
func (p *Port) ready() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flags&portEHPending != 0 && (p.flags&portFrozen != 0 || p.nrInFlight() == 0)
}

// handle runs error handling until no more is pending or the repeat budget
// is used up.
func (p *Port) handle(ctx context.Context) {
	if err := p.acquire(ctx); err != nil {
		return
	}
	defer p.release()

	tries := p.cfg.EHMaxRepeat
	p.mutex.Lock()
	p.stopFastDrain()
	for {
		p.episode = uuid.New()
		for _, l := range p.links {
			ehc := Context{Info: l.eh}
			for _, d := range p.linkDevices(l) {
				if !d.enabled() {
					continue
				}
				ehc.savedXferMode[d.index] = d.xferMode
				if d.ncqEnabled() {
					ehc.savedNCQ |= 1 << uint(d.index)
				}
			}
			l.ehc = ehc
			l.eh = Info{}
		}
		p.flags |= portEHRunning
		p.flags &^= portEHPending
		p.phase = PhaseQuiesce
		unloading := p.flags&portUnloading != 0
		episode := p.episode
		p.mutex.Unlock()

		p.host.metrics.ehPass()
		pkg.LogDebug(pkg.ComponentEH, "pass start", "port", p.index, "episode", episode)
		if unloading {
			p.unload()
		} else {
			p.setPhase(PhaseAutopsy)
			p.autopsy(ctx)
			p.setPhase(PhaseReport)
			p.report()
			if err := p.recover(ctx); err != nil {
				for _, d := range p.devices {
					d.disable()
				}
			}
		}
		p.setPhase(PhaseResume)
		p.finish()

		p.mutex.Lock()
		if p.flags&portEHPending == 0 {
			break
		}
		if tries--; tries > 0 {
			continue
		}
		pkg.LogError(pkg.ComponentEH, "EH pending after repeated tries, giving up",
			"port", p.index, "tries", p.cfg.EHMaxRepeat)
		p.flags &^= portEHPending
		break
	}

	for _, l := range p.links {
		l.eh = Info{}
	}
	p.flags &^= portEHRunning
	p.phase = PhaseIdle
	if p.flags&portUnloading != 0 {
		p.flags |= portUnloaded
	} else {
		// Paths that give up early leave the port frozen.
		p.thawLocked()
	}
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.dispatch()
	p.unlock()
	pkg.LogDebug(pkg.ComponentEH, "pass end", "port", p.index)
}

// linkDevices returns the devices whose error handling state lives on l:
// every device for the host link, none for a slave link.
func (p *Port) linkDevices(l *Link) []*Device {
	if l.index != 0 {
		return nil
	}
	return p.devices
}
