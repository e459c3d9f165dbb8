package ata

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

var errCheckCondition = fmt.Errorf("check condition: %w", pkg.ErrIO)

func devIndex(dev *Device) int {
	if dev == nil {
		return -1
	}
	return dev.index
}

// aboutToDo withdraws action from the requests of l before the worker
// performs it. Requests raised after this point start another pass.
func (p *Port) aboutToDo(l *Link, dev *Device, action Action) {
	p.mutex.Lock()
	l.eh.clearAction(devIndex(dev), action)
	p.mutex.Unlock()
}

// markDone marks action performed in the pass context of l.
func (p *Port) markDone(l *Link, dev *Device, action Action) {
	l.ehc.clearAction(devIndex(dev), action)
}

// detachDev disables dev and forgets its per-device requests.
func (p *Port) detachDev(dev *Device) {
	dev.disable()

	ehc := &p.hostLink().ehc
	p.mutex.Lock()
	announced := dev.flags&devAttached != 0
	dev.flags &^= devAttached
	dev.physLink().eh.clearAction(dev.index, actionPerDev)
	ehc.clearAction(dev.index, actionPerDev)
	ehc.savedXferMode[dev.index] = xfer.ModeNone
	ehc.savedNCQ &^= 1 << uint(dev.index)
	p.mutex.Unlock()

	if announced {
		pkg.LogInfo(pkg.ComponentDevice, "device detached", "dev", dev)
		p.host.notifyDetach(dev)
	}
}

// scheduleDiscover prepares dev for discovery if one was requested and
// has not yet been done in this pass. Consecutive discoveries are counted in
// the error ring; too many within the trial interval force the link down
// to the slowest speed.
func (p *Port) scheduleDiscover(dev *Device) bool {
	ehc := &p.hostLink().ehc
	bit := uint32(1) << uint(dev.index)
	if ehc.DiscoverMask&bit == 0 || ehc.didDiscoverMask&bit != 0 {
		return false
	}
	p.detachDev(dev)

	p.mutex.Lock()
	dev.reinit()
	ehc.didDiscoverMask |= bit
	ehc.Action |= ActionReset
	ehc.savedXferMode[dev.index] = xfer.ModeNone
	ehc.savedNCQ &^= bit
	now := p.clk.Now()
	dev.ering.record(0, transport.ErrOther, now)
	trials := dev.ering.countSince(now.Add(-p.cfg.DiscoverTrialInterval))
	p.mutex.Unlock()

	if trials > p.cfg.DiscoverTrials {
		_ = dev.physLink().downSpeedLimit(1)
	}
	return true
}

// skipRecovery reports whether the link needs no recovery at all.
func (p *Port) skipRecovery(l *Link) bool {
	ehc := &l.ehc
	if l.Flags()&LinkDisabled != 0 || ehc.Flags&InfoNoRecovery != 0 {
		return true
	}
	if p.frozen() {
		return false
	}
	for _, d := range p.devices {
		if d.enabled() {
			return false
		}
	}
	if ehc.Action&ActionReset != 0 && ehc.Flags&InfoDidReset == 0 {
		return false
	}
	for _, d := range p.devices {
		if d.class == transport.ClassUnknown && ehc.classes[d.index] != transport.ClassNone {
			return false
		}
	}
	return true
}

func (p *Port) nrVacant() int {
	n := 0
	for _, d := range p.devices {
		if d.class == transport.ClassUnknown {
			n++
		}
	}
	return n
}

// handleDevFail charges a recovery failure to dev. It returns true when
// the device ran out of tries and was disabled.
func (p *Port) handleDevFail(dev *Device, err error) bool {
	ehc := &p.hostLink().ehc
	i := dev.index
	if !errors.Is(err, pkg.ErrRetry) {
		ehc.tries[i]--
	}

	switch {
	case errors.Is(err, pkg.ErrNoDevice):
		ehc.DiscoverMask |= 1 << uint(i)
		fallthrough
	case errors.Is(err, pkg.ErrInvalid):
		ehc.tries[i] = min(ehc.tries[i], 1)
		fallthrough
	case errors.Is(err, pkg.ErrIO):
		if ehc.tries[i] == 1 {
			// Last chance: slow down rather than lose the device.
			_ = dev.physLink().downSpeedLimit(0)
			if dev.pioMode.IsPIO() && dev.pioMode > xfer.PIO0 {
				_ = dev.downXferMask(xfer.StepPIO, false)
			}
		}
	}

	if dev.enabled() && ehc.tries[i] <= 0 {
		dev.disable()
		if dev.physLink().offline() {
			p.detachDev(dev)
		}
		if p.scheduleDiscover(dev) {
			ehc.tries[i] = p.cfg.DevTries
			ehc.timeoutIdx[i] = [nrTimeoutClasses]int{}
		}
		return true
	}
	ehc.Action |= ActionReset
	return false
}

// revalidateAndAttach revalidates devices that asked for it and reads the
// IDENTIFY data of newly found ones. On failure the failing device is
// returned with the error.
func (p *Port) revalidateAndAttach(ctx context.Context) (*Device, error) {
	l := p.hostLink()
	ehc := &l.ehc
	p.setPhase(PhaseRevalidate)

	var newMask uint32
	for i := len(p.devices) - 1; i >= 0; i-- {
		dev := p.devices[i]
		action := ehc.devAction(i)
		switch {
		case action&ActionRevalidate != 0 && dev.enabled():
			if dev.physLink().offline() {
				return dev, fmt.Errorf("revalidate %s: link offline: %w", dev, pkg.ErrIO)
			}
			p.aboutToDo(l, dev, ActionRevalidate)
			if err := p.revalidate(ctx, dev, ehc.classes[i]); err != nil {
				return dev, err
			}
			p.markDone(l, dev, ActionRevalidate)
			ehc.Flags |= InfoSetMode

		case dev.class == transport.ClassUnknown && ehc.tries[i] > 0 && ehc.classes[i].IsEnabled():
			class, id, err := p.readID(ctx, dev, ehc.classes[i])
			ehc.classes[i] = class
			switch {
			case err == nil:
				p.mutex.Lock()
				dev.id = id
				dev.ering.clear()
				p.mutex.Unlock()
				newMask |= 1 << uint(i)
			case errors.Is(err, pkg.ErrNotPresent):
				p.thaw()
			default:
				return dev, err
			}
		}
	}

	if ehc.Flags&InfoDidReset != 0 {
		if c := p.ops.CableDetect(p.index); c != transport.CableUnknown {
			p.mutex.Lock()
			p.cable = c
			p.mutex.Unlock()
		}
	}

	for i, dev := range p.devices {
		if newMask&(1<<uint(i)) == 0 {
			continue
		}
		p.mutex.Lock()
		dev.class = ehc.classes[i]
		p.mutex.Unlock()
		ehc.Flags |= InfoPrintInfo
		err := p.configure(ctx, dev, true)
		ehc.Flags &^= InfoPrintInfo
		if err != nil {
			p.mutex.Lock()
			dev.class = transport.ClassUnknown
			p.mutex.Unlock()
			return dev, err
		}
		ehc.Flags |= InfoSetMode
	}
	return nil, nil
}

// xferMaskFor computes the modes dev may use: its own claims, the
// controller's, earlier downgrades, cable, quirks and force settings.
func (p *Port) xferMaskFor(dev *Device) xfer.Mask {
	mask := dev.xferMask & idXferMask(&dev.id)
	if p.info.XferMask != 0 {
		mask &= p.info.XferMask
	}
	pio, mwdma, udma := mask.Unpack()
	if p.cable == transport.Cable40 || dev.horkage&HorkageMaxUDMA33 != 0 {
		udma &= xfer.UDMAMask40C
	}
	if dev.horkage&HorkageNoDMA != 0 {
		mwdma, udma = 0, 0
	}
	mask = xfer.Pack(pio, mwdma, udma)
	for _, f := range p.cfg.forcedFor(p.index, dev.index) {
		if f.mode != xfer.ModeNone {
			mask = mask.Limit(f.mode)
		}
	}
	return mask
}

// setMode programs transfer modes on every enabled device. A device whose
// mode or queuing changed is marked dubious until it moves data cleanly.
func (p *Port) setMode(ctx context.Context) (*Device, error) {
	ehc := &p.hostLink().ehc
	p.setPhase(PhaseSetMode)

	var devs []*Device
	p.mutex.Lock()
	for _, d := range p.devices {
		if !d.enabled() {
			continue
		}
		devs = append(devs, d)
		if d.flags&devDubious == 0 {
			if e := d.ering.top(); e != nil {
				e.eflags &^= eflagDubiousXfer
			}
		}
	}
	p.mutex.Unlock()

	failed, err := p.doSetMode(ctx, devs)

	p.mutex.Lock()
	for _, d := range devs {
		if !d.enabled() {
			continue
		}
		savedNCQ := ehc.savedNCQ&(1<<uint(d.index)) != 0
		if d.xferMode != ehc.savedXferMode[d.index] || d.ncqEnabled() != savedNCQ {
			d.flags |= devDubious
		}
	}
	p.mutex.Unlock()
	return failed, err
}

func (p *Port) doSetMode(ctx context.Context, devs []*Device) (*Device, error) {
	for _, d := range devs {
		mask := p.xferMaskFor(d)
		p.mutex.Lock()
		d.xferMask = mask
		d.pioMode = (mask & xfer.MaskPIO).Highest()
		d.dmaMode = (mask & (xfer.MaskMWDMA | xfer.MaskUDMA)).Highest()
		p.mutex.Unlock()
	}

	for _, d := range devs {
		if d.pioMode == xfer.ModeNone {
			pkg.LogWarn(pkg.ComponentDevice, "no PIO support", "dev", d)
			return d, fmt.Errorf("set mode %s: no PIO support: %w", d, pkg.ErrInvalid)
		}
		p.mutex.Lock()
		d.xferMode = d.pioMode
		p.mutex.Unlock()
		if err := p.ops.SetPIOMode(d.Ref(), d.pioMode); err != nil {
			return d, fmt.Errorf("set PIO timing %s: %w", d, err)
		}
	}

	for _, d := range devs {
		if d.dmaMode == xfer.ModeNone {
			continue
		}
		p.mutex.Lock()
		d.xferMode = d.dmaMode
		p.mutex.Unlock()
		if err := p.ops.SetDMAMode(d.Ref(), d.dmaMode); err != nil {
			return d, fmt.Errorf("set DMA timing %s: %w", d, err)
		}
	}

	for _, d := range devs {
		if err := p.devSetMode(ctx, d); err != nil {
			return d, err
		}
	}
	return nil, nil
}

// devSetMode tells dev its transfer mode and revalidates it. Device
// errors are ignored for old devices known to reject the command and for
// devices already running at their native mode.
func (p *Port) devSetMode(ctx context.Context, dev *Device) error {
	ehc := &p.hostLink().ehc
	id := &dev.id

	p.mutex.Lock()
	dev.flags &^= devPIO
	if dev.xferMode.IsPIO() {
		dev.flags |= devPIO
	}
	p.mutex.Unlock()

	var mask transport.ErrMask
	note := ""
	if dev.horkage&HorkageNoSetXfer != 0 && p.info.Flags&transport.PortSATA != 0 && idIsSATA(id) {
		note = "SET_XFERMODE skipped"
	} else {
		if dev.horkage&HorkageNoSetXfer != 0 {
			pkg.LogWarn(pkg.ComponentDevice, "NOSETXFER but PATA detected, can't skip SETXFER", "dev", dev)
		}
		mask = p.setXferMode(ctx, dev)
	}
	if mask&^transport.ErrDev != 0 {
		pkg.LogError(pkg.ComponentDevice, "failed to set xfermode", "dev", dev, "mask", mask.Names())
		return fmt.Errorf("set xfermode %s: %w", dev, pkg.ErrIO)
	}

	ehc.Flags |= InfoPostSetMode
	err := p.revalidate(ctx, dev, transport.ClassUnknown)
	ehc.Flags &^= InfoPostSetMode
	if err != nil {
		return err
	}

	ignore := false
	if dev.xferMode.IsPIO() && dev.pioMode <= xfer.PIO2 {
		if idMajorVersion(id) == 0 || !idHasIORDY(id) {
			ignore = true
		}
	}
	if dev.xferMode == xfer.MWDMA0 && (id[idMWDMA]>>8)&1 != 0 {
		ignore = true
	}
	if dev.xferMode == idXferMask(id).Highest() {
		ignore = true
	}
	if mask&transport.ErrDev != 0 {
		if !ignore {
			pkg.LogError(pkg.ComponentDevice, "failed to set xfermode", "dev", dev, "mask", mask.Names())
			return fmt.Errorf("set xfermode %s: %w", dev, pkg.ErrIO)
		}
		note = "device error ignored"
	}

	if ehc.Flags&InfoQuiet == 0 || ehc.Flags&InfoDidHardReset != 0 {
		args := []any{"dev", dev, "mode", dev.xferMode}
		if note != "" {
			args = append(args, "note", note)
		}
		pkg.LogInfo(pkg.ComponentDevice, "configured", args...)
	}
	return nil
}

// announce reports newly usable devices to the host.
func (p *Port) announce() {
	for _, d := range p.devices {
		p.mutex.Lock()
		fresh := d.enabled() && d.flags&devAttached == 0
		if fresh {
			d.flags |= devAttached
		}
		p.mutex.Unlock()
		if fresh {
			p.host.notifyAttach(d)
		}
	}
}

// recover drives the port back to a usable state: reset when asked for,
// revalidate and attach devices, then program transfer modes. Each failed
// round is charged to the failing device and retried, up to EHMaxTries
// rounds. A failed reset gives up the pass.
func (p *Port) recover(ctx context.Context) error {
	l := p.hostLink()
	ehc := &l.ehc

	if ehc.Action&ActionEnableLink != 0 {
		p.aboutToDo(l, nil, ActionEnableLink)
		p.mutex.Lock()
		for _, lk := range p.links {
			lk.flags &^= LinkDisabled
		}
		p.mutex.Unlock()
		p.markDone(l, nil, ActionEnableLink)
	}

	noRetry := l.Flags()&LinkNoRetry != 0
	for i, dev := range p.devices {
		bit := uint32(1) << uint(i)
		if noRetry || ehc.spdnFailed&bit != 0 {
			ehc.tries[i] = 1
		} else {
			ehc.tries[i] = p.cfg.DevTries
		}
		ehc.Action |= ehc.DevAction[i] &^ actionPerDev
		ehc.DevAction[i] &= actionPerDev
		if !dev.enabled() {
			p.scheduleDiscover(dev)
		}
	}

	for round := 0; round < p.cfg.EHMaxTries; round++ {
		if p.unloading() {
			return nil
		}
		if p.skipRecovery(l) {
			ehc.Action = 0
		}
		for i := range ehc.classes {
			ehc.classes[i] = transport.ClassUnknown
		}

		if ehc.Action&ActionReset != 0 {
			p.setPhase(PhaseReset)
			if err := p.reset(ctx, p.nrVacant() > 0); err != nil {
				pkg.LogError(pkg.ComponentEH, "reset failed, giving up", "link", l, "err", err)
				return err
			}
		}

		dev, err := p.revalidateAndAttach(ctx)
		if err == nil && ehc.Flags&InfoSetMode != 0 {
			if dev, err = p.setMode(ctx); err == nil {
				ehc.Flags &^= InfoSetMode
			}
		}
		if err == nil {
			p.announce()
			ehc.Flags = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkg.LogDebug(pkg.ComponentEH, "recovery round failed", "port", p.index, "round", round, "dev", dev, "err", err)
		if dev != nil {
			p.handleDevFail(dev, err)
		}
	}

	pkg.LogWarn(pkg.ComponentEH, "recovery rounds exhausted", "port", p.index, "rounds", p.cfg.EHMaxTries)
	for i, dev := range p.devices {
		if dev.enabled() && ehc.tries[i] <= 0 {
			dev.disable()
		}
	}
	p.announce()
	return nil
}

// finish completes or re-queues every failed command. Commands worth
// retrying go back to the head of the queue if their device survived and
// their retry budget allows it.
func (p *Port) finish() {
	p.mutex.Lock()
	defer p.unlock()

	unloading := p.flags&portUnloading != 0
	budget := p.cfg.CommandRetries
	for i := p.info.QueueDepth - 1; i >= 0; i-- {
		s := p.slots[i]
		if s.state != qcFailed {
			continue
		}
		canRetry := s.cmd.retries < budget
		switch {
		case unloading:
			p.finishCmd(s, pkg.ErrUnloading)
		case !s.dev.enabled():
			p.finishCmd(s, pkg.ErrDisabled)
		case s.mask != 0:
			if s.flags&qcRetry != 0 && canRetry {
				p.requeue(s)
			} else {
				p.finishCmd(s, nil)
			}
		case s.flags&qcSenseValid != 0:
			if s.flags&qcRetry != 0 && canRetry {
				p.requeue(s)
			} else {
				p.finishCmd(s, errCheckCondition)
			}
		case canRetry:
			p.requeue(s)
		default:
			p.finishCmd(s, fmt.Errorf("retries exhausted: %w", pkg.ErrIO))
		}
	}

	if unloading {
		for _, s := range p.pending {
			p.finishCmd(s, pkg.ErrUnloading)
		}
		p.pending = nil
	}
}

// unload restores the link control registers, disables every device and
// leaves the port frozen for good.
func (p *Port) unload() {
	for _, l := range p.links {
		p.mutex.Lock()
		sc := l.savedSControl
		p.mutex.Unlock()
		_ = l.scrWrite(transport.SCRControl, sc&0xff0)
	}
	for _, d := range p.devices {
		p.detachDev(d)
	}
	p.mutex.Lock()
	defer p.unlock()
	p.freezeLocked()
	p.flags &^= portEHPending
	p.flags |= portUnloaded
}
