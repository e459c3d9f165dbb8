package ata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

type resetKind int

const (
	resetNone resetKind = iota
	resetSoft
	resetHard
)

func (k resetKind) String() string {
	switch k {
	case resetSoft:
		return "soft"
	case resetHard:
		return "hard"
	default:
		return "none"
	}
}

// debounceFor selects the debounce timing for reset attempt try of l.
func (p *Port) debounceFor(l *Link, try int) Debounce {
	hot := (l.ehc.Flags|p.hostLink().ehc.Flags)&InfoHotplugged != 0
	switch {
	case hot && try == 0:
		return p.cfg.Debounce.Hotplug
	case hot, l.flags&LinkDebounceLong != 0:
		return p.cfg.Debounce.Long
	default:
		return p.cfg.Debounce.Normal
	}
}

// stdPrereset resumes the link ahead of a soft reset and drops the soft
// reset when nothing is attached. The transport hook runs last.
func (p *Port) stdPrereset(ctx context.Context, l *Link, deadline time.Time) error {
	ehc := &l.ehc
	if ehc.Action&ActionHardReset == 0 {
		if l.scrValid() {
			err := l.resume(ctx, p.debounceFor(l, 0), deadline)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil && !errors.Is(err, pkg.ErrNotSupported) {
				pkg.LogWarn(pkg.ComponentReset, "failed to resume link for reset", "link", l, "err", err)
			}
		}
		if l.offline() {
			ehc.Action &^= ActionSoftReset
		}
	}
	return p.ops.PreReset(ctx, l.Ref(), deadline)
}

// followupSoftResetNeeded reports whether a hard reset must be followed by
// a soft reset before the devices can be classified.
func (p *Port) followupSoftResetNeeded(l *Link, res transport.ResetResult, err error) bool {
	if errors.Is(err, pkg.ErrRetry) {
		return true
	}
	if p.info.Flags&transport.PortPMP != 0 && l.index == 0 {
		return true
	}
	if res.Online {
		for _, c := range res.Classes {
			if c == transport.ClassUnknown {
				return true
			}
		}
	}
	return false
}

// doReset runs one reset method on l and records the device classes it
// reports. After a hard reset of a serial link the link must settle
// within the deadline or ErrUnstable is returned.
func (p *Port) doReset(ctx context.Context, l *Link, kind resetKind, deadline time.Time, clear bool, try int) (transport.ResetResult, error) {
	classes := &p.hostLink().ehc.classes
	devs := p.physDevices(l)
	if clear {
		for _, d := range devs {
			classes[d.index] = transport.ClassUnknown
		}
	}

	var res transport.ResetResult
	var err error
	if kind == resetHard {
		// A lowered speed ceiling only takes effect on the next hard reset.
		if changed, serr := l.configureSpeed(); serr == nil && changed {
			pkg.LogDebug(pkg.ComponentReset, "speed ceiling applied", "link", l,
				"limit", transport.SpeedString(l.SpeedLimit()))
		}
		res, err = p.ops.HardReset(ctx, l.Ref(), deadline)
	} else {
		res, err = p.ops.SoftReset(ctx, l.Ref(), deadline)
	}
	p.host.metrics.reset(kind.String(), err)
	if err != nil {
		return res, err
	}

	for i, d := range devs {
		if res.Classes != nil {
			if i < len(res.Classes) {
				classes[d.index] = res.Classes[i]
			}
			continue
		}
		classes[d.index] = p.ops.Classify(d.Ref())
	}

	if kind == resetHard && res.Online && l.scrValid() {
		if err := l.debounce(ctx, p.debounceFor(l, try), deadline); err != nil {
			return res, err
		}
	}
	return res, nil
}

// stdPostreset settles the port after a successful reset: records link
// speeds, thaws the port, clears latched link errors and normalizes the
// device classes. It returns the number of devices whose link is up but
// whose class is unknown.
func (p *Port) stdPostreset(lflags LinkFlag) int {
	host, slave := p.hostLink(), p.slaveLink()
	classes := &host.ehc.classes

	p.mutex.Lock()
	for _, d := range p.devices {
		d.pioMode = xfer.PIO0
		d.flags &^= devSleeping
	}
	p.mutex.Unlock()
	for _, d := range p.devices {
		if d.physLink().offline() {
			continue
		}
		if lflags&LinkAssumeATA != 0 {
			classes[d.index] = transport.ClassATA
		}
	}

	links := []*Link{host}
	if slave != nil {
		links = append(links, slave)
	}
	for _, l := range links {
		if st, err := l.scrRead(transport.SCRStatus); err == nil {
			p.mutex.Lock()
			l.spd = transport.SStatusSPD(st)
			p.mutex.Unlock()
		}
	}

	p.thaw()

	for _, l := range links {
		p.ops.PostReset(l.Ref(), classes[:len(p.devices)])
		if serr, err := l.scrRead(transport.SCRError); err == nil && serr != 0 {
			_ = l.scrWrite(transport.SCRError, serr)
		}
		if st, err := l.scrRead(transport.SCRStatus); err == nil {
			sc, _ := l.scrRead(transport.SCRControl)
			if transport.SStatusOnline(st) {
				pkg.LogInfo(pkg.ComponentLink, "SATA link up", "link", l,
					"speed", transport.SpeedString(transport.SStatusSPD(st)),
					"sstatus", fmt.Sprintf("%03x", st), "scontrol", fmt.Sprintf("%03x", sc))
			} else {
				pkg.LogInfo(pkg.ComponentLink, "SATA link down", "link", l,
					"sstatus", fmt.Sprintf("%03x", st), "scontrol", fmt.Sprintf("%03x", sc))
			}
		}
	}

	p.mutex.Lock()
	host.eh.SError = 0
	if slave != nil {
		slave.eh.SError = 0
	}
	p.mutex.Unlock()

	unknown := 0
	for _, d := range p.devices {
		pl := d.physLink()
		c := &classes[d.index]
		switch {
		case pl.online():
			if *c == transport.ClassUnknown {
				pkg.LogDebug(pkg.ComponentReset, "link online but device misclassified", "dev", d)
				*c = transport.ClassNone
				unknown++
			}
		case pl.offline():
			if c.IsEnabled() {
				pkg.LogDebug(pkg.ComponentReset, "link offline, clearing class", "dev", d, "class", *c)
			}
			*c = transport.ClassNone
		case *c == transport.ClassUnknown:
			*c = transport.ClassNone
		}
	}
	return unknown
}

// reset resets the host link, and the slave link with it, escalating
// through the reset timeout table until the devices are classified or the
// table is exhausted. Hard reset is preferred. The port is frozen for the
// duration of every attempt.
func (p *Port) reset(ctx context.Context, classify bool) error {
	l, slave := p.hostLink(), p.slaveLink()
	ehc := &l.ehc
	classes := &ehc.classes
	verbose := ehc.Flags&InfoQuiet == 0
	maxTries := len(p.cfg.ResetTimeouts)
	lflags := l.flags
	hard := p.ops.HasHardReset() && lflags&LinkNoHardReset == 0
	soft := p.ops.HasSoftReset() && lflags&LinkNoSoftReset == 0

	defer func() {
		ehc.Flags &^= InfoHotplugged
		if slave != nil {
			slave.ehc.Flags &^= InfoHotplugged
		}
	}()

	if !l.lastReset.IsZero() {
		if wait := l.lastReset.Add(p.cfg.ResetCoolDown).Sub(p.clk.Now()); wait > 0 {
			if err := p.ehSleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	p.aboutToDo(l, nil, ActionReset)

	for _, d := range p.devices {
		p.mutex.Lock()
		d.pioMode = xfer.PIO0
		d.dmaMode = xfer.ModeNone
		p.mutex.Unlock()
		if err := p.ops.SetPIOMode(d.Ref(), xfer.PIO0); err != nil {
			pkg.LogDebug(pkg.ComponentReset, "failed to set controller PIO0 timing", "dev", d, "err", err)
		}
	}

	kind := resetNone
	ehc.Action &^= ActionReset
	switch {
	case hard:
		kind = resetHard
		ehc.Action |= ActionHardReset
	case soft:
		kind = resetSoft
		ehc.Action |= ActionSoftReset
	}

	preDeadline := p.clk.Now().Add(p.cfg.PreResetTimeout)
	if slave != nil {
		slave.ehc.Action &^= ActionReset
		slave.ehc.Action |= ehc.Action
	}
	err := p.stdPrereset(ctx, l, preDeadline)
	if slave != nil && (err == nil || errors.Is(err, pkg.ErrNotPresent)) {
		if serr := p.stdPrereset(ctx, slave, preDeadline); !errors.Is(serr, pkg.ErrNotPresent) {
			err = serr
		}
		ehc.Action |= slave.ehc.Action
	}
	if err != nil {
		if !errors.Is(err, pkg.ErrNotPresent) {
			pkg.LogError(pkg.ComponentReset, "prereset failed", "link", l, "err", err)
			return fmt.Errorf("prereset: %w", err)
		}
		pkg.LogDebug(pkg.ComponentReset, "port disabled, ignoring", "link", l)
		ehc.Action &^= ActionReset
		for i := range classes {
			classes[i] = transport.ClassNone
		}
		return nil
	}
	if kind != resetNone && ehc.Action&ActionReset == 0 {
		for i := range classes {
			classes[i] = transport.ClassNone
		}
		p.thaw()
		return nil
	}

	try := 0
	for {
		p.freeze()
		now := p.clk.Now()
		deadline := now.Add(p.cfg.ResetTimeouts[try])
		attempt := try
		try++

		var failed *Link
		if kind != resetNone {
			if verbose {
				pkg.LogInfo(pkg.ComponentReset, "resetting link", "link", l, "kind", kind, "try", try)
			}
			l.lastReset = now
			if kind == resetHard {
				ehc.Flags |= InfoDidHardReset
			} else {
				ehc.Flags |= InfoDidSoftReset
			}

			var res transport.ResetResult
			res, err = p.doReset(ctx, l, kind, deadline, true, attempt)
			if err != nil && !errors.Is(err, pkg.ErrRetry) {
				failed = l
			}

			if failed == nil && slave != nil && kind == resetHard {
				if verbose {
					pkg.LogInfo(pkg.ComponentReset, "resetting link", "link", slave, "kind", kind, "try", try)
				}
				p.aboutToDo(slave, nil, ActionReset)
				_, serr := p.doReset(ctx, slave, kind, deadline, false, attempt)
				switch {
				case errors.Is(serr, pkg.ErrRetry):
					err = serr
				case serr != nil:
					failed, err = slave, serr
				}
			}

			if failed == nil && kind == resetHard && p.followupSoftResetNeeded(l, res, err) {
				if !soft {
					pkg.LogError(pkg.ComponentReset, "follow-up softreset required but no softreset available", "link", l)
					failed, err = l, pkg.ErrInvalid
				} else {
					pkg.LogDebug(pkg.ComponentReset, "follow-up softreset", "link", l)
					p.aboutToDo(l, nil, ActionReset)
					ehc.Flags |= InfoDidSoftReset
					if _, err = p.doReset(ctx, l, resetSoft, deadline, true, attempt); err != nil {
						failed = l
					}
				}
			}
		} else {
			if verbose {
				pkg.LogInfo(pkg.ComponentReset, "no reset method available, skipping reset", "link", l)
			}
			lflags |= LinkAssumeATA
		}

		if failed == nil {
			unknown := p.stdPostreset(lflags)
			if classify && unknown > 0 {
				if try < maxTries {
					pkg.LogWarn(pkg.ComponentReset, "link online but devices misclassified, retrying",
						"link", l, "count", unknown)
					failed, err = l, pkg.ErrRetry
				} else {
					pkg.LogWarn(pkg.ComponentReset, "link online but devices misclassified, device detection might fail",
						"link", l, "count", unknown)
				}
			}
		}

		if failed == nil {
			p.markDone(l, nil, ActionReset)
			if slave != nil {
				p.markDone(slave, nil, ActionReset)
			}
			l.lastReset = p.clk.Now()
			ehc.Action |= ActionRevalidate
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if try >= maxTries {
			p.thaw()
			pkg.LogWarn(pkg.ComponentReset, "reset failed, giving up", "link", l, "kind", kind, "err", err)
			return fmt.Errorf("%s reset: %w", kind, err)
		}

		if delta := deadline.Sub(p.clk.Now()); delta > 0 {
			pkg.LogWarn(pkg.ComponentReset, "reset failed, retrying",
				"link", failed, "err", err, "in", delta.Round(time.Second))
			if serr := p.ehSleep(ctx, delta); serr != nil {
				return serr
			}
		}

		if try == maxTries-1 {
			_ = l.downSpeedLimit(0)
			if slave != nil {
				_ = slave.downSpeedLimit(0)
			}
		} else {
			_ = failed.downSpeedLimit(0)
		}
		if hard {
			kind = resetHard
		}
	}
}
