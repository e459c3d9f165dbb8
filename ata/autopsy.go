package ata

import (
	"context"
	"errors"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

// analyzeSError folds the link error register into the pending action.
func (i *Info) analyzeSError() {
	var mask transport.ErrMask
	var action Action
	s := i.SError
	if s&(transport.SErrPersistent|transport.SErrData) != 0 {
		mask |= transport.ErrATABus
		action |= ActionReset
	}
	if s&transport.SErrProtocol != 0 {
		mask |= transport.ErrHSM
		action |= ActionReset
	}
	if s&transport.SErrInternal != 0 {
		mask |= transport.ErrSystem
		action |= ActionReset
	}
	if s&(transport.SErrPHYRdyChg|transport.SErrDevXchg) != 0 {
		i.hotplugged()
	}
	i.ErrMask |= mask
	i.Action |= action
}

// analyzeTaskfile classifies the final registers of a failed command of
// a device of class. needSense is set when a packet device reported a
// check condition whose sense data should be fetched.
func analyzeTaskfile(class transport.Class, res transport.Taskfile) (mask transport.ErrMask, action Action, needSense bool) {
	st := res.Status
	if st&(transport.StatusBusy|transport.StatusDRQ|transport.StatusDRDY) != transport.StatusDRDY {
		return transport.ErrHSM, ActionReset, false
	}
	if st&(transport.StatusErr|transport.StatusDF) == 0 {
		return 0, 0, false
	}
	mask = transport.ErrDev
	switch class {
	case transport.ClassATA:
		er := res.Error
		if er&transport.ErrorICRC != 0 {
			mask |= transport.ErrATABus
		}
		if er&(transport.ErrorUNC|transport.ErrorAMNF) != 0 {
			mask |= transport.ErrMedia
		}
		if er&transport.ErrorIDNF != 0 {
			mask |= transport.ErrInvalid
		}
	case transport.ClassATAPI:
		needSense = true
	}
	if mask&(transport.ErrHSM|transport.ErrTimeout|transport.ErrATABus) != 0 {
		action |= ActionReset
	}
	return mask, action, needSense
}

// Sense keys.
const (
	senseUnitAttention = 0x06
)

// analyzeQC classifies a failed command and returns the action it needs.
func (p *Port) analyzeQC(ctx context.Context, s *slot) Action {
	mask, action, needSense := analyzeTaskfile(s.dev.class, s.result)
	s.mask |= mask
	if needSense && !p.frozen() {
		sense := make([]byte, len(s.sense))
		if m := p.requestSense(ctx, s.dev, sense); m == 0 {
			copy(s.sense[:], sense)
			s.flags |= qcSenseValid
		} else {
			s.mask |= m
		}
	}
	if s.flags&qcSenseValid != 0 && s.sense[2]&0x0f == senseUnitAttention {
		s.flags |= qcRetry
		s.mask |= transport.ErrOther
	}
	if s.mask&(transport.ErrHSM|transport.ErrTimeout|transport.ErrATABus) != 0 {
		action |= ActionReset
	}
	return action
}

// worthRetry reports whether a failed command should be issued again.
func (s *slot) worthRetry() bool {
	switch {
	case s.mask&transport.ErrMedia != 0:
		return false
	case s.flags&qcIO != 0:
		return true
	case s.mask&transport.ErrInvalid != 0:
		return false
	}
	return s.mask != transport.ErrDev
}

// failedOn returns the failed commands of devices physically on l.
func (p *Port) failedOn(l *Link) []*slot {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var out []*slot
	for _, s := range p.slots {
		if s.state == qcFailed && s.dev.physLink() == l {
			out = append(out, s)
		}
	}
	return out
}

// physDevices returns the devices physically attached to l.
func (p *Port) physDevices(l *Link) []*Device {
	if len(p.links) > 1 {
		return p.devices[l.index : l.index+1]
	}
	return p.devices
}

// analyzeNCQ reads the NCQ error log to find which queued command the
// device failed. It is skipped when the port is frozen, nothing was
// queued, or the failed command is already known.
func (p *Port) analyzeNCQ(ctx context.Context, l *Link) {
	ehc := &l.ehc
	if p.frozen() || ehc.ErrMask&transport.ErrDev == 0 || p.info.Flags&transport.PortNoLog != 0 {
		return
	}
	p.mutex.Lock()
	sactive := l.sactive
	p.mutex.Unlock()
	if sactive == 0 {
		return
	}
	failed := p.failedOn(l)
	for _, s := range failed {
		if s.mask != 0 {
			return
		}
	}
	var dev *Device
	for _, d := range p.physDevices(l) {
		if d.enabled() {
			dev = d
			break
		}
	}
	if dev == nil {
		return
	}

	buf := make([]byte, 512)
	if mask := p.readLogPage(ctx, dev, transport.LogSATANCQ, buf); mask != 0 {
		pkg.LogError(pkg.ComponentEH, "failed to read log page 10h", "dev", dev, "mask", mask.Names())
		return
	}
	var csum byte
	for _, b := range buf {
		csum += b
	}
	if csum != 0 {
		pkg.LogWarn(pkg.ComponentEH, "invalid checksum on log page 10h", "dev", dev, "csum", csum)
	}
	if buf[0]&0x80 != 0 {
		pkg.LogError(pkg.ComponentEH, "log page 10h reports no queued error", "dev", dev)
		return
	}
	tag := transport.Tag(buf[0] & 0x1f)
	if sactive&(1<<uint(tag)) == 0 {
		pkg.LogError(pkg.ComponentEH, "log page 10h reported inactive tag", "dev", dev, "tag", tag)
		return
	}

	s := p.slots[tag]
	s.result.Status = buf[2]
	s.result.Error = buf[3]
	s.result.LBA = uint64(buf[4]) | uint64(buf[5])<<8 | uint64(buf[6])<<16 |
		uint64(buf[8])<<24 | uint64(buf[9])<<32 | uint64(buf[10])<<40
	s.result.Device = buf[7]
	s.result.Count = uint16(buf[12]) | uint16(buf[13])<<8
	s.mask |= transport.ErrDev | transport.ErrNCQ
	ehc.ErrMask &^= transport.ErrDev
}

// linkAutopsy analyzes the failures of one link and decides the recovery
// action.
func (p *Port) linkAutopsy(ctx context.Context, l *Link) {
	ehc := &l.ehc
	if ehc.Flags&InfoNoAutopsy != 0 {
		return
	}

	serr, err := l.scrRead(transport.SCRError)
	switch {
	case err == nil:
		ehc.SError |= serr
		ehc.analyzeSError()
	case !errors.Is(err, pkg.ErrNotSupported):
		ehc.DiscoverMask |= allDevices
		ehc.Action |= ActionReset
		ehc.ErrMask |= transport.ErrOther
	}

	p.analyzeNCQ(ctx, l)

	if ehc.ErrMask&^transport.ErrOther != 0 {
		ehc.ErrMask &^= transport.ErrOther
	}
	allMask := ehc.ErrMask

	var eflags uint32
	nrFailed, nrQuiet := 0, 0
	for _, s := range p.failedOn(l) {
		s.mask |= ehc.ErrMask
		ehc.Action |= p.analyzeQC(ctx, s)

		if s.mask&transport.ErrATABus != 0 {
			s.mask &^= transport.ErrDev | transport.ErrMedia | transport.ErrInvalid
		}
		if s.mask&^transport.ErrOther != 0 {
			s.mask &^= transport.ErrOther
		}
		if s.flags&qcSenseValid != 0 {
			s.mask &^= transport.ErrDev | transport.ErrOther
		}
		if s.worthRetry() {
			s.flags |= qcRetry
		}

		ehc.Dev = s.dev
		allMask |= s.mask
		if s.flags&qcIO != 0 {
			eflags |= eflagIsIO
		}
		nrFailed++
		if s.flags&qcQuiet != 0 {
			nrQuiet++
		}
	}

	if p.frozen() || allMask&(transport.ErrHSM|transport.ErrTimeout|transport.ErrATABus) != 0 {
		ehc.Action |= ActionReset
	} else if (eflags&eflagIsIO != 0 && allMask != 0) ||
		(eflags&eflagIsIO == 0 && allMask&^transport.ErrDev != 0) {
		ehc.Action |= ActionRevalidate
	}

	if ehc.Dev != nil {
		ehc.DevAction[ehc.Dev.index] |= ehc.Action & actionPerDev
		ehc.Action &^= actionPerDev
	}

	if allMask&transport.ErrTimeout != 0 && l.index != 0 {
		p.hostLink().ehc.ErrMask |= transport.ErrTimeout
	}

	dev := ehc.Dev
	if devs := p.physDevices(l); dev == nil && len(devs) == 1 && devs[0].enabled() {
		dev = devs[0]
	}
	if dev != nil {
		if dev.Dubious() {
			eflags |= eflagDubiousXfer
		}
		action, err := p.speedDown(dev, eflags, allMask)
		ehc.Action |= action
		if errors.Is(err, pkg.ErrNoDowngrade) {
			ehc.spdnFailed |= 1 << uint(dev.index)
		}
	}

	if nrQuiet == nrFailed {
		ehc.Flags |= InfoQuiet
	}
}

// autopsy analyzes every link. The slave link is analyzed like the host
// link, but its actions are carried out from the host link.
func (p *Port) autopsy(ctx context.Context) {
	host := p.hostLink()
	p.linkAutopsy(ctx, host)

	sl := p.slaveLink()
	if sl == nil {
		return
	}
	mehc, sehc := &host.ehc, &sl.ehc
	sehc.Flags |= mehc.Flags & infoToSlave
	p.linkAutopsy(ctx, sl)

	p.aboutToDo(sl, nil, actionAll)
	mehc.Action |= sehc.Action
	mehc.DevAction[1] |= sehc.DevAction[1]
	mehc.Flags |= sehc.Flags
	mehc.DiscoverMask |= sehc.DiscoverMask
	mehc.spdnFailed |= sehc.spdnFailed
	p.markDone(sl, nil, actionAll)
	sehc.DiscoverMask = 0
}
