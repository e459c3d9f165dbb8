package ata

import (
	"context"
	"errors"
	"math/bits"
	"time"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

// LinkFlag configures link behaviour.
type LinkFlag uint32

// Link flags.
const (
	LinkNoHardReset LinkFlag = 1 << iota
	LinkNoSoftReset
	LinkDisabled
	LinkNoRetry
	// LinkDebounceLong selects the long debounce profile for every reset.
	LinkDebounceLong
	// LinkAssumeATA classifies every present device as ATA after reset.
	LinkAssumeATA
)

// noSpeedLimit allows every link speed.
const noSpeedLimit = ^uint32(0)

// Link is one channel of a port. Link 0 is the host link and owns every
// device of the port; link 1 is the slave link of a dual-link
// configuration, physically carrying device 1.
type Link struct {
	port  *Port
	index int
	flags LinkFlag

	// activeTag is the running non-queued command, sactive the running
	// queued commands. At most one of them is in use at a time.
	activeTag transport.Tag
	sactive   uint64

	spd           uint32
	spdLimit      uint32
	hwSpdLimit    uint32
	savedSControl uint32

	// lastReset is when the last reset of the link started. It persists
	// across passes to enforce the reset cooldown.
	lastReset time.Time

	eh  Info
	ehc Context
}

func newLink(p *Port, index int) *Link {
	return &Link{
		port:       p,
		index:      index,
		activeTag:  transport.NoTag,
		spdLimit:   noSpeedLimit,
		hwSpdLimit: noSpeedLimit,
	}
}

// Ref returns the address of the link.
func (l *Link) Ref() transport.LinkRef {
	return transport.LinkRef{Port: l.port.index, Link: l.index}
}

func (l *Link) String() string { return l.Ref().String() }

// Index returns the link number on its port.
func (l *Link) Index() int { return l.index }

// Flags returns the link flags.
func (l *Link) Flags() LinkFlag {
	l.port.mutex.Lock()
	defer l.port.mutex.Unlock()
	return l.flags
}

// Speed returns the negotiated speed generation recorded at the last
// reset, or zero if unknown.
func (l *Link) Speed() uint32 {
	l.port.mutex.Lock()
	defer l.port.mutex.Unlock()
	return l.spd
}

// SpeedLimit returns the fastest speed generation the link may negotiate,
// or zero when unlimited.
func (l *Link) SpeedLimit() uint32 {
	l.port.mutex.Lock()
	defer l.port.mutex.Unlock()
	return limitGen(l.spdLimit)
}

func limitGen(mask uint32) uint32 {
	if mask == noSpeedLimit {
		return 0
	}
	return uint32(bits.Len32(mask))
}

func (l *Link) scrValid() bool {
	return l.port.info.Flags&transport.PortSATA != 0 && l.port.ops.HasSCR()
}

func (l *Link) scrRead(reg transport.SCR) (uint32, error) {
	if !l.scrValid() {
		return 0, pkg.ErrNotSupported
	}
	return l.port.ops.SCRRead(l.Ref(), reg)
}

func (l *Link) scrWrite(reg transport.SCR, val uint32) error {
	if !l.scrValid() {
		return pkg.ErrNotSupported
	}
	return l.port.ops.SCRWrite(l.Ref(), reg, val)
}

// online reports whether the link status shows an established device.
// Links without status registers are neither online nor offline.
func (l *Link) online() bool {
	st, err := l.scrRead(transport.SCRStatus)
	return err == nil && transport.SStatusOnline(st)
}

func (l *Link) offline() bool {
	st, err := l.scrRead(transport.SCRStatus)
	return err == nil && !transport.SStatusOnline(st)
}

// initSpeed derives the hardware speed limit from SControl and the force
// configuration.
func (l *Link) initSpeed() {
	sc, err := l.scrRead(transport.SCRControl)
	if err != nil {
		return
	}
	hw := noSpeedLimit
	if spd := (sc >> 4) & 0xf; spd != 0 {
		hw &= 1<<spd - 1
	}
	p := l.port
	for _, f := range p.cfg.forcedFor(p.index, -1) {
		if f.SpeedLimit != 0 {
			hw &= 1<<f.SpeedLimit - 1
			pkg.LogInfo(pkg.ComponentLink, "forced speed limit", "link", l, "limit", transport.SpeedString(f.SpeedLimit))
		}
	}
	p.mutex.Lock()
	l.savedSControl = sc
	l.hwSpdLimit = hw
	l.spdLimit = hw
	p.mutex.Unlock()
}

// downSpeedLimit lowers the speed ceiling one notch below the current
// speed. A non-zero cap additionally limits it to at most that
// generation.
func (l *Link) downSpeedLimit(cap uint32) error {
	if !l.scrValid() {
		return pkg.ErrNotSupported
	}
	p := l.port
	p.mutex.Lock()
	spd, mask := l.spd, l.spdLimit
	p.mutex.Unlock()

	if st, err := l.scrRead(transport.SCRStatus); err == nil && transport.SStatusOnline(st) {
		spd = transport.SStatusSPD(st)
	}
	if mask <= 1 {
		return pkg.ErrNoDowngrade
	}
	mask &^= 1 << (bits.Len32(mask) - 1)
	if spd > 1 {
		mask &= 1<<(spd-1) - 1
	} else if l.spd != 0 {
		return pkg.ErrNoDowngrade
	}
	if mask == 0 {
		return pkg.ErrNoDowngrade
	}
	if cap != 0 {
		if mask&(1<<cap-1) != 0 {
			mask &= 1<<cap - 1
		} else {
			mask = 1 << bits.TrailingZeros32(mask)
		}
	}

	p.mutex.Lock()
	l.spdLimit = mask
	p.mutex.Unlock()
	pkg.LogWarn(pkg.ComponentLink, "limiting SATA link speed",
		"link", l, "limit", transport.SpeedString(limitGen(mask)))
	p.host.metrics.speedDown("link-speed")
	return nil
}

// configureSpeed writes the speed ceiling into SControl. It reports
// whether the register changed.
func (l *Link) configureSpeed() (bool, error) {
	sc, err := l.scrRead(transport.SCRControl)
	if err != nil {
		return false, err
	}
	p := l.port
	p.mutex.Lock()
	limit := l.spdLimit
	if l.index != 0 {
		if host := p.links[0].spd; host != 0 {
			limit &= 1<<host - 1
		}
	}
	p.mutex.Unlock()

	target := limitGen(limit)
	cur := (sc >> 4) & 0xf
	if cur == target {
		return false, nil
	}
	sc = sc&^0xf0 | (target&0xf)<<4
	if err := l.scrWrite(transport.SCRControl, sc); err != nil {
		return false, err
	}
	return true, nil
}

// resume brings the link out of any low power or disabled state and waits
// for it to settle.
func (l *Link) resume(ctx context.Context, deb Debounce, deadline time.Time) error {
	p := l.port
	sc, err := l.scrRead(transport.SCRControl)
	if err != nil {
		return err
	}
	max := p.cfg.LinkResumeTries
	tries := max
	for {
		sc = sc&0x0f0 | 0x300
		if err := l.scrWrite(transport.SCRControl, sc); err != nil {
			return err
		}
		if err := p.ehSleep(ctx, p.cfg.LinkResumeDelay); err != nil {
			return err
		}
		if sc, err = l.scrRead(transport.SCRControl); err != nil {
			return err
		}
		tries--
		if sc&0xf0f == 0x300 || tries == 0 {
			break
		}
	}
	if sc&0xf0f != 0x300 {
		pkg.LogWarn(pkg.ComponentLink, "failed to resume link", "link", l, "scontrol", sc)
		return nil
	}
	if tries < max-1 {
		pkg.LogWarn(pkg.ComponentLink, "link resume succeeded after retries", "link", l, "retries", max-1-tries)
	}

	if err := l.debounce(ctx, deb, deadline); err != nil {
		return err
	}

	serr, err := l.scrRead(transport.SCRError)
	if err == nil {
		err = l.scrWrite(transport.SCRError, serr)
	}
	if errors.Is(err, pkg.ErrInvalid) {
		return nil
	}
	return err
}

// debounce waits until the DET field of SStatus stays unchanged for the
// profile duration. A link still negotiating (DET 1) keeps waiting until
// the deadline. ErrUnstable means the link never settled and its speed
// should be lowered.
func (l *Link) debounce(ctx context.Context, deb Debounce, deadline time.Time) error {
	p := l.port
	clk := p.clk
	if t := clk.Now().Add(deb.Timeout); t.Before(deadline) {
		deadline = t
	}
	cur, err := l.scrRead(transport.SCRStatus)
	if err != nil {
		return err
	}
	last := transport.SStatusDET(cur)
	lastChange := clk.Now()
	for {
		if err := p.ehSleep(ctx, deb.Interval); err != nil {
			return err
		}
		if cur, err = l.scrRead(transport.SCRStatus); err != nil {
			return err
		}
		det := transport.SStatusDET(cur)
		now := clk.Now()
		if det == last {
			if det == 1 && now.Before(deadline) {
				continue
			}
			if now.After(lastChange.Add(deb.Duration)) {
				return nil
			}
			continue
		}
		last, lastChange = det, now
		if now.After(deadline) {
			return pkg.ErrUnstable
		}
	}
}
