package ata

import (
	"time"

	"github.com/ardnew/softata/transport"
)

// ringSize is the number of failures remembered per device.
const ringSize = 32

// Error flags recorded with each failure.
const (
	eflagIsIO uint32 = 1 << iota
	eflagDubiousXfer
	eflagOldER
)

type ringEntry struct {
	eflags    uint32
	mask      transport.ErrMask
	timestamp time.Time
}

// ering is a circular history of device failures. Entries are never
// removed; clearing marks them old so walks stop at them.
type ering struct {
	cursor int
	ring   [ringSize]ringEntry
}

func (r *ering) record(eflags uint32, mask transport.ErrMask, now time.Time) {
	r.cursor = (r.cursor + 1) % ringSize
	r.ring[r.cursor] = ringEntry{eflags: eflags, mask: mask, timestamp: now}
}

// top returns the newest entry, or nil if the ring is empty.
func (r *ering) top() *ringEntry {
	if e := &r.ring[r.cursor]; e.mask != 0 {
		return e
	}
	return nil
}

// walk calls fn on entries from newest to oldest until fn returns false.
func (r *ering) walk(fn func(*ringEntry) bool) {
	idx := r.cursor
	for {
		e := &r.ring[idx]
		if e.mask == 0 || !fn(e) {
			return
		}
		idx = (idx - 1 + ringSize) % ringSize
		if idx == r.cursor {
			return
		}
	}
}

func (r *ering) clear() {
	r.walk(func(e *ringEntry) bool {
		e.eflags |= eflagOldER
		return true
	})
}

// countSince returns the number of live entries no older than since.
func (r *ering) countSince(since time.Time) int {
	n := 0
	r.walk(func(e *ringEntry) bool {
		if e.eflags&eflagOldER != 0 || e.timestamp.Before(since) {
			return false
		}
		n++
		return true
	})
	return n
}

// Error categories.
const (
	ecatNone = iota
	ecatATABus
	ecatToutHSM
	ecatUnkDev
	ecatDubiousNone
	ecatDubiousATABus
	ecatDubiousToutHSM
	ecatDubiousUnkDev
	nrECat
)

// categorize buckets a failure. xferOK becomes true at the first entry
// recorded after a verified transfer and stays true for every older entry.
func categorize(eflags uint32, mask transport.ErrMask, xferOK *bool) int {
	base := 0
	if eflags&eflagDubiousXfer == 0 {
		*xferOK = true
	}
	if !*xferOK {
		base = ecatDubiousNone
	}
	if mask&transport.ErrATABus != 0 {
		return base + ecatATABus
	}
	if mask&transport.ErrTimeout != 0 {
		return base + ecatToutHSM
	}
	if eflags&eflagIsIO != 0 {
		if mask&transport.ErrHSM != 0 {
			return base + ecatToutHSM
		}
		if mask&(transport.ErrDev|transport.ErrMedia|transport.ErrInvalid) == transport.ErrDev {
			return base + ecatUnkDev
		}
	}
	return ecatNone
}

// Verdict is a set of speed-down directives.
type Verdict uint32

// Speed-down directives.
const (
	VerdictNCQOff Verdict = 1 << iota
	VerdictSpeedDown
	VerdictFallbackPIO
	VerdictKeepErrors
)

func (v Verdict) String() string {
	if v == 0 {
		return "none"
	}
	s := ""
	for _, n := range []struct {
		bit  Verdict
		name string
	}{
		{VerdictNCQOff, "ncq-off"},
		{VerdictSpeedDown, "speed-down"},
		{VerdictFallbackPIO, "fallback-pio"},
		{VerdictKeepErrors, "keep-errors"},
	} {
		if v&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

// counts tallies categories over a window. total folds dubious and
// verified failures of the same kind together.
type counts struct {
	cat [nrECat]int
}

func (c *counts) total(base int) int { return c.cat[base] + c.cat[base+ecatDubiousNone] }

func (r *ering) tally(since time.Time) counts {
	var c counts
	xferOK := false
	r.walk(func(e *ringEntry) bool {
		if e.eflags&eflagOldER != 0 || e.timestamp.Before(since) {
			return false
		}
		c.cat[categorize(e.eflags, e.mask, &xferOK)]++
		return true
	})
	return c
}

// verdict computes the speed-down directives for the failures in the
// ring as of now.
func (r *ering) verdict(now time.Time, pol SpeedDownPolicy) Verdict {
	var v Verdict

	s := r.tally(now.Add(-pol.ShortWindow))
	if s.total(ecatATABus)+s.total(ecatToutHSM) > pol.ShortBusTimeout {
		v |= VerdictSpeedDown | VerdictFallbackPIO
		if s.cat[ecatDubiousATABus]+s.cat[ecatDubiousToutHSM] > pol.ShortBusTimeout {
			v |= VerdictKeepErrors
		}
	}
	if s.total(ecatToutHSM)+s.total(ecatUnkDev) > pol.ShortTimeoutDev {
		v |= VerdictNCQOff
		if s.cat[ecatDubiousToutHSM]+s.cat[ecatDubiousUnkDev] > pol.ShortTimeoutDev {
			v |= VerdictKeepErrors
		}
	}
	if s.total(ecatATABus)+s.total(ecatToutHSM)+s.total(ecatUnkDev) > pol.ShortTotal {
		v |= VerdictFallbackPIO
	}

	l := r.tally(now.Add(-pol.LongWindow))
	if l.total(ecatToutHSM)+l.total(ecatUnkDev) > pol.LongTimeoutDev {
		v |= VerdictNCQOff
	}
	if l.total(ecatATABus)+l.total(ecatToutHSM) > pol.LongBusTimeout || l.total(ecatUnkDev) > pol.LongDev {
		v |= VerdictSpeedDown
	}
	return v
}
