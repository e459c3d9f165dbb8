package xfer

// Timing holds the bus timing parameters of one transfer mode, in
// nanoseconds.
type Timing struct {
	Mode      Mode
	Setup     uint16 // address setup
	Act8b     uint16 // 8-bit register active pulse
	Rec8b     uint16 // 8-bit register recovery
	Cyc8b     uint16 // 8-bit register cycle
	Active    uint16 // data active pulse
	Recover   uint16 // data recovery
	DMACKHold uint16
	Cycle     uint16 // data cycle
	UDMA      uint16 // UDMA cycle
}

var timings = [...]Timing{
	{PIO0, 70, 290, 240, 600, 165, 150, 0, 600, 0},
	{PIO1, 50, 290, 93, 383, 125, 100, 0, 383, 0},
	{PIO2, 30, 290, 40, 330, 100, 90, 0, 240, 0},
	{PIO3, 30, 80, 70, 180, 80, 70, 0, 180, 0},
	{PIO4, 25, 70, 25, 120, 70, 25, 0, 120, 0},
	{PIO5, 15, 65, 25, 100, 65, 25, 0, 100, 0},
	{PIO6, 10, 55, 20, 80, 55, 20, 0, 80, 0},

	{MWDMA0, 60, 0, 0, 0, 215, 215, 20, 480, 0},
	{MWDMA1, 45, 0, 0, 0, 80, 50, 5, 150, 0},
	{MWDMA2, 25, 0, 0, 0, 70, 25, 5, 120, 0},
	{MWDMA3, 25, 0, 0, 0, 65, 25, 5, 100, 0},
	{MWDMA4, 25, 0, 0, 0, 55, 20, 5, 80, 0},

	{UDMA0, 0, 0, 0, 0, 0, 0, 0, 0, 120},
	{UDMA1, 0, 0, 0, 0, 0, 0, 0, 0, 80},
	{UDMA2, 0, 0, 0, 0, 0, 0, 0, 0, 60},
	{UDMA3, 0, 0, 0, 0, 0, 0, 0, 0, 45},
	{UDMA4, 0, 0, 0, 0, 0, 0, 0, 0, 30},
	{UDMA5, 0, 0, 0, 0, 0, 0, 0, 0, 20},
	{UDMA6, 0, 0, 0, 0, 0, 0, 0, 0, 15},
}

// TimingFor looks up the timing entry for md.
func TimingFor(md Mode) (Timing, bool) {
	for _, t := range timings {
		if t.Mode == md {
			return t, true
		}
	}
	return Timing{}, false
}

// FromCycle returns the fastest mode of family whose cycle time is at
// least cycle ns. It is used to derive a mode from an IDENTIFY reported
// minimum cycle time.
func FromCycle(family Family, cycle uint16) Mode {
	best := ModeNone
	for _, t := range timings {
		if t.Mode.Family() != family {
			continue
		}
		c := t.Cycle
		if family == FamilyUDMA {
			c = t.UDMA
		}
		if c >= cycle {
			best = t.Mode
		}
	}
	return best
}
