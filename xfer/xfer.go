package xfer

import (
	"math/bits"
	"strings"
)

// Mask is a packed set of supported transfer modes. Bits 0-6 are PIO
// modes 0-6, bits 7-11 are multi-word DMA modes 0-4 and bits 12-19 are
// Ultra DMA modes 0-7. A mode's bit index is its linear speed rank.
type Mask uint32

// Bit layout.
const (
	ShiftPIO   = 0
	NrPIO      = 7
	ShiftMWDMA = ShiftPIO + NrPIO
	NrMWDMA    = 5
	ShiftUDMA  = ShiftMWDMA + NrMWDMA
	NrUDMA     = 8

	MaskPIO   Mask = ((1 << NrPIO) - 1) << ShiftPIO
	MaskMWDMA Mask = ((1 << NrMWDMA) - 1) << ShiftMWDMA
	MaskUDMA  Mask = ((1 << NrUDMA) - 1) << ShiftUDMA
	MaskAll        = MaskPIO | MaskMWDMA | MaskUDMA
)

// UDMAMask40C is the Ultra DMA subset usable over a 40-wire cable
// (UDMA/16 through UDMA/33).
const UDMAMask40C = 0x07

// Pack builds a mask from per-family bitmaps.
func Pack(pio, mwdma, udma uint32) Mask {
	return (Mask(pio)<<ShiftPIO)&MaskPIO |
		(Mask(mwdma)<<ShiftMWDMA)&MaskMWDMA |
		(Mask(udma)<<ShiftUDMA)&MaskUDMA
}

// Unpack splits m into per-family bitmaps.
func (m Mask) Unpack() (pio, mwdma, udma uint32) {
	pio = uint32((m & MaskPIO) >> ShiftPIO)
	mwdma = uint32((m & MaskMWDMA) >> ShiftMWDMA)
	udma = uint32((m & MaskUDMA) >> ShiftUDMA)
	return
}

// Highest returns the fastest mode in m, or ModeNone if m is empty.
func (m Mask) Highest() Mode {
	m &= MaskAll
	if m == 0 {
		return ModeNone
	}
	return FromRank(bits.Len32(uint32(m)) - 1)
}

// Limit clears every mode in m faster than max.
func (m Mask) Limit(max Mode) Mask {
	r := Rank(max)
	if r < 0 {
		return 0
	}
	return m & ((1 << (r + 1)) - 1)
}

// HasDMA reports whether m contains any DMA mode.
func (m Mask) HasDMA() bool {
	return m&(MaskMWDMA|MaskUDMA) != 0
}

// String lists the fastest mode of each family present in m.
func (m Mask) String() string {
	if m&MaskAll == 0 {
		return "none"
	}
	var parts []string
	for _, fam := range []Mask{MaskUDMA, MaskMWDMA, MaskPIO} {
		if h := (m & fam).Highest(); h != ModeNone {
			parts = append(parts, h.String())
		}
	}
	return strings.Join(parts, ",")
}

// Mode is a transfer mode number as sent in SET FEATURES - SET TRANSFER MODE.
type Mode uint8

// Transfer modes.
const (
	PIO0 Mode = 0x08 + iota
	PIO1
	PIO2
	PIO3
	PIO4
	PIO5
	PIO6
)

const (
	MWDMA0 Mode = 0x20 + iota
	MWDMA1
	MWDMA2
	MWDMA3
	MWDMA4
)

const (
	UDMA0 Mode = 0x40 + iota
	UDMA1
	UDMA2
	UDMA3
	UDMA4
	UDMA5
	UDMA6
	UDMA7
)

// ModeNone is no mode.
const ModeNone Mode = 0xff

// Family is a transfer mode family.
type Family int

// Transfer mode families.
const (
	FamilyNone Family = iota
	FamilyPIO
	FamilyMWDMA
	FamilyUDMA
)

// Family returns the family md belongs to.
func (md Mode) Family() Family {
	switch {
	case md >= PIO0 && md <= PIO6:
		return FamilyPIO
	case md >= MWDMA0 && md <= MWDMA4:
		return FamilyMWDMA
	case md >= UDMA0 && md <= UDMA7:
		return FamilyUDMA
	default:
		return FamilyNone
	}
}

// IsPIO reports whether md is a PIO mode.
func (md Mode) IsPIO() bool { return md.Family() == FamilyPIO }

// IsDMA reports whether md is a DMA mode.
func (md Mode) IsDMA() bool {
	f := md.Family()
	return f == FamilyMWDMA || f == FamilyUDMA
}

// Rank returns the linear speed rank of md, or -1 for an invalid mode.
func Rank(md Mode) int {
	switch md.Family() {
	case FamilyPIO:
		return ShiftPIO + int(md-PIO0)
	case FamilyMWDMA:
		return ShiftMWDMA + int(md-MWDMA0)
	case FamilyUDMA:
		return ShiftUDMA + int(md-UDMA0)
	default:
		return -1
	}
}

// FromRank is the inverse of Rank.
func FromRank(r int) Mode {
	switch {
	case r < 0:
		return ModeNone
	case r < ShiftMWDMA:
		return PIO0 + Mode(r-ShiftPIO)
	case r < ShiftUDMA:
		return MWDMA0 + Mode(r-ShiftMWDMA)
	case r < ShiftUDMA+NrUDMA:
		return UDMA0 + Mode(r-ShiftUDMA)
	default:
		return ModeNone
	}
}

// ModeMask returns the single-bit mask of md.
func ModeMask(md Mode) Mask {
	r := Rank(md)
	if r < 0 {
		return 0
	}
	return 1 << r
}

var udmaNames = [...]string{
	"UDMA/16", "UDMA/25", "UDMA/33", "UDMA/44",
	"UDMA/66", "UDMA/100", "UDMA/133", "UDMA7",
}

// String returns the conventional mode name.
func (md Mode) String() string {
	switch md.Family() {
	case FamilyPIO:
		return "PIO" + string(rune('0'+md-PIO0))
	case FamilyMWDMA:
		return "MWDMA" + string(rune('0'+md-MWDMA0))
	case FamilyUDMA:
		return udmaNames[md-UDMA0]
	default:
		return "<n/a>"
	}
}

// ParseMode parses a mode name such as "pio4", "mwdma2", "udma5" or
// "udma/100". Matching is case insensitive.
func ParseMode(name string) (Mode, bool) {
	s := strings.ToLower(strings.TrimSpace(name))
	for r := 0; r < ShiftUDMA+NrUDMA; r++ {
		md := FromRank(r)
		if strings.ToLower(md.String()) == s {
			return md, true
		}
		var short string
		switch md.Family() {
		case FamilyPIO:
			short = "pio" + string(rune('0'+md-PIO0))
		case FamilyMWDMA:
			short = "mwdma" + string(rune('0'+md-MWDMA0))
		case FamilyUDMA:
			short = "udma" + string(rune('0'+md-UDMA0))
		}
		if short == s {
			return md, true
		}
	}
	return ModeNone, false
}
