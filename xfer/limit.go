package xfer

import (
	"math/bits"

	"github.com/ardnew/softata/pkg"
)

// Step selects how Down reduces a transfer mask.
type Step int

// Downgrade steps.
const (
	// StepPIO drops the fastest PIO mode.
	StepPIO Step = iota
	// StepDMA drops the fastest UDMA mode, or the fastest MWDMA mode when
	// no UDMA mode remains.
	StepDMA
	// Step40C restricts UDMA to the 40-wire cable subset.
	Step40C
	// StepForcePIO removes every DMA mode.
	StepForcePIO
	// StepForcePIO0 removes every DMA mode and every PIO mode but PIO0.
	StepForcePIO0
)

func (s Step) String() string {
	switch s {
	case StepPIO:
		return "pio"
	case StepDMA:
		return "dma"
	case Step40C:
		return "40c"
	case StepForcePIO:
		return "force-pio"
	case StepForcePIO0:
		return "force-pio0"
	default:
		return "unknown"
	}
}

// Down applies step to m. It fails with pkg.ErrNoDowngrade when the step
// would leave no PIO mode, would empty a DMA family outright, or would not
// change the mask.
func (m Mask) Down(step Step) (Mask, error) {
	orig := m
	pio, mwdma, udma := m.Unpack()

	switch step {
	case StepPIO:
		if pio != 0 {
			pio &^= 1 << highBit(pio)
		}
	case StepDMA:
		switch {
		case udma != 0:
			udma &^= 1 << highBit(udma)
			if udma == 0 {
				return orig, pkg.ErrNoDowngrade
			}
		case mwdma != 0:
			mwdma &^= 1 << highBit(mwdma)
			if mwdma == 0 {
				return orig, pkg.ErrNoDowngrade
			}
		}
	case Step40C:
		udma &= UDMAMask40C
	case StepForcePIO0:
		pio &= 1
		mwdma, udma = 0, 0
	case StepForcePIO:
		mwdma, udma = 0, 0
	default:
		return orig, pkg.ErrInvalidParameter
	}

	m = orig & Pack(pio, mwdma, udma)
	if m&MaskPIO == 0 || m == orig {
		return orig, pkg.ErrNoDowngrade
	}
	return m, nil
}

func highBit(v uint32) int { return bits.Len32(v) - 1 }
