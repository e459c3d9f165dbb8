package ata

import (
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// speedDown records a failure of dev and applies the downgrades its error
// history calls for. The returned action is a reset when the link speed or
// the transfer mask was lowered. ErrNoDowngrade is returned when a speed
// step was called for but none was left.
func (p *Port) speedDown(dev *Device, eflags uint32, mask transport.ErrMask) (Action, error) {
	xferOK := false
	if categorize(eflags, mask, &xferOK) == ecatNone {
		return 0, nil
	}

	p.mutex.Lock()
	now := p.clk.Now()
	dev.ering.record(eflags, mask, now)
	verdict := dev.ering.verdict(now, p.cfg.SpeedDown)
	p.mutex.Unlock()

	if verdict == 0 {
		return 0, nil
	}
	pkg.LogDebug(pkg.ComponentSpeedDown, "speed down verdict", "dev", dev, "verdict", verdict, "mask", mask.Names())

	var action Action
	applied := false

	p.mutex.Lock()
	ncqOff := verdict&VerdictNCQOff != 0 && dev.ncqEnabled()
	if ncqOff {
		dev.flags |= devNCQOff
	}
	p.mutex.Unlock()
	if ncqOff {
		pkg.LogWarn(pkg.ComponentSpeedDown, "NCQ disabled due to excessive errors", "dev", dev)
		p.host.metrics.speedDown("ncq-off")
		applied = true
	}

	stepped := false
	if verdict&VerdictSpeedDown != 0 {
		if err := dev.physLink().downSpeedLimit(0); err == nil {
			stepped = true
		} else if dev.spdnCnt < 2 {
			// DMA devices first lose their fastest mode and then fall to
			// the 40-wire subset. PIO devices lose a mode and then drop
			// to PIO0.
			steps := [2]xfer.Step{xfer.StepDMA, xfer.Step40C}
			if !dev.xferMode.IsDMA() {
				steps = [2]xfer.Step{xfer.StepPIO, xfer.StepForcePIO0}
			}
			step := steps[dev.spdnCnt]
			p.mutex.Lock()
			dev.spdnCnt++
			p.mutex.Unlock()
			if err := dev.downXferMask(step, false); err == nil {
				p.host.metrics.speedDown("xfer-" + step.String())
				stepped = true
			}
		}
	}

	// PIO is meaningless for serial ATA disks, so the fallback only
	// applies to parallel devices and packet devices.
	if !stepped && verdict&VerdictFallbackPIO != 0 && dev.spdnCnt >= 2 &&
		(p.cable != transport.CableSATA || dev.class == transport.ClassATAPI) &&
		dev.xferMode.IsDMA() {
		if err := dev.downXferMask(xfer.StepForcePIO, false); err == nil {
			p.mutex.Lock()
			dev.spdnCnt = 0
			p.mutex.Unlock()
			p.host.metrics.speedDown("fallback-pio")
			stepped = true
		}
	}

	if stepped {
		action |= ActionReset
		applied = true
	}
	if applied && verdict&VerdictKeepErrors == 0 {
		p.mutex.Lock()
		dev.ering.clear()
		p.mutex.Unlock()
	}
	if !stepped && verdict&VerdictSpeedDown != 0 {
		return action, pkg.ErrNoDowngrade
	}
	return action, nil
}
