package ata

import (
	"fmt"
	"strings"

	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// MaxDevices is the largest number of devices on a port.
const MaxDevices = 2

// allDevices is a discovery mask selecting every device.
const allDevices = 1<<MaxDevices - 1

// Action is a set of recovery actions requested of the error handler.
type Action uint32

// Recovery actions.
const (
	ActionRevalidate Action = 1 << iota
	ActionSoftReset
	ActionHardReset
	ActionEnableLink

	ActionReset = ActionSoftReset | ActionHardReset

	// actionPerDev are actions that may be requested for a single device.
	actionPerDev = ActionRevalidate
	actionAll    = ActionRevalidate | ActionReset | ActionEnableLink
)

func (a Action) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		bit  Action
		name string
	}{
		{ActionRevalidate, "revalidate"},
		{ActionSoftReset, "softreset"},
		{ActionHardReset, "hardreset"},
		{ActionEnableLink, "enable-link"},
	} {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// InfoFlag qualifies an error handling request.
type InfoFlag uint32

// Error handling request flags.
const (
	InfoHotplugged InfoFlag = 1 << iota
	InfoNoAutopsy
	InfoQuiet
	InfoNoRecovery
	InfoDidSoftReset
	InfoDidHardReset
	InfoPrintInfo
	InfoSetMode
	InfoPostSetMode

	InfoDidReset = InfoDidSoftReset | InfoDidHardReset

	// infoToSlave flags are copied from the master link before the slave
	// link autopsy.
	infoToSlave = InfoNoAutopsy | InfoQuiet
)

// Info accumulates what an error handling pass must do for a link.
// Producers outside the error handler only OR into it under the port lock.
type Info struct {
	Action    Action
	DevAction [MaxDevices]Action
	Flags     InfoFlag
	DiscoverMask uint32
	ErrMask   transport.ErrMask
	SError    uint32
	// Dev is the device the failures were attributed to, if any.
	Dev  *Device
	desc []string
}

// Push appends a formatted description of the exception.
func (i *Info) Push(format string, args ...any) {
	i.desc = append(i.desc, fmt.Sprintf(format, args...))
}

// Desc returns the accumulated description.
func (i *Info) Desc() string { return strings.Join(i.desc, ", ") }

// ClearDesc drops the accumulated description.
func (i *Info) ClearDesc() { i.desc = nil }

// schedule requests discovery of every device along with a reset.
func (i *Info) scheduleDiscover() {
	i.DiscoverMask |= allDevices
	i.Action |= ActionReset
}

// hotplugged marks a PHY event on the link.
func (i *Info) hotplugged() {
	i.scheduleDiscover()
	i.Flags |= InfoHotplugged
	i.Action |= ActionEnableLink
	i.ErrMask |= transport.ErrATABus
}

// clearAction removes action for dev, or for the whole link when dev is
// negative. Clearing a per-device action that was requested link-wide
// splits it into per-device requests first so other devices keep it.
func (i *Info) clearAction(dev int, action Action) {
	if dev < 0 {
		i.Action &^= action
		for d := range i.DevAction {
			i.DevAction[d] &^= action
		}
		return
	}
	if i.Action&action != 0 {
		for d := range i.DevAction {
			i.DevAction[d] |= i.Action & action
		}
		i.Action &^= action
	}
	i.DevAction[dev] &^= action
}

// devAction returns the actions requested for dev.
func (i *Info) devAction(dev int) Action {
	return i.Action | i.DevAction[dev]
}

// Context is the private state of one error handling pass for a link. It
// is rebuilt from the link's Info at the start of every pass.
type Context struct {
	Info

	tries      [MaxDevices]int
	classes    [MaxDevices]transport.Class
	timeoutIdx [MaxDevices][nrTimeoutClasses]int

	didDiscoverMask  uint32
	savedNCQ      uint32
	savedXferMode [MaxDevices]xfer.Mode
	// spdnFailed marks devices for which speed-down found no step left.
	spdnFailed uint32
}

// Phase is the step an error handling pass is in.
type Phase int

// Error handling phases.
const (
	PhaseIdle Phase = iota
	PhaseQuiesce
	PhaseAutopsy
	PhaseReport
	PhaseReset
	PhaseRevalidate
	PhaseSetMode
	PhaseResume
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseQuiesce:
		return "quiesce"
	case PhaseAutopsy:
		return "autopsy"
	case PhaseReport:
		return "report"
	case PhaseReset:
		return "reset"
	case PhaseRevalidate:
		return "revalidate"
	case PhaseSetMode:
		return "setmode"
	case PhaseResume:
		return "resume"
	default:
		return "unknown"
	}
}
