package ata

import (
	"fmt"
	"log/slog"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

// report logs the exceptions the pass is about to handle.
func (p *Port) report() {
	if !pkg.LogEnabled(slog.LevelError) {
		return
	}
	for _, l := range p.links {
		p.linkReport(l)
	}
}

func (p *Port) linkReport(l *Link) {
	ehc := &l.ehc
	if ehc.Flags&InfoQuiet != 0 {
		return
	}

	var failed []*slot
	for _, s := range p.failedOn(l) {
		if s.flags&qcQuiet != 0 && s.mask == transport.ErrDev {
			continue
		}
		if s.flags&qcSenseValid != 0 && s.mask == 0 {
			continue
		}
		failed = append(failed, s)
	}
	if len(failed) == 0 && ehc.ErrMask == 0 {
		return
	}

	p.mutex.Lock()
	sactive := l.sactive
	frozen := p.flags&portFrozen != 0
	episode := p.episode
	p.mutex.Unlock()

	args := []any{
		"port", p.index, "link", l, "episode", episode,
		"emask", ehc.ErrMask.Names(),
		"sact", fmt.Sprintf("%#x", sactive),
		"serr", fmt.Sprintf("%#x", ehc.SError),
		"action", ehc.Action,
		"frozen", frozen,
	}
	if ehc.Dev != nil {
		args = append(args, "dev", ehc.Dev)
	}
	if desc := ehc.Desc(); desc != "" {
		args = append(args, "desc", desc)
	}
	pkg.LogError(pkg.ComponentEH, "exception", args...)

	if ehc.SError != 0 {
		pkg.LogError(pkg.ComponentEH, "SError", "link", l, "bits", transport.SErrorString(ehc.SError))
	}

	for _, s := range failed {
		tf := s.wire.TF
		res := s.result
		pkg.LogError(pkg.ComponentEH, "failed command",
			"dev", s.dev, "tag", s.tag,
			"cmd", transport.CommandName(tf.Command),
			"tf", tf.String(),
			"res", res.ResultString(),
			"emask", s.mask.Names(),
			"desc", s.mask.String(),
		)
		if res.Status&(transport.StatusBusy|transport.StatusDRDY|transport.StatusDF|transport.StatusDRQ|transport.StatusErr) != 0 {
			if res.Status&transport.StatusBusy != 0 {
				pkg.LogError(pkg.ComponentEH, "status", "dev", s.dev, "bits", transport.StatusString(res.Status))
			} else {
				pkg.LogError(pkg.ComponentEH, "status", "dev", s.dev,
					"bits", transport.StatusString(res.Status), "error", transport.ErrorString(res.Error))
			}
		}
	}
}
