package transport

import (
	"context"
	"time"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/xfer"
)

// ResetFunc performs a soft or hard reset.
type ResetFunc func(ctx context.Context, link LinkRef, deadline time.Time) (ResetResult, error)

// PreResetFunc prepares a link for reset.
type PreResetFunc func(ctx context.Context, link LinkRef, deadline time.Time) error

// PostResetFunc runs after classification.
type PostResetFunc func(link LinkRef, classes []Class)

// Ops is a fully resolved operation table: a base transport plus any
// overrides layered on top of it. Optional capabilities the base does not
// provide and no override fills in are reported as absent by the Has*
// methods.
type Ops struct {
	base Transport

	softReset ResetFunc
	hardReset ResetFunc
	preReset  PreResetFunc
	postReset PostResetFunc
	scrRead   func(LinkRef, SCR) (uint32, error)
	scrWrite  func(LinkRef, SCR, uint32) error
	freeze    func(port int)
	thaw      func(port int)
	setPIO    func(DeviceRef, xfer.Mode) error
	setDMA    func(DeviceRef, xfer.Mode) error
	cable     func(port int) Cable
}

var (
	_ Transport     = (*Ops)(nil)
	_ HardResetter  = (*Ops)(nil)
	_ SCRAccessor   = (*Ops)(nil)
	_ PreResetter   = (*Ops)(nil)
	_ PostResetter  = (*Ops)(nil)
	_ ModeSetter    = (*Ops)(nil)
	_ CableDetector = (*Ops)(nil)
)

// Builder layers overrides over a base transport.
type Builder struct {
	ops Ops
}

// Compose starts a builder from base. Optional interfaces implemented by
// base become the initial entries of the table. If base is itself an
// *Ops its table is inherited.
func Compose(base Transport) *Builder {
	if o, ok := base.(*Ops); ok {
		return &Builder{ops: *o}
	}
	b := &Builder{ops: Ops{
		base:      base,
		softReset: base.SoftReset,
		freeze:    base.Freeze,
		thaw:      base.Thaw,
	}}
	if h, ok := base.(HardResetter); ok {
		b.ops.hardReset = h.HardReset
	}
	if s, ok := base.(SCRAccessor); ok {
		b.ops.scrRead = s.SCRRead
		b.ops.scrWrite = s.SCRWrite
	}
	if p, ok := base.(PreResetter); ok {
		b.ops.preReset = p.PreReset
	}
	if p, ok := base.(PostResetter); ok {
		b.ops.postReset = p.PostReset
	}
	if m, ok := base.(ModeSetter); ok {
		b.ops.setPIO = m.SetPIOMode
		b.ops.setDMA = m.SetDMAMode
	}
	if c, ok := base.(CableDetector); ok {
		b.ops.cable = c.CableDetect
	}
	return b
}

// WithSoftReset overrides the soft reset method.
func (b *Builder) WithSoftReset(f ResetFunc) *Builder { b.ops.softReset = f; return b }

// WithHardReset overrides the hard reset method.
func (b *Builder) WithHardReset(f ResetFunc) *Builder { b.ops.hardReset = f; return b }

// WithoutHardReset removes the hard reset method.
func (b *Builder) WithoutHardReset() *Builder { b.ops.hardReset = nil; return b }

// WithPreReset overrides the prereset hook.
func (b *Builder) WithPreReset(f PreResetFunc) *Builder { b.ops.preReset = f; return b }

// WithPostReset overrides the postreset hook.
func (b *Builder) WithPostReset(f PostResetFunc) *Builder { b.ops.postReset = f; return b }

// WithSCR overrides link register access.
func (b *Builder) WithSCR(read func(LinkRef, SCR) (uint32, error), write func(LinkRef, SCR, uint32) error) *Builder {
	b.ops.scrRead, b.ops.scrWrite = read, write
	return b
}

// WithoutSCR removes link register access.
func (b *Builder) WithoutSCR() *Builder { b.ops.scrRead, b.ops.scrWrite = nil, nil; return b }

// WithFreeze overrides the freeze and thaw hooks.
func (b *Builder) WithFreeze(freeze, thaw func(port int)) *Builder {
	b.ops.freeze, b.ops.thaw = freeze, thaw
	return b
}

// WithModeSetter overrides the timing programming hooks.
func (b *Builder) WithModeSetter(pio, dma func(DeviceRef, xfer.Mode) error) *Builder {
	b.ops.setPIO, b.ops.setDMA = pio, dma
	return b
}

// WithCableDetect overrides cable detection.
func (b *Builder) WithCableDetect(f func(port int) Cable) *Builder { b.ops.cable = f; return b }

// Build returns the resolved table.
func (b *Builder) Build() *Ops {
	o := b.ops
	return &o
}

// Resolve returns t as an operation table, composing it if necessary.
func Resolve(t Transport) *Ops {
	if o, ok := t.(*Ops); ok {
		return o
	}
	return Compose(t).Build()
}

// Base returns the transport the table was composed from.
func (o *Ops) Base() Transport { return o.base }

// HasHardReset reports whether a hard reset method is available.
func (o *Ops) HasHardReset() bool { return o.hardReset != nil }

// HasSoftReset reports whether a soft reset method is available.
func (o *Ops) HasSoftReset() bool { return o.softReset != nil }

// HasSCR reports whether link registers are accessible.
func (o *Ops) HasSCR() bool { return o.scrRead != nil }

func (o *Ops) Info() HostInfo { return o.base.Info() }
func (o *Ops) Attach(port int, ev Events) error { return o.base.Attach(port, ev) }
func (o *Ops) Detach(port int) { o.base.Detach(port) }
func (o *Ops) Issue(cmd *Command) error { return o.base.Issue(cmd) }
func (o *Ops) ReadResult(cmd *Command) Taskfile { return o.base.ReadResult(cmd) }
func (o *Ops) Classify(dev DeviceRef) Class { return o.base.Classify(dev) }

func (o *Ops) Freeze(port int) {
	if o.freeze != nil {
		o.freeze(port)
	}
}

func (o *Ops) Thaw(port int) {
	if o.thaw != nil {
		o.thaw(port)
	}
}

func (o *Ops) SoftReset(ctx context.Context, link LinkRef, deadline time.Time) (ResetResult, error) {
	if o.softReset == nil {
		return ResetResult{}, pkg.ErrNotSupported
	}
	return o.softReset(ctx, link, deadline)
}

func (o *Ops) HardReset(ctx context.Context, link LinkRef, deadline time.Time) (ResetResult, error) {
	if o.hardReset == nil {
		return ResetResult{}, pkg.ErrNotSupported
	}
	return o.hardReset(ctx, link, deadline)
}

func (o *Ops) PreReset(ctx context.Context, link LinkRef, deadline time.Time) error {
	if o.preReset == nil {
		return nil
	}
	return o.preReset(ctx, link, deadline)
}

func (o *Ops) PostReset(link LinkRef, classes []Class) {
	if o.postReset != nil {
		o.postReset(link, classes)
	}
}

func (o *Ops) SCRRead(link LinkRef, reg SCR) (uint32, error) {
	if o.scrRead == nil {
		return 0, pkg.ErrNotSupported
	}
	return o.scrRead(link, reg)
}

func (o *Ops) SCRWrite(link LinkRef, reg SCR, val uint32) error {
	if o.scrWrite == nil {
		return pkg.ErrNotSupported
	}
	return o.scrWrite(link, reg, val)
}

func (o *Ops) SetPIOMode(dev DeviceRef, mode xfer.Mode) error {
	if o.setPIO == nil {
		return nil
	}
	return o.setPIO(dev, mode)
}

func (o *Ops) SetDMAMode(dev DeviceRef, mode xfer.Mode) error {
	if o.setDMA == nil {
		return nil
	}
	return o.setDMA(dev, mode)
}

func (o *Ops) CableDetect(port int) Cable {
	if o.cable == nil {
		return CableUnknown
	}
	return o.cable(port)
}
