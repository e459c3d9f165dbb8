package ata

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

func ncqPort(depth int) transport.PortInfo {
	return transport.PortInfo{
		Flags:      transport.PortSATA | transport.PortNCQ,
		QueueDepth: depth,
		Devices:    1,
		XferMask:   xfer.MaskAll,
	}
}

func TestCompleteMany(t *testing.T) {
	m := newMockTransport(ncqPort(8))
	p, _ := newTestPort(t, m)
	dev := p.Device(0)
	enableDev(dev, true, xfer.UDMA5)

	var cmds []*Command
	for i := 0; i < 5; i++ {
		c := NewRead(uint64(i)*8, 8, make([]byte, 8*512))
		h, err := p.Submit(dev, c)
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		if h.Tag() != transport.Tag(i) {
			t.Fatalf("Submit(%d) tag = %d", i, h.Tag())
		}
		cmds = append(cmds, c)
	}
	if got := m.issuedCount(); got != 5 {
		t.Fatalf("issued = %d, want 5", got)
	}
	for _, c := range m.issued {
		if c.TF.Command != transport.CmdFPDMARead {
			t.Errorf("command = %s, want READ FPDMA QUEUED", transport.CommandName(c.TF.Command))
		}
	}

	// Tags 0 and 3 finish, leaving {1,2,4}.
	n, err := p.CompleteMany(0, 1<<1|1<<2|1<<4)
	if err != nil || n != 2 {
		t.Fatalf("CompleteMany() = %d, %v; want 2, nil", n, err)
	}

	n, err = p.CompleteMany(0, 1<<2)
	if err != nil || n != 2 {
		t.Fatalf("CompleteMany() = %d, %v; want 2, nil", n, err)
	}
	for i, want := range []bool{true, true, false, true, true} {
		if got := isDone(cmds[i]); got != want {
			t.Errorf("tag %d done = %v, want %v", i, got, want)
		}
	}
	if err := cmds[1].Err(); err != nil {
		t.Errorf("tag 1 Err() = %v", err)
	}
	if p.Link(0).sactive != 1<<2 {
		t.Errorf("sactive = %#x, want %#x", p.Link(0).sactive, 1<<2)
	}
}

func TestCompleteManyIllegalTransition(t *testing.T) {
	m := newMockTransport(ncqPort(8))
	p, _ := newTestPort(t, m)
	dev := p.Device(0)
	enableDev(dev, true, xfer.UDMA5)

	c := NewRead(0, 8, make([]byte, 8*512))
	if _, err := p.Submit(dev, c); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := p.CompleteMany(0, 1<<0|1<<6); !errors.Is(err, pkg.ErrIllegalTransition) {
		t.Fatalf("CompleteMany() error = %v, want ErrIllegalTransition", err)
	}
	if !p.Frozen() {
		t.Error("port not frozen")
	}
	if s := p.slots[0]; s.state != qcFailed {
		t.Errorf("slot state = %d, want failed", s.state)
	}
	if p.Link(0).eh.ErrMask&transport.ErrHSM == 0 {
		t.Errorf("eh mask = %s, want HSM", p.Link(0).eh.ErrMask.Names())
	}
	if m.freezes != 1 {
		t.Errorf("freezes = %d, want 1", m.freezes)
	}
}

func TestCompleteAtMostOnce(t *testing.T) {
	m := newMockTransport(ncqPort(4))
	p, _ := newTestPort(t, m)
	dev := p.Device(0)
	enableDev(dev, false, xfer.UDMA5)

	calls := 0
	c := NewCommand(transport.Taskfile{Protocol: transport.ProtoNoData, Command: transport.CmdFlushExt}, nil)
	c.Done = func(*Command) { calls++ }
	h, err := p.Submit(dev, c)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.Complete(h.Tag(), 0)
	p.Complete(h.Tag(), transport.ErrDev)

	if calls != 1 {
		t.Errorf("Done called %d times, want 1", calls)
	}
	if err := c.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if _, err := p.Lookup(h); !errors.Is(err, pkg.ErrStaleHandle) {
		t.Errorf("Lookup() error = %v, want ErrStaleHandle", err)
	}
}

func TestTagReuseOrder(t *testing.T) {
	m := newMockTransport(ncqPort(4))
	p, _ := newTestPort(t, m)
	dev := p.Device(0)
	enableDev(dev, false, xfer.UDMA5)

	flush := func() *Command {
		return NewCommand(transport.Taskfile{Protocol: transport.ProtoNoData, Command: transport.CmdFlushExt}, nil)
	}
	ha, _ := p.Submit(dev, flush())
	hb, _ := p.Submit(dev, flush())
	if ha.Tag() != 0 || hb.Tag() != 1 {
		t.Fatalf("tags = %d, %d; want 0, 1", ha.Tag(), hb.Tag())
	}
	// Only the first non-queued command runs; the second waits.
	if got := m.issuedCount(); got != 1 {
		t.Fatalf("issued = %d, want 1", got)
	}
	p.Complete(ha.Tag(), 0)
	if got := m.issuedCount(); got != 2 {
		t.Fatalf("issued after completion = %d, want 2", got)
	}

	hc, _ := p.Submit(dev, flush())
	if hc.Tag() != 2 {
		t.Errorf("tag = %d, want 2 (freed tag 0 reused last)", hc.Tag())
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *Port, d *Device)
		cmd   func() *Command
		want  error
	}{
		{
			name:  "frozen",
			setup: func(p *Port, d *Device) { p.Freeze() },
			want:  pkg.ErrFrozen,
		},
		{
			name: "no device",
			setup: func(p *Port, d *Device) {
				p.mutex.Lock()
				d.class = transport.ClassNone
				p.mutex.Unlock()
			},
			want: pkg.ErrNoDevice,
		},
		{
			name: "unloading",
			setup: func(p *Port, d *Device) {
				p.mutex.Lock()
				p.flags |= portUnloading
				p.mutex.Unlock()
			},
			want: pkg.ErrUnloading,
		},
		{
			name: "busy",
			setup: func(p *Port, d *Device) {
				for i := 0; i < p.info.QueueDepth; i++ {
					if _, err := p.Submit(d, NewRead(0, 1, make([]byte, 512))); err != nil {
						panic(err)
					}
				}
			},
			want: pkg.ErrBusy,
		},
		{
			name: "out of range",
			cmd:  func() *Command { return NewRead(1<<20, 8, make([]byte, 8*512)) },
			want: pkg.ErrInvalid,
		},
		{
			name: "zero count",
			cmd:  func() *Command { return NewRead(0, 0, nil) },
			want: pkg.ErrInvalid,
		},
		{
			name: "packet device read",
			setup: func(p *Port, d *Device) {
				p.mutex.Lock()
				d.class = transport.ClassATAPI
				p.mutex.Unlock()
			},
			want: pkg.ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPort(t, newMockTransport(ncqPort(2)))
			dev := p.Device(0)
			enableDev(dev, true, xfer.UDMA5)
			if tt.setup != nil {
				tt.setup(p, dev)
			}
			cmd := NewRead(0, 8, make([]byte, 8*512))
			if tt.cmd != nil {
				cmd = tt.cmd()
			}
			if _, err := p.Submit(dev, cmd); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitNilArguments(t *testing.T) {
	p, _ := newTestPort(t, newMockTransport(ncqPort(2)))
	if _, err := p.Submit(nil, &Command{}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit(nil dev) error = %v", err)
	}
	if _, err := p.Submit(p.Device(0), nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Submit(nil cmd) error = %v", err)
	}
}

func TestExecFrozenWithoutEH(t *testing.T) {
	p, _ := newTestPort(t, newMockTransport(ncqPort(2)))
	dev := p.Device(0)
	enableDev(dev, true, xfer.UDMA5)
	p.mutex.Lock()
	p.flags |= portFrozen
	p.mutex.Unlock()

	err := p.Exec(context.Background(), dev, NewRead(0, 1, make([]byte, 512)))
	if !errors.Is(err, pkg.ErrFrozen) {
		t.Errorf("Exec() error = %v, want ErrFrozen", err)
	}
}

func TestCommandTimeoutFreezes(t *testing.T) {
	m := newMockTransport(ncqPort(4))
	p, clk := newTestPort(t, m)
	dev := p.Device(0)
	enableDev(dev, true, xfer.UDMA5)

	c := NewRead(0, 8, make([]byte, 8*512))
	h, err := p.Submit(dev, c)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	clk.Advance(p.cfg.CommandTimeout)
	eventually(t, "port freeze", p.Frozen)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	s := p.slots[h.Tag()]
	if s.state != qcFailed {
		t.Errorf("slot state = %d, want failed", s.state)
	}
	if s.mask&transport.ErrTimeout == 0 {
		t.Errorf("mask = %s, want TIMEOUT", s.mask.Names())
	}
	if p.flags&portEHPending == 0 {
		t.Error("EH not pending")
	}
}

func TestFastDrainTimesOutStuckCommands(t *testing.T) {
	m := newMockTransport(ncqPort(4))
	p, clk := newTestPort(t, m)
	dev := p.Device(0)
	enableDev(dev, true, xfer.UDMA5)

	h0, _ := p.Submit(dev, NewRead(0, 8, make([]byte, 8*512)))
	h1, _ := p.Submit(dev, NewRead(8, 8, make([]byte, 8*512)))

	p.Complete(h0.Tag(), transport.ErrDev)
	if p.Frozen() {
		t.Fatal("port frozen before fast drain expired")
	}
	clk.Advance(p.cfg.FastDrainInterval)
	eventually(t, "fast drain freeze", p.Frozen)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if mask := p.slots[h1.Tag()].mask; mask&transport.ErrTimeout == 0 {
		t.Errorf("stuck command mask = %s, want TIMEOUT", mask.Names())
	}
	if mask := p.slots[h0.Tag()].mask; mask&transport.ErrTimeout != 0 {
		t.Errorf("failed command mask = %s, want no TIMEOUT", mask.Names())
	}
}

func TestBuildRW(t *testing.T) {
	tests := []struct {
		name  string
		ncq   bool
		mode  xfer.Mode
		lba   uint64
		count uint32
		write bool
		want  uint8
		proto transport.Protocol
	}{
		{"ncq read", true, xfer.UDMA5, 0, 8, false, transport.CmdFPDMARead, transport.ProtoNCQ},
		{"ncq write", true, xfer.UDMA5, 0, 8, true, transport.CmdFPDMAWrite, transport.ProtoNCQ},
		{"dma read", false, xfer.UDMA5, 0, 8, false, transport.CmdReadDMA, transport.ProtoDMA},
		{"dma write lba48", false, xfer.UDMA5, 1 << 29, 8, true, transport.CmdWriteDMAExt, transport.ProtoDMA},
		{"pio read", false, xfer.PIO4, 0, 8, false, transport.CmdRead, transport.ProtoPIO},
		{"pio read lba48", false, xfer.PIO4, 0, 300, false, transport.CmdReadExt, transport.ProtoPIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPort(t, newMockTransport(ncqPort(4)))
			dev := p.Device(0)
			enableDev(dev, tt.ncq, tt.mode)
			tf := dev.buildRW(&rwRequest{lba: tt.lba, count: tt.count, write: tt.write}, 3)
			if tf.Command != tt.want || tf.Protocol != tt.proto {
				t.Errorf("buildRW() = %s/%v, want %s/%v",
					transport.CommandName(tf.Command), tf.Protocol, transport.CommandName(tt.want), tt.proto)
			}
			if tt.ncq && tf.Count>>3 != 3 {
				t.Errorf("NCQ tag field = %d, want 3", tf.Count>>3)
			}
		})
	}
}
