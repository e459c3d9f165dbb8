package ata

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/transport/sim"
)

func simDisk() *sim.Disk { return sim.NewDisk("SIMDISK", "S0", 1<<20) }

// resetAgain schedules a hard reset of the host link of p and returns the
// reset records the controller observed during the pass.
func resetAgain(t *testing.T, p *Port, ctrl *sim.Controller) []sim.ResetRecord {
	t.Helper()
	before := len(ctrl.Resets(p.Index()))
	requestEH(p, 0, ActionHardReset)
	waitEH(t, p)
	return ctrl.Resets(p.Index())[before:]
}

func kinds(recs []sim.ResetRecord) []sim.ResetKind {
	out := make([]sim.ResetKind, len(recs))
	for i, r := range recs {
		out[i] = r.Kind
	}
	return out
}

func equalKinds(a, b []sim.ResetKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Reset Method Selection
// =============================================================================

func TestInitialDiscoveryPrefersHardReset(t *testing.T) {
	h, ctrl := startSim(t, testConfig(nil), sataPort(simDisk()))
	got := kinds(ctrl.Resets(0))
	if !equalKinds(got, []sim.ResetKind{sim.ResetHard}) {
		t.Errorf("resets = %v, want [hard]", got)
	}
	if d := h.Port(0).Device(0); !d.Enabled() || d.Class() != transport.ClassATA {
		t.Errorf("device enabled = %v, class = %s", d.Enabled(), d.Class())
	}
	if got := h.Port(0).Link(0).Speed(); got != sim.DefaultMaxSpeed {
		t.Errorf("Speed() = %d, want %d", got, sim.DefaultMaxSpeed)
	}
}

func TestFollowupSoftReset(t *testing.T) {
	tests := []struct {
		name   string
		flags  transport.PortFlag
		script *sim.ResetScript
	}{
		{
			name:  "port multiplier host link",
			flags: transport.PortPMP,
		},
		{
			name: "online with unknown class",
			script: &sim.ResetScript{
				Kind: sim.ResetHard,
				Result: transport.ResetResult{
					Online:  true,
					Classes: []transport.Class{transport.ClassUnknown},
				},
			},
		},
		{
			name:   "hard reset asks for retry",
			script: &sim.ResetScript{Kind: sim.ResetHard, Err: pkg.ErrRetry},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := sataPort(simDisk())
			pc.Flags |= tt.flags
			h, ctrl := startSim(t, testConfig(nil), pc)
			p := h.Port(0)

			if tt.script != nil {
				ctrl.ScriptReset(0, 0, *tt.script)
			}
			got := kinds(resetAgain(t, p, ctrl))
			want := []sim.ResetKind{sim.ResetHard, sim.ResetSoft}
			if !equalKinds(got, want) {
				t.Errorf("resets = %v, want %v", got, want)
			}
			if d := p.Device(0); !d.Enabled() {
				t.Error("device not enabled after follow-up softreset")
			}
		})
	}
}

func TestSoftResetOnlyTransport(t *testing.T) {
	tr := newMockTransport(transport.PortInfo{QueueDepth: 1})
	p, _ := newTestPort(t, tr)
	if p.ops.HasHardReset() {
		t.Fatal("mock transport reports hardreset")
	}
	if err := p.reset(context.Background(), false); err != nil {
		t.Fatalf("reset() error = %v", err)
	}
	tr.mu.Lock()
	resets := tr.resets
	tr.mu.Unlock()
	if resets != 1 {
		t.Errorf("softresets = %d, want 1", resets)
	}
	if got := p.hostLink().ehc.classes[0]; got != transport.ClassATA {
		t.Errorf("class = %s, want ata", got)
	}
	if p.hostLink().ehc.Flags&InfoDidSoftReset == 0 {
		t.Error("InfoDidSoftReset not set")
	}
	if p.Frozen() {
		t.Error("port left frozen")
	}
}

// =============================================================================
// Escalation
// =============================================================================

func TestResetEscalation(t *testing.T) {
	cfg := testConfig(nil)
	h, ctrl := startSim(t, cfg, sataPort(simDisk()))
	p := h.Port(0)

	ctrl.ScriptReset(0, 0,
		sim.ResetScript{Kind: sim.ResetHard, Err: pkg.ErrIO},
		sim.ResetScript{Kind: sim.ResetHard, Err: pkg.ErrIO},
	)
	recs := resetAgain(t, p, ctrl)
	if len(recs) != 3 {
		t.Fatalf("got %d resets, want 3: %v", len(recs), kinds(recs))
	}
	for i, r := range recs {
		if r.Kind != sim.ResetHard {
			t.Errorf("reset %d kind = %s, want hard", i, r.Kind)
		}
		if got := r.Deadline.Sub(r.At); got != cfg.ResetTimeouts[i] {
			t.Errorf("reset %d timeout = %v, want %v", i, got, cfg.ResetTimeouts[i])
		}
		if i > 0 && r.At.Before(recs[i-1].Deadline) {
			t.Errorf("reset %d started at %v before previous deadline %v", i, r.At, recs[i-1].Deadline)
		}
	}

	// Each failure lowers the link speed ceiling one notch and the next
	// hard reset programs it.
	for i, want := range []uint32{0, 2, 1} {
		if got := (recs[i].SControl >> 4) & 0xf; got != want {
			t.Errorf("reset %d SControl speed = %d, want %d", i, got, want)
		}
	}
	if got := p.Link(0).SpeedLimit(); got != 1 {
		t.Errorf("SpeedLimit() = %d, want 1", got)
	}
	if got := p.Link(0).Speed(); got != 1 {
		t.Errorf("Speed() = %d, want 1", got)
	}
	if !p.Device(0).Enabled() {
		t.Error("device not enabled after recovery")
	}
	if got := testutil.ToFloat64(h.Metrics().Resets.WithLabelValues("hard", "failed")); got != 2 {
		t.Errorf("failed hardresets = %v, want 2", got)
	}
}

func TestResetGivesUp(t *testing.T) {
	cfg := testConfig(nil)
	h, ctrl := startSim(t, cfg, sataPort(simDisk()))
	p := h.Port(0)

	scripts := make([]sim.ResetScript, len(cfg.ResetTimeouts))
	for i := range scripts {
		scripts[i] = sim.ResetScript{Kind: sim.ResetHard, Err: pkg.ErrIO}
	}
	ctrl.ScriptReset(0, 0, scripts...)

	recs := resetAgain(t, p, ctrl)
	if len(recs) != len(cfg.ResetTimeouts) {
		t.Errorf("got %d resets, want %d", len(recs), len(cfg.ResetTimeouts))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Deadline.Before(recs[i-1].Deadline) {
			t.Errorf("reset %d deadline %v before reset %d deadline %v",
				i, recs[i].Deadline, i-1, recs[i-1].Deadline)
		}
	}
	if p.Device(0).Enabled() {
		t.Error("device still enabled after reset failure")
	}
	if p.Frozen() {
		t.Error("port left frozen")
	}
}

func TestResetCoolDown(t *testing.T) {
	cfg := testConfig(nil)
	h, ctrl := startSim(t, cfg, sataPort(simDisk()))
	p := h.Port(0)

	first := resetAgain(t, p, ctrl)
	second := resetAgain(t, p, ctrl)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("resets = %v, %v; want one each", kinds(first), kinds(second))
	}
	if gap := second[0].At.Sub(first[0].At); gap < cfg.ResetCoolDown {
		t.Errorf("resets %v apart, want at least %v", gap, cfg.ResetCoolDown)
	}
}

// =============================================================================
// Debounce Selection
// =============================================================================

func TestDebounceFor(t *testing.T) {
	tr := newMockTransport(transport.PortInfo{QueueDepth: 1})
	p, _ := newTestPort(t, tr)
	l := p.hostLink()
	deb := p.cfg.Debounce

	tests := []struct {
		name  string
		flags InfoFlag
		lflag LinkFlag
		try   int
		want  Debounce
	}{
		{"normal", 0, 0, 0, deb.Normal},
		{"normal retry", 0, 0, 2, deb.Normal},
		{"hotplug first try", InfoHotplugged, 0, 0, deb.Hotplug},
		{"hotplug retry", InfoHotplugged, 0, 1, deb.Long},
		{"long link", 0, LinkDebounceLong, 0, deb.Long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l.ehc.Flags = tt.flags
			l.flags = tt.lflag
			if got := p.debounceFor(l, tt.try); got != tt.want {
				t.Errorf("debounceFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFollowupSoftResetNeeded(t *testing.T) {
	tr := newMockTransport(transport.PortInfo{QueueDepth: 1})
	p, _ := newTestPort(t, tr)
	l := p.hostLink()
	online := func(c ...transport.Class) transport.ResetResult {
		return transport.ResetResult{Online: true, Classes: c}
	}
	tests := []struct {
		name string
		res  transport.ResetResult
		err  error
		want bool
	}{
		{"classified", online(transport.ClassATA), nil, false},
		{"unknown class", online(transport.ClassUnknown), nil, true},
		{"offline unknown", transport.ResetResult{Classes: []transport.Class{transport.ClassUnknown}}, nil, false},
		{"retry", transport.ResetResult{}, pkg.ErrRetry, true},
		{"wrapped retry", transport.ResetResult{}, errors.Join(pkg.ErrRetry), true},
		{"io error", transport.ResetResult{}, pkg.ErrIO, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.followupSoftResetNeeded(l, tt.res, tt.err); got != tt.want {
				t.Errorf("followupSoftResetNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Early Exits
// =============================================================================

func TestPreResetFailureThaws(t *testing.T) {
	clk := clock.NewVirtual(epoch)
	ctrl := sim.New("sim", clk, sataPort(simDisk()))
	var fail atomic.Bool
	ops := transport.Compose(ctrl).
		WithPreReset(func(ctx context.Context, l transport.LinkRef, deadline time.Time) error {
			if fail.Load() {
				return pkg.ErrIO
			}
			return nil
		}).
		Build()

	h, err := New(ops, testConfig(clk))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	p := h.Port(0)
	waitEH(t, p)
	d := p.Device(0)
	if !d.Enabled() {
		t.Fatal("device not discovered")
	}

	fail.Store(true)
	freezes, thaws := ctrl.FreezeCounts(0)
	p.Freeze()
	waitEH(t, p)

	if p.Frozen() {
		t.Error("port left frozen after prereset failure")
	}
	if p.Phase() != PhaseIdle {
		t.Errorf("Phase() = %s, want idle", p.Phase())
	}
	f2, t2 := ctrl.FreezeCounts(0)
	if f2-freezes != t2-thaws {
		t.Errorf("freezes %d, thaws %d during the pass", f2-freezes, t2-thaws)
	}
	if got := testutil.ToFloat64(h.Metrics().PortFrozen.WithLabelValues("0")); got != 0 {
		t.Errorf("frozen gauge = %v, want 0", got)
	}
	if _, err := p.Submit(d, NewRead(0, 1, make([]byte, 512))); errors.Is(err, pkg.ErrFrozen) {
		t.Errorf("Submit() error = %v, want a device error rather than ErrFrozen", err)
	}
}
