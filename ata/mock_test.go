package ata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/transport/sim"
	"github.com/ardnew/softata/xfer"
)

// =============================================================================
// Mock Transport for Testing
// =============================================================================

// mockTransport implements transport.Transport with no optional
// capabilities. Commands stay in flight until the test completes them.
type mockTransport struct {
	info transport.HostInfo

	mu      sync.Mutex
	issued  []transport.Command
	results map[transport.Tag]transport.Taskfile
	freezes int
	thaws   int
	resets  int
	issueFn func(*transport.Command) error
}

var _ transport.Transport = (*mockTransport)(nil)

func newMockTransport(ports ...transport.PortInfo) *mockTransport {
	return &mockTransport{
		info:    transport.HostInfo{Name: "mock", Ports: ports},
		results: make(map[transport.Tag]transport.Taskfile),
	}
}

func (m *mockTransport) Info() transport.HostInfo                    { return m.info }
func (m *mockTransport) Attach(port int, ev transport.Events) error { return nil }
func (m *mockTransport) Detach(port int)                             {}

func (m *mockTransport) Issue(cmd *transport.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued = append(m.issued, *cmd)
	if m.issueFn != nil {
		return m.issueFn(cmd)
	}
	return nil
}

func (m *mockTransport) ReadResult(cmd *transport.Command) transport.Taskfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tf, ok := m.results[cmd.Tag]; ok {
		return tf
	}
	tf := cmd.TF
	tf.Status = transport.StatusDRDY
	return tf
}

func (m *mockTransport) Classify(dev transport.DeviceRef) transport.Class {
	return transport.ClassATA
}

func (m *mockTransport) Freeze(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freezes++
}

func (m *mockTransport) Thaw(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thaws++
}

func (m *mockTransport) SoftReset(ctx context.Context, l transport.LinkRef, deadline time.Time) (transport.ResetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return transport.ResetResult{Online: true, Classes: []transport.Class{transport.ClassATA}}, nil
}

func (m *mockTransport) setResult(tag transport.Tag, tf transport.Taskfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[tag] = tf
}

func (m *mockTransport) issuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

// =============================================================================
// Helpers
// =============================================================================

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig(clk clock.Clock) Config {
	cfg := DefaultConfig()
	cfg.Clock = clk
	cfg.Registerer = prometheus.NewRegistry()
	return cfg
}

// newTestPort returns port 0 of a host that is never started, so no
// worker runs and tests drive the port directly.
func newTestPort(t *testing.T, tr transport.Transport) (*Port, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(epoch)
	h, err := New(tr, testConfig(clk))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h.Port(0), clk
}

// enableDev makes d a configured ATA disk.
func enableDev(d *Device, ncq bool, mode xfer.Mode) {
	p := d.port
	p.mutex.Lock()
	defer p.mutex.Unlock()
	d.class = transport.ClassATA
	d.flags |= devLBA | devLBA48
	d.sectors = 1 << 20
	d.xferMode = mode
	d.xferMask = xfer.MaskAll.Limit(mode)
	if mode.IsDMA() {
		d.dmaMode = mode
	}
	if ncq {
		d.flags |= devNCQ
		d.queueDepth = p.info.QueueDepth
	}
}

func isDone(c *Command) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// startSim starts a host on a simulated controller sharing one virtual
// clock, and waits for the initial discovery of every port.
func startSim(t *testing.T, cfg Config, ports ...sim.PortConfig) (*Host, *sim.Controller) {
	t.Helper()
	clk, ok := cfg.Clock.(*clock.Virtual)
	if !ok {
		clk = clock.NewVirtual(epoch)
		cfg.Clock = clk
	}
	ctrl := sim.New("sim", clk, ports...)
	h, err := New(ctrl, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	for _, p := range h.Ports() {
		waitEH(t, p)
	}
	return h, ctrl
}

func waitEH(t *testing.T, p *Port) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitEH(ctx); err != nil {
		t.Fatalf("WaitEH() error = %v", err)
	}
}

// requestEH queues action for dev on its link and schedules a pass.
func requestEH(p *Port, dev int, action Action) {
	p.mutex.Lock()
	defer p.unlock()
	p.devices[dev].physLink().eh.DevAction[dev] |= action
	p.scheduleEHLocked()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func sataPort(disks ...*sim.Disk) sim.PortConfig {
	return sim.PortConfig{Flags: transport.PortSATA | transport.PortNCQ, Disks: disks}
}
