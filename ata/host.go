package ata

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

// Host manages the ports of one host controller. Error handling runs on
// one worker per port; at most one of them holds EH ownership at a time.
type Host struct {
	ops     *transport.Ops
	info    transport.HostInfo
	cfg     Config
	metrics *Metrics
	ports   []*Port

	// ehSem is the EH ownership token shared by every port.
	ehSem *semaphore.Weighted
	wg    sync.WaitGroup

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Event channel
	deviceAttached chan *Device

	// Callbacks
	onDeviceAttach func(*Device)
	onDeviceDetach func(*Device)
}

// New creates a host for the controller behind t.
func New(t transport.Transport, cfg Config) (*Host, error) {
	if t == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg = cfg.normalize()
	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	h := &Host{
		ops:     transport.Resolve(t),
		cfg:     cfg,
		metrics: metrics,
		ehSem:   semaphore.NewWeighted(1),
	}
	h.info = h.ops.Info()
	for i, pi := range h.info.Ports {
		h.ports = append(h.ports, newPort(h, i, pi))
	}
	h.deviceAttached = make(chan *Device, len(h.ports)*MaxDevices)
	return h, nil
}

// Start attaches every port and schedules the initial discovery. Devices
// appear once error handling identifies them.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	for i, p := range h.ports {
		if err := h.ops.Attach(p.index, p); err != nil {
			for _, q := range h.ports[:i] {
				h.ops.Detach(q.index)
			}
			h.cancel()
			return fmt.Errorf("attach port %d: %w", p.index, err)
		}
	}

	for _, p := range h.ports {
		for _, l := range p.links {
			l.initSpeed()
		}
		p.mutex.Lock()
		eh := &p.hostLink().eh
		eh.DiscoverMask |= allDevices
		eh.Action |= ActionReset
		eh.Flags |= InfoNoAutopsy | InfoQuiet
		p.scheduleEHLocked()
		p.unlock()
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	for _, p := range h.ports {
		h.wg.Add(1)
		go p.run(h.ctx)
	}

	pkg.LogInfo(pkg.ComponentHost, "host started", "name", h.info.Name, "ports", len(h.ports))
	return nil
}

// Stop unloads every port and waits for the workers to exit. Queued and
// failed commands complete with ErrUnloading.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.mutex.Unlock()

	for _, p := range h.ports {
		p.mutex.Lock()
		p.flags |= portUnloading
		p.freezeLocked()
		p.unlock()
	}
	h.wg.Wait()

	h.mutex.Lock()
	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	h.mutex.Unlock()

	for _, p := range h.ports {
		h.ops.Detach(p.index)
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped", "name", h.info.Name)
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool { return h.isRunning() }

func (h *Host) isRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Ports returns the ports of the host.
func (h *Host) Ports() []*Port { return append([]*Port(nil), h.ports...) }

// Port returns port i, or nil.
func (h *Host) Port(i int) *Port {
	if i < 0 || i >= len(h.ports) {
		return nil
	}
	return h.ports[i]
}

// Metrics returns the host metrics.
func (h *Host) Metrics() *Metrics { return h.metrics }

// Config returns the normalized host configuration.
func (h *Host) Config() Config { return h.cfg }

// WaitDevice blocks until a device is attached.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hctx := h.ctx
	h.mutex.RUnlock()
	if hctx == nil {
		return nil, pkg.ErrNotRunning
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hctx.Done():
		return nil, pkg.ErrNotRunning
	case dev := <-h.deviceAttached:
		return dev, nil
	}
}

// SetOnDeviceAttach sets the callback for newly usable devices.
func (h *Host) SetOnDeviceAttach(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceAttach = cb
}

// SetOnDeviceDetach sets the callback for devices that went away.
func (h *Host) SetOnDeviceDetach(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDetach = cb
}

func (h *Host) notifyAttach(dev *Device) {
	pkg.LogInfo(pkg.ComponentHost, "device attached", "dev", dev, "class", dev.Class(), "model", dev.Model())
	select {
	case h.deviceAttached <- dev:
	default:
	}
	h.mutex.RLock()
	cb := h.onDeviceAttach
	h.mutex.RUnlock()
	if cb != nil {
		cb(dev)
	}
}

func (h *Host) notifyDetach(dev *Device) {
	h.mutex.RLock()
	cb := h.onDeviceDetach
	h.mutex.RUnlock()
	if cb != nil {
		cb(dev)
	}
}
