package ata

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softata/transport"
)

// Metrics are the error handling counters of a host. A nil *Metrics
// discards every observation.
type Metrics struct {
	EHPasses        prometheus.Counter
	Resets          *prometheus.CounterVec
	SpeedDowns      *prometheus.CounterVec
	CommandsFailed  *prometheus.CounterVec
	DevicesDisabled prometheus.Counter
	PortFrozen      *prometheus.GaugeVec
}

// NewMetrics creates the host metrics and registers them on reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EHPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softata_eh_passes_total",
			Help: "Error handling passes run.",
		}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softata_resets_total",
			Help: "Link resets by method and result.",
		}, []string{"kind", "result"}),
		SpeedDowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softata_speed_down_total",
			Help: "Speed-down actions applied.",
		}, []string{"action"}),
		CommandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softata_commands_failed_total",
			Help: "Commands completed with an error, by most significant category.",
		}, []string{"mask"}),
		DevicesDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softata_devices_disabled_total",
			Help: "Devices disabled by error handling.",
		}),
		PortFrozen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "softata_port_frozen",
			Help: "Whether a port is frozen.",
		}, []string{"port"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.EHPasses, m.Resets, m.SpeedDowns, m.CommandsFailed, m.DevicesDisabled, m.PortFrozen,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) ehPass() {
	if m != nil {
		m.EHPasses.Inc()
	}
}

func (m *Metrics) reset(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Resets.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) speedDown(action string) {
	if m != nil {
		m.SpeedDowns.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) commandFailed(mask transport.ErrMask) {
	if m != nil {
		m.CommandsFailed.WithLabelValues(mask.String()).Inc()
	}
}

func (m *Metrics) deviceDisabled() {
	if m != nil {
		m.DevicesDisabled.Inc()
	}
}

func (m *Metrics) frozen(port int, frozen bool) {
	if m == nil {
		return
	}
	v := 0.0
	if frozen {
		v = 1
	}
	m.PortFrozen.WithLabelValues(strconv.Itoa(port)).Set(v)
}
