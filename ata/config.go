package ata

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/xfer"
)

// Debounce is a link debounce timing profile.
type Debounce struct {
	// Interval between SStatus samples.
	Interval time.Duration `yaml:"interval"`
	// Duration the DET field must stay unchanged to be considered stable.
	Duration time.Duration `yaml:"duration"`
	// Timeout bounds the whole debounce.
	Timeout time.Duration `yaml:"timeout"`
}

// DebounceProfiles selects debounce timing by situation.
type DebounceProfiles struct {
	Normal  Debounce `yaml:"normal"`
	Hotplug Debounce `yaml:"hotplug"`
	Long    Debounce `yaml:"long"`
}

// InternalTimeouts are the escalating timeouts of internal commands. Each
// time a command of a class times out during a pass, the next entry is
// used for it on that device.
type InternalTimeouts struct {
	Identify    []time.Duration `yaml:"identify"`
	NativeMax   []time.Duration `yaml:"native_max"`
	Flush       []time.Duration `yaml:"flush"`
	SetFeatures []time.Duration `yaml:"set_features"`
	Default     time.Duration   `yaml:"default"`
}

// SpeedDownPolicy holds the failure density thresholds. A directive fires
// when a count exceeds its threshold.
type SpeedDownPolicy struct {
	ShortWindow time.Duration `yaml:"short_window"`
	LongWindow  time.Duration `yaml:"long_window"`

	ShortBusTimeout int `yaml:"short_bus_timeout"`
	ShortTimeoutDev int `yaml:"short_timeout_dev"`
	ShortTotal      int `yaml:"short_total"`
	LongTimeoutDev  int `yaml:"long_timeout_dev"`
	LongBusTimeout  int `yaml:"long_bus_timeout"`
	LongDev         int `yaml:"long_dev"`
}

// Force overrides the configuration of matching ports, links and devices.
type Force struct {
	// ID selects the target: "" for everything, "P" for port P, or
	// "P.DD" for device DD of port P.
	ID string `yaml:"id"`

	XferMode    string   `yaml:"xfer_mode"`
	SpeedLimit  uint32   `yaml:"speed_limit"`
	NoNCQ       bool     `yaml:"no_ncq"`
	NoHardReset bool     `yaml:"no_hardreset"`
	NoSoftReset bool     `yaml:"no_softreset"`
	Horkage     []string `yaml:"horkage"`

	port, dev int
	mode      xfer.Mode
	horkage   Horkage
}

// Quirk assigns horkage to devices by model and firmware glob.
type Quirk struct {
	Model    string   `yaml:"model"`
	Firmware string   `yaml:"firmware"`
	Horkage  []string `yaml:"horkage"`

	horkage Horkage
}

// Config is the immutable configuration of a Host.
type Config struct {
	// ResetTimeouts bounds each reset attempt; its length is the number of
	// attempts. Entries need not grow: a failed attempt waits out its own
	// deadline, so the next attempt's deadline is always later.
	ResetTimeouts   []time.Duration `yaml:"reset_timeouts"`
	ResetCoolDown   time.Duration   `yaml:"reset_cool_down"`
	PreResetTimeout time.Duration   `yaml:"prereset_timeout"`

	FastDrainInterval time.Duration `yaml:"fast_drain_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	CommandRetries    int           `yaml:"command_retries"`

	EHMaxTries  int `yaml:"eh_max_tries"`
	EHMaxRepeat int `yaml:"eh_max_repeat"`
	DevTries    int `yaml:"dev_tries"`

	DiscoverTrials        int           `yaml:"discover_trials"`
	DiscoverTrialInterval time.Duration `yaml:"discover_trial_interval"`

	LinkResumeTries int           `yaml:"link_resume_tries"`
	LinkResumeDelay time.Duration `yaml:"link_resume_delay"`

	Debounce  DebounceProfiles `yaml:"debounce"`
	Internal  InternalTimeouts `yaml:"internal"`
	SpeedDown SpeedDownPolicy  `yaml:"speed_down"`

	// UnlockHPA removes hidden areas at configuration time.
	UnlockHPA bool `yaml:"unlock_hpa"`

	Force  []Force `yaml:"force"`
	Quirks []Quirk `yaml:"quirks"`

	// Clock drives every timeout and sleep. Nil means the wall clock.
	Clock clock.Clock `yaml:"-"`
	// Registerer receives the host metrics when non-nil.
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		ResetTimeouts:      []time.Duration{10 * time.Second, 10 * time.Second, 35 * time.Second, 5 * time.Second},
		ResetCoolDown:      5 * time.Second,
		PreResetTimeout:    10 * time.Second,
		FastDrainInterval:  3 * time.Second,
		CommandTimeout:     30 * time.Second,
		CommandRetries:     5,
		EHMaxTries:         5,
		EHMaxRepeat:        5,
		DevTries:           3,
		DiscoverTrials:        2,
		DiscoverTrialInterval: time.Minute,
		LinkResumeTries:    5,
		LinkResumeDelay:    200 * time.Millisecond,
		Debounce: DebounceProfiles{
			Normal:  Debounce{5 * time.Millisecond, 100 * time.Millisecond, 2 * time.Second},
			Hotplug: Debounce{25 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
			Long:    Debounce{100 * time.Millisecond, 2 * time.Second, 5 * time.Second},
		},
		Internal: InternalTimeouts{
			Identify:    []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
			NativeMax:   []time.Duration{15 * time.Second, 15 * time.Second},
			Flush:       []time.Duration{15 * time.Second, 15 * time.Second, 30 * time.Second},
			SetFeatures: []time.Duration{5 * time.Second, 10 * time.Second},
			Default:     5 * time.Second,
		},
		SpeedDown: SpeedDownPolicy{
			ShortWindow:     5 * time.Minute,
			LongWindow:      10 * time.Minute,
			ShortBusTimeout: 1,
			ShortTimeoutDev: 1,
			ShortTotal:      6,
			LongTimeoutDev:  3,
			LongBusTimeout:  3,
			LongDev:         6,
		},
	}
}

// ParseConfig decodes a YAML document over the defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(name string) (Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(data)
}

// Validate reports the first invalid setting. It does not modify c.
func (c *Config) Validate() error {
	if len(c.ResetTimeouts) == 0 {
		return fmt.Errorf("reset_timeouts: at least one timeout is required")
	}
	for i, d := range c.ResetTimeouts {
		if d <= 0 {
			return fmt.Errorf("reset_timeouts[%d]: must be positive, got %v", i, d)
		}
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"prereset_timeout", c.PreResetTimeout},
		{"fast_drain_interval", c.FastDrainInterval},
		{"command_timeout", c.CommandTimeout},
		{"discover_trial_interval", c.DiscoverTrialInterval},
		{"speed_down.short_window", c.SpeedDown.ShortWindow},
		{"speed_down.long_window", c.SpeedDown.LongWindow},
		{"internal.default", c.Internal.Default},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s: must be positive, got %v", p.name, p.d)
		}
	}
	if c.ResetCoolDown < 0 || c.LinkResumeDelay < 0 {
		return fmt.Errorf("reset_cool_down and link_resume_delay must not be negative")
	}
	if c.SpeedDown.LongWindow < c.SpeedDown.ShortWindow {
		return fmt.Errorf("speed_down.long_window (%v) is shorter than short_window (%v)",
			c.SpeedDown.LongWindow, c.SpeedDown.ShortWindow)
	}
	counts := []struct {
		name string
		n    int
		min  int
	}{
		{"command_retries", c.CommandRetries, 0},
		{"eh_max_tries", c.EHMaxTries, 1},
		{"eh_max_repeat", c.EHMaxRepeat, 1},
		{"dev_tries", c.DevTries, 1},
		{"discover_trials", c.DiscoverTrials, 0},
		{"link_resume_tries", c.LinkResumeTries, 1},
	}
	for _, n := range counts {
		if n.n < n.min {
			return fmt.Errorf("%s: must be at least %d, got %d", n.name, n.min, n.n)
		}
	}
	for name, p := range map[string]Debounce{
		"normal": c.Debounce.Normal, "hotplug": c.Debounce.Hotplug, "long": c.Debounce.Long,
	} {
		if p.Interval <= 0 || p.Duration <= 0 || p.Timeout < p.Duration {
			return fmt.Errorf("debounce.%s: invalid profile %v/%v/%v", name, p.Interval, p.Duration, p.Timeout)
		}
	}
	for i := range c.Force {
		if _, err := c.Force[i].compile(); err != nil {
			return fmt.Errorf("force[%d]: %w", i, err)
		}
	}
	for i, q := range c.Quirks {
		if q.Model == "" {
			return fmt.Errorf("quirks[%d]: model is required", i)
		}
		if _, err := path.Match(q.Model, ""); err != nil {
			return fmt.Errorf("quirks[%d]: model: %w", i, err)
		}
		if _, err := path.Match(q.Firmware, ""); err != nil {
			return fmt.Errorf("quirks[%d]: firmware: %w", i, err)
		}
		if _, err := ParseHorkage(q.Horkage); err != nil {
			return fmt.Errorf("quirks[%d]: %w", i, err)
		}
	}
	return nil
}

// normalize compiles the force and quirk entries of a validated config.
func (c Config) normalize() Config {
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	force := make([]Force, len(c.Force))
	for i := range c.Force {
		force[i], _ = c.Force[i].compile()
	}
	c.Force = force
	quirks := make([]Quirk, len(c.Quirks))
	for i, q := range c.Quirks {
		q.horkage, _ = ParseHorkage(q.Horkage)
		quirks[i] = q
	}
	c.Quirks = quirks
	return c
}

func (f Force) compile() (Force, error) {
	f.port, f.dev = -1, -1
	if f.ID != "" {
		ps, ds, hasDev := strings.Cut(f.ID, ".")
		p, err := strconv.Atoi(ps)
		if err != nil || p < 0 {
			return f, fmt.Errorf("invalid id %q", f.ID)
		}
		f.port = p
		if hasDev {
			d, err := strconv.Atoi(ds)
			if err != nil || d < 0 || d >= MaxDevices {
				return f, fmt.Errorf("invalid device in id %q", f.ID)
			}
			f.dev = d
		}
	}
	f.mode = xfer.ModeNone
	if f.XferMode != "" {
		md, ok := xfer.ParseMode(f.XferMode)
		if !ok {
			return f, fmt.Errorf("unknown xfer_mode %q", f.XferMode)
		}
		f.mode = md
	}
	if f.SpeedLimit > 3 {
		return f, fmt.Errorf("speed_limit %d out of range", f.SpeedLimit)
	}
	h, err := ParseHorkage(f.Horkage)
	if err != nil {
		return f, err
	}
	f.horkage = h
	return f, nil
}

func (f *Force) matches(port, dev int) bool {
	if f.port >= 0 && f.port != port {
		return false
	}
	return f.dev < 0 || dev < 0 || f.dev == dev
}

// forcedFor returns the compiled force entries applying to a device, or
// to the port itself when dev is negative.
func (c *Config) forcedFor(port, dev int) []*Force {
	var out []*Force
	for i := range c.Force {
		f := &c.Force[i]
		if !f.matches(port, dev) {
			continue
		}
		if dev < 0 && f.dev >= 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// quirksFor returns the horkage of every quirk matching model and firmware.
func (c *Config) quirksFor(model, firmware string) Horkage {
	var h Horkage
	for _, q := range c.Quirks {
		if ok, _ := path.Match(q.Model, model); !ok {
			continue
		}
		if q.Firmware != "" {
			if ok, _ := path.Match(q.Firmware, firmware); !ok {
				continue
			}
		}
		h |= q.horkage
	}
	return h
}

// Horkage is a set of device quirks altering policy.
type Horkage uint32

// Device quirks.
const (
	HorkageNoNCQ Horkage = 1 << iota
	HorkageBrokenHPA
	HorkageNoDMA
	HorkageMaxUDMA33
	HorkageNoSetXfer
	HorkageDisable
)

var horkageNames = []struct {
	bit  Horkage
	name string
}{
	{HorkageNoNCQ, "noncq"},
	{HorkageBrokenHPA, "broken_hpa"},
	{HorkageNoDMA, "nodma"},
	{HorkageMaxUDMA33, "max_udma33"},
	{HorkageNoSetXfer, "nosetxfer"},
	{HorkageDisable, "disable"},
}

// ParseHorkage converts quirk names to bits.
func ParseHorkage(names []string) (Horkage, error) {
	var h Horkage
next:
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		for _, hn := range horkageNames {
			if hn.name == n {
				h |= hn.bit
				continue next
			}
		}
		return 0, fmt.Errorf("unknown horkage %q", n)
	}
	return h, nil
}

func (h Horkage) String() string {
	if h == 0 {
		return "none"
	}
	var parts []string
	for _, hn := range horkageNames {
		if h&hn.bit != 0 {
			parts = append(parts, hn.name)
		}
	}
	return strings.Join(parts, ",")
}
