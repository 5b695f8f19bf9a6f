// Package power samples the battery gauge and publishes PowerState.
package power

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"ptalk/internal/state"
)

// Sample is one reading of the battery gauge.
type Sample struct {
	Percent  int
	Charging bool
	Full     bool
}

// Sampler reads the gauge. An error means the reading is unusable.
type Sampler interface {
	Sample() (Sample, error)
}

type Config struct {
	Interval     time.Duration `yaml:"interval"`
	LowThreshold int           `yaml:"low_threshold"`
	SupplyPath   string        `yaml:"supply_path"`
}

func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		LowThreshold: 10,
		SupplyPath:   "/sys/class/power_supply/battery",
	}
}

var ErrNoSampler = errors.New("power: no sampler configured")

// Evaluate maps a reading onto a PowerState. Priority: unusable reading,
// full, charging, low, normal.
func Evaluate(s Sample, err error, lowThreshold int) state.PowerState {
	switch {
	case err != nil:
		return state.PowerError
	case s.Full:
		return state.PowerFullBattery
	case s.Charging:
		return state.PowerCharging
	case s.Percent <= lowThreshold:
		return state.PowerCritical
	default:
		return state.PowerNormal
	}
}

// Manager periodically evaluates the gauge and publishes only on change.
type Manager struct {
	sm      *state.Manager
	sampler Sampler
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	current   state.PowerState
	percent   int
	onPercent func(int)
	stop      chan struct{}
	done      chan struct{}
}

func New(sm *state.Manager, sampler Sampler, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Manager{
		sm:      sm,
		sampler: sampler,
		cfg:     cfg,
		logger:  logger.With("component", "power"),
		percent: -1,
	}
}

// OnPercentChange registers fn for battery percentage changes. It runs on
// the sampling goroutine.
func (m *Manager) OnPercentChange(fn func(percent int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPercent = fn
}

// Init seeds the dedup state from the StateManager.
func (m *Manager) Init() error {
	if m.sampler == nil {
		return ErrNoSampler
	}
	m.mu.Lock()
	m.current = m.sm.Power()
	m.mu.Unlock()
	return nil
}

// Start launches the sampling goroutine. Calling it twice is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	m.logger.Info("power sampling started", "interval", m.cfg.Interval)
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Info("power sampling stopped")
}

func (m *Manager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SampleNow()
		}
	}
}

// SampleNow reads the gauge once and publishes the resulting state if it changed.
func (m *Manager) SampleNow() {
	if m.sampler == nil {
		return
	}
	s, err := m.sampler.Sample()
	if err != nil {
		m.logger.Warn("battery sample failed", "err", err)
	} else {
		m.updatePercent(s.Percent)
	}
	m.setState(Evaluate(s, err, m.cfg.LowThreshold))
}

// Percent returns the last valid reading, or -1 before the first one.
func (m *Manager) Percent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.percent
}

func (m *Manager) updatePercent(p int) {
	m.mu.Lock()
	if p == m.percent {
		m.mu.Unlock()
		return
	}
	m.percent = p
	fn := m.onPercent
	m.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (m *Manager) setState(s state.PowerState) {
	m.mu.Lock()
	if s == m.current {
		m.mu.Unlock()
		return
	}
	m.current = s
	m.mu.Unlock()

	m.logger.Info("power state changed", "state", s)
	m.sm.SetPower(s)
}
