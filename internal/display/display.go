// Package display renders the device state to a panel at a fixed frame rate
// and drives the backlight.
package display

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"ptalk/internal/state"
)

var ErrNoPanel = errors.New("display: no panel configured")

// Frame is everything a panel draws.
type Frame struct {
	Interaction  state.InteractionState
	Source       state.InputSource
	Connectivity state.ConnectivityState
	System       state.SystemState
	Power        state.PowerState
	Emotion      state.EmotionState

	// Battery is -1 until the first reading.
	Battery int
	Text    string
	// OTAProgress is -1 when no update is running.
	OTAProgress int
	OTAError    string
}

type Panel interface {
	Render(f Frame) error
}

// Backlight takes 0-100; 0 is off.
type Backlight interface {
	SetBrightness(percent int) error
}

type Config struct {
	FPS         int           `yaml:"fps"`
	Brightness  int           `yaml:"brightness"`
	TextTimeout time.Duration `yaml:"text_timeout"`
}

func DefaultConfig() Config {
	return Config{
		FPS:         10,
		Brightness:  80,
		TextTimeout: 5 * time.Second,
	}
}

// ============================================================================
// Manager
// ============================================================================

type Manager struct {
	sm        *state.Manager
	panel     Panel
	backlight Backlight
	cfg       Config
	logger    *slog.Logger

	mu          sync.Mutex
	frame       Frame
	dirty       bool
	textUntil   time.Time
	backlightOn bool
	brightness  int
	unsubs      []func()
	stop        chan struct{}
	done        chan struct{}
}

func New(sm *state.Manager, panel Panel, backlight Backlight, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultConfig().FPS
	}
	return &Manager{
		sm:          sm,
		panel:       panel,
		backlight:   backlight,
		cfg:         cfg,
		logger:      logger.With("component", "display"),
		frame:       Frame{Battery: -1, OTAProgress: -1},
		dirty:       true,
		backlightOn: true,
		brightness:  cfg.Brightness,
	}
}

// Init seeds the frame from the StateManager and subscribes to all five
// categories.
func (m *Manager) Init() error {
	if m.panel == nil {
		return ErrNoPanel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubs != nil {
		return nil
	}

	snap := m.sm.Snapshot()
	m.frame.Interaction, m.frame.Source = snap.Interaction, snap.Source
	m.frame.Connectivity = snap.Connectivity
	m.frame.System = snap.System
	m.frame.Power = snap.Power
	m.frame.Emotion = snap.Emotion
	m.dirty = true

	iid := m.sm.SubscribeInteraction(func(s state.InteractionState, src state.InputSource) {
		m.update(func(f *Frame) { f.Interaction, f.Source = s, src })
	})
	cid := m.sm.SubscribeConnectivity(func(s state.ConnectivityState) {
		m.update(func(f *Frame) { f.Connectivity = s })
	})
	sid := m.sm.SubscribeSystem(func(s state.SystemState) {
		m.update(func(f *Frame) {
			f.System = s
			if s != state.SystemUpdatingFirmware {
				f.OTAProgress = -1
			}
		})
	})
	pid := m.sm.SubscribePower(func(s state.PowerState) {
		m.update(func(f *Frame) { f.Power = s })
	})
	eid := m.sm.SubscribeEmotion(func(s state.EmotionState) {
		m.update(func(f *Frame) { f.Emotion = s })
	})
	m.unsubs = []func(){
		func() { m.sm.UnsubscribeInteraction(iid) },
		func() { m.sm.UnsubscribeConnectivity(cid) },
		func() { m.sm.UnsubscribeSystem(sid) },
		func() { m.sm.UnsubscribePower(pid) },
		func() { m.sm.UnsubscribeEmotion(eid) },
	}
	return nil
}

// Close drops the StateManager subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (m *Manager) update(fn func(*Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.frame)
	m.dirty = true
}

// Frame returns a copy of the current frame.
func (m *Manager) Frame() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// StartLoop launches the render goroutine. Calling it while running is a no-op.
func (m *Manager) StartLoop() error {
	if m.panel == nil {
		return ErrNoPanel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.dirty = true
	go m.loop(m.stop, m.done)
	m.logger.Info("render loop started", "fps", m.cfg.FPS)
	return nil
}

// StopLoop ends the render goroutine; the last frame stays on the panel.
func (m *Manager) StopLoop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Info("render loop stopped")
}

func (m *Manager) LoopRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *Manager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(m.cfg.FPS))
	defer ticker.Stop()

	m.renderIfDirty()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.renderIfDirty()
		}
	}
}

func (m *Manager) renderIfDirty() {
	m.mu.Lock()
	if m.frame.Text != "" && !m.textUntil.IsZero() && time.Now().After(m.textUntil) {
		m.frame.Text = ""
		m.textUntil = time.Time{}
		m.dirty = true
	}
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	f := m.frame
	m.dirty = false
	m.mu.Unlock()

	if err := m.panel.Render(f); err != nil {
		m.logger.Warn("render failed", "err", err)
	}
}

// ============================================================================
// Overlays and backlight
// ============================================================================

// PlayText shows text for TextTimeout (forever when zero).
func (m *Manager) PlayText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame.Text = text
	m.textUntil = time.Time{}
	if m.cfg.TextTimeout > 0 {
		m.textUntil = time.Now().Add(m.cfg.TextTimeout)
	}
	m.dirty = true
}

func (m *Manager) ClearText() {
	m.update(func(f *Frame) { f.Text = "" })
}

func (m *Manager) SetBatteryPercent(p int) {
	m.update(func(f *Frame) { f.Battery = p })
}

func (m *Manager) ShowOTAProgress(percent int) {
	m.update(func(f *Frame) {
		f.OTAProgress = percent
		f.OTAError = ""
	})
}

func (m *Manager) ShowOTAError(msg string) {
	m.update(func(f *Frame) {
		f.OTAProgress = -1
		f.OTAError = msg
	})
}

// SetBacklight switches the backlight, restoring the last brightness on.
func (m *Manager) SetBacklight(on bool) {
	m.mu.Lock()
	m.backlightOn = on
	level := m.brightness
	m.mu.Unlock()
	if !on {
		level = 0
	}
	m.applyBacklight(level)
}

// SetBrightness stores percent (0-100) and applies it if the backlight is on.
func (m *Manager) SetBrightness(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	m.mu.Lock()
	m.brightness = percent
	on := m.backlightOn
	m.mu.Unlock()
	if on {
		m.applyBacklight(percent)
	}
}

func (m *Manager) applyBacklight(level int) {
	if m.backlight == nil {
		return
	}
	if err := m.backlight.SetBrightness(level); err != nil {
		m.logger.Warn("backlight write failed", "level", level, "err", err)
	}
}
