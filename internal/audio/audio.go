// Package audio runs microphone capture and speaker playback as directed by
// InteractionState.
package audio

import (
	"errors"
	"log/slog"
	"sync"

	"ptalk/internal/state"
)

var ErrNotRunning = errors.New("audio: not running")

// Source yields raw PCM capture frames.
type Source interface {
	Open() error
	Read(p []byte) (int, error)
	Close() error
}

// Sink plays raw PCM frames.
type Sink interface {
	Open() error
	Write(p []byte) (int, error)
	Close() error
}

// Uplink carries capture frames to the server.
type Uplink interface {
	SendAudio(frame []byte) error
}

type Config struct {
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	FrameBytes     int    `yaml:"frame_bytes"`
	PlaybackQueue  int    `yaml:"playback_queue"`
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		Channels:       1,
		FrameBytes:     640, // 20 ms of S16LE mono at 16 kHz
		PlaybackQueue:  256,
		CaptureDevice:  "default",
		PlaybackDevice: "default",
	}
}

// ============================================================================
// Manager
// ============================================================================
// InteractionState callbacks only nudge the control goroutine, which applies
// the latest state:
//
//   LISTENING          capture -> uplink
//   PROCESSING         capture paused
//   SPEAKING           playback queue drained to the sink
//   IDLE / CANCELLING  everything stopped
//   MUTED              everything stopped
//   SLEEPING           everything stopped, power saving on
// ============================================================================

type Manager struct {
	sm     *state.Manager
	source Source
	sink   Sink
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	uplink      Uplink
	volume      int
	powerSaving bool
	allocated   bool
	subscribed  bool
	sub         state.SubscriptionID
	stop        chan struct{}
	done        chan struct{}

	capture  *worker
	playback *worker
	queue    chan []byte
	nudge    chan struct{}
}

func New(sm *state.Manager, source Source, sink Sink, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = def.FrameBytes
	}
	if cfg.PlaybackQueue <= 0 {
		cfg.PlaybackQueue = def.PlaybackQueue
	}
	return &Manager{
		sm:     sm,
		source: source,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With("component", "audio"),
		volume: 100,
		queue:  make(chan []byte, cfg.PlaybackQueue),
		nudge:  make(chan struct{}, 1),
	}
}

func (m *Manager) SetUplink(u Uplink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uplink = u
}

// Init subscribes to InteractionState.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		return nil
	}
	m.sub = m.sm.SubscribeInteraction(func(state.InteractionState, state.InputSource) {
		select {
		case m.nudge <- struct{}{}:
		default:
		}
	})
	m.subscribed = true
	return nil
}

// Close drops the StateManager subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		m.sm.UnsubscribeInteraction(m.sub)
		m.subscribed = false
	}
}

// Start allocates the devices and launches the control goroutine. The
// current InteractionState is applied immediately.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return nil
	}
	m.allocated = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.loop(stop, done)
	m.logger.Info("audio started", "sample_rate", m.cfg.SampleRate, "frame_bytes", m.cfg.FrameBytes)
	return nil
}

// Stop halts capture and playback and ends the control goroutine.
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
	m.StopAll()
	m.logger.Info("audio stopped")
}

// Running reports whether the control goroutine is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *Manager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	m.apply(m.sm.InteractionState())
	for {
		select {
		case <-stop:
			return
		case <-m.nudge:
			m.apply(m.sm.InteractionState())
		}
	}
}

func (m *Manager) apply(s state.InteractionState) {
	if s != state.InteractionSleeping && m.PowerSaving() {
		m.SetPowerSaving(false)
	}

	switch s {
	case state.InteractionListening:
		m.stopPlayback(true)
		m.startCapture()
	case state.InteractionProcessing:
		m.stopCapture()
	case state.InteractionSpeaking:
		m.stopCapture()
		m.startPlayback()
	case state.InteractionIdle, state.InteractionCancelling, state.InteractionMuted:
		m.StopAll()
	case state.InteractionSleeping:
		m.StopAll()
		m.SetPowerSaving(true)
	}
}

// AllocateResources marks the devices usable again after FreeResources.
func (m *Manager) AllocateResources() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocated = true
}

// FreeResources stops everything and releases the devices until the next
// Start or AllocateResources.
func (m *Manager) FreeResources() {
	m.StopAll()
	m.mu.Lock()
	m.allocated = false
	m.mu.Unlock()
	m.logger.Info("audio resources released")
}

// StopSpeaking interrupts playback and discards queued frames.
func (m *Manager) StopSpeaking() {
	m.stopPlayback(true)
}

// StopAll stops capture and playback.
func (m *Manager) StopAll() {
	m.stopCapture()
	m.stopPlayback(true)
}

// SetVolume clamps v to 0-100.
func (m *Manager) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	m.mu.Lock()
	m.volume = v
	m.mu.Unlock()
	m.logger.Info("volume set", "volume", v)
}

func (m *Manager) Volume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// SetPowerSaving drops incoming playback while on.
func (m *Manager) SetPowerSaving(on bool) {
	m.mu.Lock()
	changed := m.powerSaving != on
	m.powerSaving = on
	m.mu.Unlock()
	if changed {
		m.logger.Info("power saving", "on", on)
	}
}

func (m *Manager) PowerSaving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerSaving
}

// Capturing reports whether the capture worker is active.
func (m *Manager) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture != nil
}

// Speaking reports whether the playback worker is active.
func (m *Manager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playback != nil
}

// EnqueuePlayback queues one frame of server audio. Frames are dropped when
// the manager is not running, is power saving, or the queue is full.
func (m *Manager) EnqueuePlayback(frame []byte) bool {
	m.mu.Lock()
	ok := m.stop != nil && m.allocated && !m.powerSaving
	m.mu.Unlock()
	if !ok {
		return false
	}

	b := make([]byte, len(frame))
	copy(b, frame)
	select {
	case m.queue <- b:
		return true
	default:
		m.logger.Warn("playback queue full; frame dropped", "bytes", len(frame))
		return false
	}
}

func (m *Manager) clearQueue() {
	for {
		select {
		case <-m.queue:
		default:
			return
		}
	}
}
