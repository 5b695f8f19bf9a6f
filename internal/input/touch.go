// Package input turns evdev key events from the touch/push button into
// application events.
package input

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ptalk/internal/event"
	"ptalk/internal/state"
)

// Event mirrors the kernel's struct input_event on 64-bit targets:
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type Event struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

const (
	EvKey    = 0x01
	BtnTouch = 0x14a

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

var eventSize = binary.Size(Event{})

var ErrNoDevices = errors.New("input: no devices configured")

// DecodeEvents parses every complete input_event in buf; a trailing partial
// record is ignored.
func DecodeEvents(buf []byte) []Event {
	n := len(buf) / eventSize
	out := make([]Event, 0, n)
	reader := bytes.NewReader(nil)
	for i := 0; i < n; i++ {
		reader.Reset(buf[i*eventSize : (i+1)*eventSize])
		var ev Event
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// EventPoster receives button events; the app controller implements it.
type EventPoster interface {
	PostEvent(event.AppEvent) bool
}

type Config struct {
	Devices   []string      `yaml:"devices"`
	KeyCode   uint16        `yaml:"key_code"`
	LongPress time.Duration `yaml:"long_press"`
	// PollInterval bounds how long Stop waits for the reader.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		KeyCode:      BtnTouch,
		LongPress:    5 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

// ============================================================================
// Touch
// ============================================================================

type Touch struct {
	sm     *state.Manager
	poster EventPoster
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	reader  *reader
	pressed bool
	presses uint64 // generation of the current press
	hold    *time.Timer
}

func New(sm *state.Manager, poster EventPoster, cfg Config, logger *slog.Logger) *Touch {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.KeyCode == 0 {
		cfg.KeyCode = def.KeyCode
	}
	if cfg.LongPress <= 0 {
		cfg.LongPress = def.LongPress
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Touch{
		sm:     sm,
		poster: poster,
		cfg:    cfg,
		logger: logger.With("component", "touch"),
	}
}

// SetEventPoster wires the controller after construction.
func (t *Touch) SetEventPoster(p EventPoster) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poster = p
}

// Start opens the configured devices and launches the reader. Calling it
// while running is a no-op.
func (t *Touch) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reader != nil {
		return nil
	}
	if len(t.cfg.Devices) == 0 {
		return ErrNoDevices
	}
	r, err := openReader(t.cfg.Devices, t.cfg.PollInterval, t.handle, t.logger)
	if err != nil {
		return err
	}
	t.reader = r
	t.logger.Info("touch input started", "devices", t.cfg.Devices)
	return nil
}

// Stop ends the reader and cancels a pending long press.
func (t *Touch) Stop() {
	t.mu.Lock()
	r := t.reader
	t.reader = nil
	t.pressed = false
	if t.hold != nil {
		t.hold.Stop()
		t.hold = nil
	}
	t.mu.Unlock()
	if r == nil {
		return
	}
	r.close()
	t.logger.Info("touch input stopped")
}

func (t *Touch) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reader != nil
}

func (t *Touch) handle(ev Event) {
	if ev.Type != EvKey || ev.Code != t.cfg.KeyCode {
		return
	}

	t.mu.Lock()
	var post event.AppEvent
	switch ev.Value {
	case keyPress:
		if t.pressed {
			t.mu.Unlock()
			return
		}
		t.pressed = true
		t.presses++
		gen := t.presses
		t.hold = time.AfterFunc(t.cfg.LongPress, func() { t.longPress(gen) })
		post = event.UserButton
	case keyRelease:
		if !t.pressed {
			t.mu.Unlock()
			return
		}
		t.pressed = false
		if t.hold != nil {
			t.hold.Stop()
			t.hold = nil
		}
		post = event.ReleaseButton
	default:
		// keyRepeat
		t.mu.Unlock()
		return
	}
	poster := t.poster
	t.mu.Unlock()

	if poster == nil {
		return
	}
	if !poster.PostEvent(post) {
		t.logger.Warn("button event dropped", "event", post)
	}
}

// longPress fires for press gen. A timer from an earlier press that raced a
// release is ignored and leaves the current press's timer alone.
func (t *Touch) longPress(gen uint64) {
	t.mu.Lock()
	if gen != t.presses {
		t.mu.Unlock()
		return
	}
	held := t.pressed
	t.hold = nil
	t.mu.Unlock()
	if !held {
		return
	}
	t.logger.Info("long press, requesting BLE provisioning", "hold", t.cfg.LongPress)
	t.sm.SetConnectivity(state.ConnectivityConfigBLE)
}
