package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ptalk/internal/state"
)

// callLog records module calls across all mocks so ordering can be asserted.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

// filter returns the recorded calls that are in keep, preserving order.
func (l *callLog) filter(keep ...string) []string {
	set := make(map[string]bool, len(keep))
	for _, k := range keep {
		set[k] = true
	}
	var out []string
	for _, c := range l.all() {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}

type mockDisplay struct {
	log     *callLog
	mu      sync.Mutex
	running bool
}

func (d *mockDisplay) StartLoop() error {
	d.log.add("display.StartLoop")
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *mockDisplay) StopLoop() {
	d.log.add("display.StopLoop")
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *mockDisplay) LoopRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *mockDisplay) SetBacklight(on bool) { d.log.add("display.SetBacklight(%v)", on) }
func (d *mockDisplay) PlayText(text string) { d.log.add("display.PlayText(%s)", text) }

type mockAudio struct {
	log  *callLog
	name string
}

func (a *mockAudio) prefix() string {
	if a.name != "" {
		return a.name
	}
	return "audio"
}

func (a *mockAudio) Start() error   { a.log.add("%s.Start", a.prefix()); return nil }
func (a *mockAudio) Stop()          { a.log.add("%s.Stop", a.prefix()) }
func (a *mockAudio) StopSpeaking()  { a.log.add("%s.StopSpeaking", a.prefix()) }
func (a *mockAudio) StopAll()       { a.log.add("%s.StopAll", a.prefix()) }
func (a *mockAudio) FreeResources() { a.log.add("%s.FreeResources", a.prefix()) }

type mockNetwork struct {
	log        *callLog
	bleErr     error
	requestErr error

	mu      sync.Mutex
	handler FirmwareHandler
}

func (n *mockNetwork) Start() error { n.log.add("network.Start"); return nil }
func (n *mockNetwork) Stop()        { n.log.add("network.Stop") }
func (n *mockNetwork) StopPortal()  { n.log.add("network.StopPortal") }

func (n *mockNetwork) StartBLEConfigMode() error {
	n.log.add("network.StartBLEConfigMode")
	return n.bleErr
}

func (n *mockNetwork) RequestFirmware() error {
	n.log.add("network.RequestFirmware")
	return n.requestErr
}

func (n *mockNetwork) SetFirmwareHandler(h FirmwareHandler) {
	n.log.add("network.SetFirmwareHandler")
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *mockNetwork) firmwareHandler() FirmwareHandler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handler
}

type mockPower struct {
	log     *callLog
	initErr error
}

func (p *mockPower) Init() error { p.log.add("power.Init"); return p.initErr }
func (p *mockPower) Start() error {
	p.log.add("power.Start")
	return nil
}
func (p *mockPower) Stop()      { p.log.add("power.Stop") }
func (p *mockPower) SampleNow() { p.log.add("power.SampleNow") }

type mockTouch struct{ log *callLog }

func (t *mockTouch) Start() error { t.log.add("touch.Start"); return nil }
func (t *mockTouch) Stop()        { t.log.add("touch.Stop") }

type mockOTA struct {
	log       *callLog
	writeErr  error
	finishErr error

	mu       sync.Mutex
	updating bool
	size     int64
	sha      string
	written  int
}

func (o *mockOTA) BeginUpdate(size int64, sha string) error {
	o.log.add("ota.BeginUpdate(%d)", size)
	o.mu.Lock()
	defer o.mu.Unlock()
	if size == 0 {
		return errors.New("invalid size")
	}
	o.updating, o.size, o.sha = true, size, sha
	return nil
}

func (o *mockOTA) WriteChunk(b []byte) (int, error) {
	o.log.add("ota.WriteChunk")
	if o.writeErr != nil {
		return 0, o.writeErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written += len(b)
	return len(b), nil
}

func (o *mockOTA) FinishUpdate() error {
	o.log.add("ota.FinishUpdate")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updating = false
	return o.finishErr
}

func (o *mockOTA) AbortUpdate() {
	o.log.add("ota.AbortUpdate")
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updating = false
}

func (o *mockOTA) IsUpdating() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updating
}

type mockPlatform struct {
	log      *callLog
	sleepErr error
	eraseErr error
	// sleepBlock, when set, makes DeepSleep wait until it is closed.
	sleepBlock chan struct{}
}

func (p *mockPlatform) Restart() error { p.log.add("platform.Restart"); return nil }

func (p *mockPlatform) DeepSleep(wake time.Duration) error {
	p.log.add("platform.DeepSleep")
	if p.sleepBlock != nil {
		<-p.sleepBlock
	}
	return p.sleepErr
}

func (p *mockPlatform) EraseSettings() error {
	p.log.add("platform.EraseSettings")
	return p.eraseErr
}

// fixture bundles a controller with recording mocks for every module.
type fixture struct {
	sm       *state.Manager
	c        *Controller
	log      *callLog
	display  *mockDisplay
	audio    *mockAudio
	network  *mockNetwork
	power    *mockPower
	touch    *mockTouch
	ota      *mockOTA
	platform *mockPlatform
}

func testConfig() Config {
	return Config{
		QueueSize:   16,
		StopTimeout: time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &callLog{}
	f := &fixture{
		sm:       state.NewManager(),
		log:      log,
		display:  &mockDisplay{log: log},
		audio:    &mockAudio{log: log},
		network:  &mockNetwork{log: log},
		power:    &mockPower{log: log},
		touch:    &mockTouch{log: log},
		ota:      &mockOTA{log: log},
		platform: &mockPlatform{log: log},
	}
	f.c = New(f.sm, f.platform, testConfig(), discardLogger())
	if err := f.c.AttachModules(Modules{
		Display: f.display,
		Audio:   f.audio,
		Network: f.network,
		Power:   f.power,
		Touch:   f.touch,
		OTA:     f.ota,
	}); err != nil {
		t.Fatalf("attach modules: %v", err)
	}
	return f
}

// start runs Init and Start and registers Stop for cleanup.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.c.Stop)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

// drain waits until every accepted queue message has been handled.
func drain(t *testing.T, c *Controller) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return c.Pending() == 0 }, "controller queue did not drain")
}

// interactionSpy records interaction notifications in order.
type interactionSpy struct {
	mu    sync.Mutex
	calls []string
}

func (s *interactionSpy) record(st state.InteractionState, src state.InputSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, st.String()+"/"+src.String())
}

func (s *interactionSpy) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
