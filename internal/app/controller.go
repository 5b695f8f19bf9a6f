// Package app is the central controller: it turns state publications and
// application events into cross-module actions on a single worker goroutine.
package app

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ptalk/internal/event"
	"ptalk/internal/state"
)

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrNotInitialized = errors.New("controller not initialized")
	ErrQueueSize      = errors.New("controller queue size must be positive")
)

// Config holds the controller's queue size and policy timings.
type Config struct {
	QueueSize       int           `yaml:"queue_size"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	SleepGrace      time.Duration `yaml:"sleep_grace"`
	DeepSleepWakeup time.Duration `yaml:"deep_sleep_wakeup"`
	BLEHandoffDelay time.Duration `yaml:"ble_handoff_delay"`
	RestartNotice   time.Duration `yaml:"restart_notice"`
	OTARebootDelay  time.Duration `yaml:"ota_reboot_delay"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		QueueSize:       16,
		StopTimeout:     2 * time.Second,
		SleepGrace:      5 * time.Second,
		DeepSleepWakeup: 30 * time.Minute,
		BLEHandoffDelay: time.Second,
		RestartNotice:   2 * time.Second,
		OTARebootDelay:  time.Second,
	}
}

// Names used for the policy-suspended module set.
const (
	modNetwork = "network"
	modAudio   = "audio"
	modTouch   = "touch"
)

// ============================================================================
// Controller
// ============================================================================
// Lifecycle: New -> AttachModules -> Init -> Start -> ... -> Stop.
//
// All policy runs on one worker goroutine that is the sole consumer of the
// bounded queue. StateManager callbacks and PostEvent only enqueue
// (non-blocking, drop on full), so publishers never wait on the controller.
// ============================================================================

type Controller struct {
	sm       *state.Manager
	platform Platform
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	modules     Modules
	initialized bool
	subs        []func()
	stopCh      chan struct{}
	workerDone  chan struct{}
	suspended   map[string]bool

	queue     atomic.Pointer[chan Message]
	accepted  atomic.Uint64
	processed atomic.Uint64
	started   atomic.Bool
	sleeping  atomic.Bool

	fw *firmwareSession
}

// New creates a controller. Nothing runs until Init and Start.
func New(sm *state.Manager, platform Platform, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		sm:        sm,
		platform:  platform,
		cfg:       cfg,
		logger:    logger.With("component", "app"),
		suspended: make(map[string]bool),
	}
	c.fw = &firmwareSession{c: c}
	return c
}

// AttachModules injects the collaborators once. After Start the call is
// rejected and the running modules are left untouched.
func (c *Controller) AttachModules(m Modules) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.Load() {
		c.logger.Warn("attach modules called after start; ignoring")
		return ErrAlreadyStarted
	}
	c.modules = m
	return nil
}

// Init creates the queue and subscribes to the four control categories.
// A queue that cannot be created is the only fatal boot error.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.Load() == nil {
		if c.cfg.QueueSize <= 0 {
			c.logger.Error("failed to create controller queue", "queue_size", c.cfg.QueueSize)
			return ErrQueueSize
		}
		q := make(chan Message, c.cfg.QueueSize)
		c.queue.Store(&q)
	}

	m := c.modules
	if m.Display == nil {
		c.logger.Warn("display module not attached")
	}
	if m.Audio == nil {
		c.logger.Warn("audio module not attached")
	}
	if m.Network == nil {
		c.logger.Warn("network module not attached")
	}
	if m.Power == nil {
		c.logger.Warn("power module not attached")
	}
	if m.Touch == nil {
		c.logger.Warn("touch module not attached")
	}
	if m.OTA == nil {
		c.logger.Warn("ota module not attached")
	}

	if len(c.subs) == 0 {
		c.subscribe()
	}
	c.initialized = true
	c.logger.Info("controller initialized", "queue_size", c.cfg.QueueSize)
	return nil
}

// subscribe must be called with c.mu held.
func (c *Controller) subscribe() {
	sm := c.sm

	id := sm.SubscribeInteraction(func(s state.InteractionState, src state.InputSource) {
		c.enqueue(InteractionChanged{State: s, Source: src})
	})
	c.subs = append(c.subs, func() { sm.UnsubscribeInteraction(id) })

	cid := sm.SubscribeConnectivity(func(s state.ConnectivityState) {
		c.enqueue(ConnectivityChanged{State: s})
	})
	c.subs = append(c.subs, func() { sm.UnsubscribeConnectivity(cid) })

	sid := sm.SubscribeSystem(func(s state.SystemState) {
		c.enqueue(SystemChanged{State: s})
	})
	c.subs = append(c.subs, func() { sm.UnsubscribeSystem(sid) })

	pid := sm.SubscribePower(func(s state.PowerState) {
		c.enqueue(PowerChanged{State: s})
	})
	c.subs = append(c.subs, func() { sm.UnsubscribePower(pid) })
}

// Start launches the worker first, then brings modules up in order:
// power, display, network, audio, touch. Module failures are logged and boot
// continues degraded. With a CRITICAL battery every module except power and
// display is left stopped and remembered as suspended.
func (c *Controller) Start() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.started.Load() {
		c.mu.Unlock()
		c.logger.Warn("controller already started")
		return nil
	}
	c.started.Store(true)
	c.stopCh = make(chan struct{})
	c.workerDone = make(chan struct{})
	q := *c.queue.Load()
	stop, done := c.stopCh, c.workerDone
	m := c.modules
	c.mu.Unlock()

	go c.run(q, stop, done)

	if m.Power != nil {
		if err := m.Power.Init(); err != nil {
			c.logger.Error("power init failed", "err", err)
		} else {
			if err := m.Power.Start(); err != nil {
				c.logger.Error("power start failed", "err", err)
			}
			m.Power.SampleNow()
		}
	}

	if m.Display != nil && !m.Display.LoopRunning() {
		if err := m.Display.StartLoop(); err != nil {
			c.logger.Error("display loop start failed", "err", err)
		}
	}

	if m.Network != nil {
		// Handlers must be in place before the first server message can arrive.
		m.Network.SetFirmwareHandler(c.fw)
		c.startUnlessCritical(modNetwork, m.Network.Start)
	}
	if m.Audio != nil {
		c.startUnlessCritical(modAudio, m.Audio.Start)
	}
	if m.Touch != nil {
		c.startUnlessCritical(modTouch, m.Touch.Start)
	}

	c.logger.Info("controller started")
	return nil
}

func (c *Controller) startUnlessCritical(name string, start func() error) {
	if c.sm.Power() == state.PowerCritical {
		c.logger.Warn("skipping module start due to critical battery", "module", name)
		c.setSuspended(name, true)
		return
	}
	if err := start(); err != nil {
		c.logger.Error("module start failed", "module", name, "err", err)
	}
}

// Stop clears the started flag, stops modules in reverse dependency order
// (network, audio, display, power) and waits for the worker to exit. A worker
// that does not exit within StopTimeout is abandoned. Messages still queued
// are discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	wasStarted := c.started.Swap(false)
	m := c.modules
	stop, done := c.stopCh, c.workerDone
	c.stopCh, c.workerDone = nil, nil
	for _, unsub := range c.subs {
		unsub()
	}
	c.subs = nil
	c.initialized = false
	c.mu.Unlock()

	// Messages accepted before the stop must not replay after a restart.
	defer c.discardQueued()

	if !wasStarted {
		c.logger.Debug("stop called on a controller that is not running")
		return
	}

	c.logger.Info("controller stopping")

	if m.Network != nil {
		m.Network.StopPortal()
		m.Network.Stop()
	}
	if m.Audio != nil {
		m.Audio.Stop()
	}
	if m.Display != nil {
		m.Display.StopLoop()
	}
	if m.Power != nil {
		m.Power.Stop()
	}

	close(stop)
	select {
	case <-done:
		c.logger.Info("controller stopped")
	case <-time.After(c.cfg.StopTimeout):
		c.logger.Error("controller worker did not exit in time; abandoning it", "timeout", c.cfg.StopTimeout)
	}
}

// Started reports whether Start has run and Stop has not.
func (c *Controller) Started() bool {
	return c.started.Load()
}

// Pending returns the number of accepted messages the worker has not finished.
func (c *Controller) Pending() int {
	return int(c.accepted.Load() - c.processed.Load())
}

// Sleeping reports whether a deep-sleep sequence has begun.
func (c *Controller) Sleeping() bool {
	return c.sleeping.Load()
}

// ============================================================================
// Queue
// ============================================================================

// PostEvent enqueues an application event without blocking. It returns false
// when the queue is full or has not been created.
func (c *Controller) PostEvent(e event.AppEvent) bool {
	return c.enqueue(EventPosted{Event: e})
}

func (c *Controller) enqueue(msg Message) bool {
	qp := c.queue.Load()
	if qp == nil {
		messagesDropped.WithLabelValues(msg.kind()).Inc()
		c.logger.Warn("controller queue not created; dropping message", "kind", msg.kind())
		return false
	}
	q := *qp
	select {
	case q <- msg:
		c.accepted.Add(1)
		queueDepth.Set(float64(len(q)))
		return true
	default:
		messagesDropped.WithLabelValues(msg.kind()).Inc()
		c.logger.Warn("controller queue full; dropping message", "kind", msg.kind())
		return false
	}
}

func (c *Controller) discardQueued() {
	qp := c.queue.Load()
	if qp == nil {
		return
	}
	q := *qp
	n := 0
	for {
		select {
		case msg := <-q:
			n++
			c.processed.Add(1)
			messagesDropped.WithLabelValues(msg.kind()).Inc()
		default:
			queueDepth.Set(0)
			if n > 0 {
				c.logger.Info("discarded queued messages on stop", "count", n)
			}
			return
		}
	}
}

func (c *Controller) run(q <-chan Message, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	c.logger.Debug("controller worker started")

	for {
		select {
		case <-stop:
			c.logger.Debug("controller worker exiting")
			return
		case msg := <-q:
			queueDepth.Set(float64(len(q)))
			if c.sleeping.Load() {
				c.logger.Debug("sleep in progress; discarding message", "kind", msg.kind())
			} else {
				c.handle(msg)
				messagesProcessed.WithLabelValues(msg.kind()).Inc()
			}
			c.processed.Add(1)
		}
	}
}

// ============================================================================
// Suspended modules
// ============================================================================
// Modules stopped by policy (critical battery, BLE hand-off, power error) are
// tracked so they are stopped once and restarted once.

func (c *Controller) setSuspended(name string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.suspended[name] = true
	} else {
		delete(c.suspended, name)
	}
}

func (c *Controller) isSuspended(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended[name]
}

// resumeSuspended restarts policy-stopped modules. While BLE provisioning
// holds the radio and memory, network and audio stay suspended.
func (c *Controller) resumeSuspended() {
	provisioning := c.sm.Connectivity() == state.ConnectivityConfigBLE

	c.mu.Lock()
	names := make([]string, 0, len(c.suspended))
	for _, n := range []string{modNetwork, modAudio, modTouch} {
		if !c.suspended[n] {
			continue
		}
		if provisioning && (n == modNetwork || n == modAudio) {
			c.logger.Info("module stays suspended during BLE config mode", "module", n)
			continue
		}
		names = append(names, n)
		delete(c.suspended, n)
	}
	m := c.modules
	c.mu.Unlock()

	for _, n := range names {
		var err error
		switch n {
		case modNetwork:
			if m.Network != nil {
				err = m.Network.Start()
			}
		case modAudio:
			if m.Audio != nil {
				err = m.Audio.Start()
			}
		case modTouch:
			if m.Touch != nil {
				err = m.Touch.Start()
			}
		}
		if err != nil {
			c.logger.Error("module restart failed", "module", n, "err", err)
			continue
		}
		c.logger.Info("module resumed", "module", n)
	}
}

// ============================================================================
// Device actions
// ============================================================================

// Reboot restarts the device unconditionally.
func (c *Controller) Reboot() {
	c.logger.Warn("system reboot requested")
	if c.platform == nil {
		c.logger.Error("no platform attached; cannot reboot")
		return
	}
	if err := c.platform.Restart(); err != nil {
		c.logger.Error("reboot failed", "err", err)
	}
}

// EnterSleep runs the deep-sleep sequence at most once. Network and audio are
// stopped unless policy already did, the last frame stays visible for
// SleepGrace, then the backlight goes off and the platform powers down with a
// timed wake. Once entered, the worker processes no further messages.
func (c *Controller) EnterSleep() {
	if !c.sleeping.CompareAndSwap(false, true) {
		c.logger.Warn("deep sleep already in progress")
		return
	}
	sleepEntries.Inc()
	c.logger.Warn("entering deep sleep", "wake_after", c.cfg.DeepSleepWakeup)

	c.sm.SetInteraction(state.InteractionSleeping, state.SourceSystem)

	m := c.modules
	if m.Network != nil && !c.isSuspended(modNetwork) {
		m.Network.StopPortal()
		m.Network.Stop()
		c.setSuspended(modNetwork, true)
	}
	if m.Audio != nil && !c.isSuspended(modAudio) {
		m.Audio.Stop()
		c.setSuspended(modAudio, true)
	}
	if m.Display != nil {
		m.Display.StopLoop()
		time.Sleep(c.cfg.SleepGrace)
		m.Display.SetBacklight(false)
	}

	if c.platform == nil {
		c.logger.Error("no platform attached; cannot enter deep sleep")
		return
	}
	if err := c.platform.DeepSleep(c.cfg.DeepSleepWakeup); err != nil {
		c.logger.Error("deep sleep failed", "err", err)
		c.sleeping.Store(false)
		c.sm.SetSystem(state.SystemError)
	}
}

// Wake resumes from a soft sleep. It is ignored while a deep-sleep sequence
// is in progress.
func (c *Controller) Wake() {
	if c.sleeping.Load() {
		c.logger.Warn("wake ignored; deep sleep in progress")
		return
	}
	c.logger.Info("wake requested")

	if m := c.modules; m.Display != nil {
		m.Display.SetBacklight(true)
	}
	if c.sm.Power() != state.PowerCritical {
		c.resumeSuspended()
	}
	if s := c.sm.InteractionState(); s == state.InteractionSleeping || s == state.InteractionMuted {
		c.sm.SetInteraction(state.InteractionIdle, state.SourceSystem)
	}
}

// FactoryReset erases persisted settings and restarts.
func (c *Controller) FactoryReset() {
	c.logger.Warn("factory reset requested")
	c.sm.SetSystem(state.SystemFactoryResetting)

	if c.platform == nil {
		c.logger.Error("no platform attached; cannot factory reset")
		c.sm.SetSystem(state.SystemError)
		return
	}
	if err := c.platform.EraseSettings(); err != nil {
		c.logger.Error("factory reset failed", "err", err)
		c.sm.SetSystem(state.SystemError)
		return
	}
	c.Reboot()
}
