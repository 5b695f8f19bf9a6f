// Package network maintains the voice-server websocket link and publishes
// ConnectivityState. It routes server messages to the StateManager, the
// config command handler, audio playback and the firmware transfer.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"ptalk/internal/app"
	"ptalk/internal/event"
	"ptalk/internal/settings"
	"ptalk/internal/state"
	"ptalk/internal/wsconfig"
)

var (
	ErrNotConnected  = errors.New("network: not connected to server")
	ErrSendQueueFull = errors.New("network: send queue full")
	ErrNoProvisioner = errors.New("network: no BLE provisioner configured")
)

type Config struct {
	// Interface is the link whose operstate gates dialing. Empty means the
	// link is assumed up.
	Interface        string        `yaml:"interface"`
	LinkPoll         time.Duration `yaml:"link_poll"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	SendBuf          int           `yaml:"send_buf"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	BLECommand       []string      `yaml:"ble_command"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
}

func DefaultConfig() Config {
	return Config{
		Interface:        "wlan0",
		LinkPoll:         time.Second,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     20 * time.Second,
		PongWait:         45 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReconnectMin:     1500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		SendBuf:          64,
		MaxMessageSize:   1 << 20,
		MQTT:             DefaultMQTTConfig(),
	}
}

// EventPoster receives application events raised by server messages.
type EventPoster interface {
	PostEvent(e event.AppEvent) bool
}

// CommandHandler executes JSON config commands. *wsconfig.Handler implements it.
type CommandHandler interface {
	Handle(raw []byte) wsconfig.Result
	Handshake() wsconfig.Response
}

// Provisioner runs the out-of-band (BLE) credential provisioning.
type Provisioner interface {
	Start() error
	Stop()
}

// ============================================================================
// Manager
// ============================================================================
// One supervisor goroutine owns dialing and reconnects; each connection gets
// a read pump (the supervisor itself) and a write pump. All outbound frames
// go through the per-connection send queue, so publishers never block on the
// socket.
// ============================================================================

type Manager struct {
	sm     *state.Manager
	cfg    Config
	logger *slog.Logger

	readOperstate func(iface string) (string, error)

	mu           sync.Mutex
	serverURL    string
	cmds         CommandHandler
	events       EventPoster
	playback     func(frame []byte)
	provisioner  Provisioner
	provisioning bool
	subscribed   bool
	sub          state.SubscriptionID
	cancel       context.CancelFunc
	done         chan struct{}

	connMu sync.Mutex
	sess   *session

	linkUp    atomic.Bool
	listening atomic.Bool
	wake      chan struct{}

	fw firmwareTransfer
}

func New(sm *state.Manager, serverURL string, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.LinkPoll <= 0 {
		cfg.LinkPoll = def.LinkPoll
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	m := &Manager{
		sm:            sm,
		cfg:           cfg,
		logger:        logger.With("component", "network"),
		readOperstate: readSysfsOperstate,
		serverURL:     serverURL,
		wake:          make(chan struct{}, 1),
	}
	m.fw.logger = m.logger
	return m
}

func (m *Manager) SetCommandHandler(h CommandHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = h
}

func (m *Manager) SetEventPoster(p EventPoster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = p
}

// SetPlaybackSink receives binary frames that are not firmware.
func (m *Manager) SetPlaybackSink(fn func(frame []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playback = fn
}

func (m *Manager) SetProvisioner(p Provisioner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioner = p
}

func (m *Manager) SetFirmwareHandler(h app.FirmwareHandler) {
	m.fw.setHandler(h)
}

// ServerURL returns the URL the next dial will use.
func (m *Manager) ServerURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverURL
}

// Init subscribes to InteractionState so LISTENING transitions are signalled
// to the server.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		return nil
	}
	m.sub = m.sm.SubscribeInteraction(m.onInteraction)
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

// Start launches the link monitor and the connection supervisor. Calling it
// while running is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if err := settings.ValidateServerURL(m.serverURL); err != nil {
		return fmt.Errorf("network: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	var wg sync.WaitGroup
	if m.cfg.Interface == "" {
		m.linkUp.Store(true)
	} else {
		m.checkLink()
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watchLink(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.run(ctx)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(m.done)

	m.logger.Info("network started", "server_url", m.serverURL, "interface", m.cfg.Interface)
	return nil
}

// Stop closes the link and waits for the goroutines. ConnectivityState is
// left for the caller's policy to decide.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.fw.fail(ErrTransferInterrupted)
	// CONFIG_BLE belongs to the provisioning hand-off and must stay published.
	if m.sm.Connectivity() != state.ConnectivityConfigBLE {
		m.publish(state.ConnectivityOffline)
	}
	m.logger.Info("network stopped")
}

// Running reports whether the supervisor is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Reconnect switches to a new server URL, dropping the current connection.
func (m *Manager) Reconnect(serverURL string) {
	m.mu.Lock()
	m.serverURL = serverURL
	m.mu.Unlock()

	m.logger.Info("reconnecting", "server_url", serverURL)
	m.drainAndClose()
	m.nudge()
}

// StartBLEConfigMode drops the server link and hands off to the provisioner.
func (m *Manager) StartBLEConfigMode() error {
	m.mu.Lock()
	p := m.provisioner
	m.mu.Unlock()
	if p == nil {
		return ErrNoProvisioner
	}

	m.Stop()
	if err := p.Start(); err != nil {
		return fmt.Errorf("start provisioner: %w", err)
	}
	m.mu.Lock()
	m.provisioning = true
	m.mu.Unlock()
	m.logger.Info("BLE config mode started")
	return nil
}

// StopPortal stops a running provisioner.
func (m *Manager) StopPortal() {
	m.mu.Lock()
	p, active := m.provisioner, m.provisioning
	m.provisioning = false
	m.mu.Unlock()
	if p != nil && active {
		p.Stop()
		m.logger.Info("BLE config mode stopped")
	}
}

// Provisioning reports whether the BLE hand-off is active.
func (m *Manager) Provisioning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisioning
}

// RequestFirmware asks the server for an update offer. The offer arrives as
// a request_ota command.
func (m *Manager) RequestFirmware() error {
	m.fw.solicit()
	if err := m.send(websocket.TextMessage, []byte(msgRequestFirmware)); err != nil {
		m.fw.unsolicit()
		return err
	}
	return nil
}

// OfferFirmware records a server announced image and starts the transfer.
func (m *Manager) OfferFirmware(size int64, sha256, version string) error {
	return m.fw.begin(app.FirmwareRequest{Size: size, SHA256: sha256, Version: version})
}

// FirmwareSolicited reports an outstanding RequestFirmware.
func (m *Manager) FirmwareSolicited() bool {
	return m.fw.solicited.Load()
}

// SendAudio queues one capture frame for the server.
func (m *Manager) SendAudio(frame []byte) error {
	b := make([]byte, len(frame))
	copy(b, frame)
	return m.send(websocket.BinaryMessage, b)
}

func (m *Manager) onInteraction(s state.InteractionState, _ state.InputSource) {
	listening := s == state.InteractionListening
	if m.listening.Swap(listening) == listening {
		return
	}
	msg := msgEnd
	if listening {
		msg = msgStart
	}
	if err := m.send(websocket.TextMessage, []byte(msg)); err != nil {
		m.logger.Debug("listen marker not sent", "msg", msg, "err", err)
	}
}

// ============================================================================
// Supervisor
// ============================================================================

func (m *Manager) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectMin
	bo.MaxInterval = m.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		if !m.linkUp.Load() {
			m.publish(state.ConnectivityOffline)
			if !m.waitWake(ctx, 0) {
				return
			}
			continue
		}

		m.publish(state.ConnectivityConnectingWS)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := bo.NextBackOff()
			if d == backoff.Stop {
				d = m.cfg.ReconnectMax
			}
			dialsTotal.WithLabelValues("error").Inc()
			m.logger.Warn("server dial failed; retrying", "err", err, "retry_in", d)
			if !m.waitWake(ctx, d) {
				return
			}
			continue
		}
		dialsTotal.WithLabelValues("ok").Inc()
		bo.Reset()
		m.serve(ctx, conn)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u := m.ServerURL()
	d := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := d.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

// waitWake blocks for d (forever when d is zero) or until nudged. It returns
// false once ctx is done.
func (m *Manager) waitWake(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-timer:
		return true
	}
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// publish skips values the StateManager already holds.
func (m *Manager) publish(s state.ConnectivityState) {
	if m.sm.Connectivity() == s {
		return
	}
	m.logger.Info("connectivity", "state", s)
	m.sm.SetConnectivity(s)
}
