package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ptalk/internal/state"
)

type MQTTConfig struct {
	// Broker is a paho broker URL (tcp://host:1883). Empty disables MQTT.
	Broker         string        `yaml:"broker"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		TopicPrefix:    "ptalk",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
}

// ============================================================================
// MQTT control channel
// ============================================================================
// Topics, per device:
//   <prefix>/<device_id>/cmd    config commands (same JSON as the websocket)
//   <prefix>/<device_id>/resp   command responses
//   <prefix>/<device_id>/state  retained snapshot, republished on
//                               connectivity/system/power changes
// ============================================================================

type MQTTBridge struct {
	cfg      MQTTConfig
	deviceID string
	sm       *state.Manager
	cmds     CommandHandler
	logger   *slog.Logger

	// publish is swapped out in tests.
	publish func(topic string, retained bool, payload []byte)

	mu      sync.Mutex
	client  mqtt.Client
	unsubs  []func()
	started bool
}

func NewMQTTBridge(cfg MQTTConfig, deviceID string, sm *state.Manager, cmds CommandHandler, logger *slog.Logger) *MQTTBridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultMQTTConfig().TopicPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMQTTConfig().ConnectTimeout
	}
	b := &MQTTBridge{
		cfg:      cfg,
		deviceID: deviceID,
		sm:       sm,
		cmds:     cmds,
		logger:   logger.With("component", "mqtt"),
	}
	b.publish = b.publishClient
	return b
}

func (b *MQTTBridge) topic(leaf string) string {
	return fmt.Sprintf("%s/%s/%s", b.cfg.TopicPrefix, b.deviceID, leaf)
}

// Start connects to the broker and subscribes to state changes. paho keeps
// reconnecting in the background after the first successful connect.
func (b *MQTTBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if b.cfg.Broker == "" {
		return errors.New("mqtt: no broker configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID("ptalk-" + b.deviceID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		b.logger.Warn("mqtt broker not reachable yet; retrying in background", "broker", b.cfg.Broker)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.client = client
	// The first onConnect may have run before client was stored.
	go b.publishState()

	cid := b.sm.SubscribeConnectivity(func(state.ConnectivityState) { b.publishState() })
	sid := b.sm.SubscribeSystem(func(state.SystemState) { b.publishState() })
	pid := b.sm.SubscribePower(func(state.PowerState) { b.publishState() })
	b.unsubs = []func(){
		func() { b.sm.UnsubscribeConnectivity(cid) },
		func() { b.sm.UnsubscribeSystem(sid) },
		func() { b.sm.UnsubscribePower(pid) },
	}
	b.started = true
	b.logger.Info("mqtt started", "broker", b.cfg.Broker, "cmd_topic", b.topic("cmd"))
	return nil
}

func (b *MQTTBridge) Stop() {
	b.mu.Lock()
	client, unsubs := b.client, b.unsubs
	b.client, b.unsubs, b.started = nil, nil, false
	b.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if client != nil {
		client.Disconnect(250)
		b.logger.Info("mqtt stopped")
	}
}

func (b *MQTTBridge) onConnect(c mqtt.Client) {
	b.logger.Info("mqtt connected", "broker", b.cfg.Broker)
	token := c.Subscribe(b.topic("cmd"), b.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	go func() {
		if token.Wait() && token.Error() != nil {
			b.logger.Error("mqtt subscribe failed", "topic", b.topic("cmd"), "err", token.Error())
		}
	}()
	b.publishState()
}

func (b *MQTTBridge) handleCommand(payload []byte) {
	if b.cmds == nil {
		return
	}
	res := b.cmds.Handle(payload)
	out, err := res.Response.Marshal()
	if err != nil {
		b.logger.Error("encode mqtt response", "err", err)
	} else {
		b.publish(b.topic("resp"), false, out)
	}
	if res.After != nil {
		res.After()
	}
}

func (b *MQTTBridge) publishState() {
	payload, err := json.Marshal(b.sm.Snapshot())
	if err != nil {
		b.logger.Error("encode state snapshot", "err", err)
		return
	}
	b.publish(b.topic("state"), true, payload)
}

// publishClient never waits on the token; callers include StateManager
// callbacks.
func (b *MQTTBridge) publishClient(topic string, retained bool, payload []byte) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	client.Publish(topic, b.cfg.QoS, retained, payload)
}
