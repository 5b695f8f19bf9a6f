package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ptalk/internal/app"
	"ptalk/internal/audio"
	"ptalk/internal/display"
	"ptalk/internal/input"
	"ptalk/internal/network"
	"ptalk/internal/ota"
	"ptalk/internal/platform"
	"ptalk/internal/power"
	"ptalk/internal/settings"
)

// Config is the top-level YAML configuration for the ptalkd daemon.
//
// Per-module sections reuse each package's own Config so defaults and field
// names live next to the code that consumes them.
type Config struct {
	Device     DeviceConfig    `yaml:"device"`
	Controller app.Config      `yaml:"controller"`
	Power      power.Config    `yaml:"power"`
	OTA        ota.Config      `yaml:"ota"`
	Audio      audio.Config    `yaml:"audio"`
	Display    DisplayConfig   `yaml:"display"`
	Network    network.Config  `yaml:"network"`
	Input      input.Config    `yaml:"input"`
	Platform   platform.Config `yaml:"platform"`
	IPC        IPCConfig       `yaml:"ipc"`
	HTTP       HTTPConfig      `yaml:"http"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type DeviceConfig struct {
	// ID defaults to /etc/machine-id, then a random UUID.
	ID           string `yaml:"id,omitempty"`
	SettingsPath string `yaml:"settings_path"`

	// Seed values for a fresh settings file; an existing file wins.
	Name      string `yaml:"name,omitempty"`
	ServerURL string `yaml:"server_url,omitempty"`
}

type DisplayConfig struct {
	display.Config `yaml:",inline"`

	// Backlight is a /sys/class/backlight/<dev> directory; empty disables it.
	Backlight string `yaml:"backlight,omitempty"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	// Addr serves /ws/state and /metrics; empty disables the listener.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			SettingsPath: "/var/lib/ptalk/settings.yaml",
		},
		Controller: app.DefaultConfig(),
		Power:      power.DefaultConfig(),
		OTA:        ota.DefaultConfig(),
		Audio:      audio.DefaultConfig(),
		Display:    DisplayConfig{Config: display.DefaultConfig()},
		Network:    network.DefaultConfig(),
		Input: func() input.Config {
			c := input.DefaultConfig()
			c.Devices = []string{"/dev/input/event0"}
			return c
		}(),
		Platform: platform.DefaultConfig(),
		IPC: IPCConfig{
			SocketPath: "/tmp/ptalkd.sock",
		},
		HTTP: HTTPConfig{
			Addr: ":9100",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads a single YAML document over DefaultConfig. Unknown
// fields are rejected so typos surface at startup.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	// Only whitespace and comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries command-line overrides. A nil pointer means the flag
// was not set; a non-nil pointer is applied even when it holds a zero value.
type FlagOverrides struct {
	DeviceID     *string
	SettingsPath *string
	ServerURL    *string

	InputDevice   *string
	NetInterface  *string
	MQTTBroker    *string
	DryRun        *bool
	IPCSocketPath *string
	HTTPAddr      *string

	LogLevel *string
}

func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.DeviceID != nil {
		cfg.Device.ID = *o.DeviceID
	}
	if o.SettingsPath != nil {
		cfg.Device.SettingsPath = *o.SettingsPath
	}
	if o.ServerURL != nil {
		cfg.Device.ServerURL = *o.ServerURL
	}

	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}
	if o.NetInterface != nil {
		cfg.Network.Interface = *o.NetInterface
	}
	if o.MQTTBroker != nil {
		cfg.Network.MQTT.Broker = *o.MQTTBroker
	}
	if o.DryRun != nil {
		cfg.Platform.DryRun = *o.DryRun
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPAddr != nil {
		cfg.HTTP.Addr = *o.HTTPAddr
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants after defaults, file and overrides are
// applied.
func (c *Config) Validate() error {
	// Device
	if c.Device.SettingsPath == "" {
		return errors.New("device.settings_path must not be empty")
	}
	if c.Device.ServerURL != "" {
		if err := settings.ValidateServerURL(c.Device.ServerURL); err != nil {
			return fmt.Errorf("device.server_url: %w", err)
		}
	}
	if n := len(c.Device.Name); n > settings.MaxDeviceNameLen {
		return fmt.Errorf("device.name must be at most %d characters", settings.MaxDeviceNameLen)
	}

	// Controller
	if c.Controller.QueueSize <= 0 {
		return errors.New("controller.queue_size must be > 0")
	}
	if c.Controller.StopTimeout <= 0 {
		return errors.New("controller.stop_timeout must be > 0")
	}
	if c.Controller.SleepGrace < 0 || c.Controller.DeepSleepWakeup < 0 ||
		c.Controller.BLEHandoffDelay < 0 || c.Controller.RestartNotice < 0 ||
		c.Controller.OTARebootDelay < 0 {
		return errors.New("controller delays must be >= 0")
	}

	// Power
	if c.Power.Interval <= 0 {
		return errors.New("power.interval must be > 0")
	}
	if c.Power.LowThreshold < 0 || c.Power.LowThreshold > 100 {
		return errors.New("power.low_threshold must be between 0 and 100")
	}

	// OTA
	if c.OTA.Dir == "" {
		return errors.New("ota.dir must not be empty")
	}

	// Audio
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		return errors.New("audio.sample_rate and audio.channels must be > 0")
	}
	if c.Audio.FrameBytes <= 0 || c.Audio.FrameBytes%2 != 0 {
		return errors.New("audio.frame_bytes must be a positive multiple of 2")
	}

	// Display
	if c.Display.FPS <= 0 || c.Display.FPS > 60 {
		return errors.New("display.fps must be between 1 and 60")
	}
	if c.Display.Brightness < 0 || c.Display.Brightness > 100 {
		return errors.New("display.brightness must be between 0 and 100")
	}

	// Network
	if c.Network.ReconnectMin <= 0 || c.Network.ReconnectMax < c.Network.ReconnectMin {
		return errors.New("network.reconnect_min must be > 0 and <= network.reconnect_max")
	}

	// Input
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}
	if c.Input.LongPress <= 0 {
		return errors.New("input.long_press must be > 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
