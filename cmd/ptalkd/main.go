package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ptalk/internal/app"
	"ptalk/internal/audio"
	"ptalk/internal/display"
	"ptalk/internal/event"
	"ptalk/internal/input"
	"ptalk/internal/network"
	"ptalk/internal/ota"
	"ptalk/internal/platform"
	"ptalk/internal/power"
	"ptalk/internal/settings"
	"ptalk/internal/state"
	"ptalk/internal/wsconfig"
)

const version = "0.4.0"

func printVersion() {
	fmt.Printf("ptalkd v%s\n", version)
	fmt.Println("Voice assistant appliance control daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  ptalkd [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string          YAML config file (optional)")
	fmt.Println("  -device-id string       Device id (default: /etc/machine-id, else random)")
	fmt.Println("  -settings string        Persisted settings file")
	fmt.Println("  -server-url string      Voice server URL seed for a fresh settings file")
	fmt.Println("  -input-device string    evdev device of the touch button")
	fmt.Println("  -net-interface string   Interface whose link gates the server connection")
	fmt.Println("  -mqtt-broker string     Enable the MQTT control channel (tcp://host:1883)")
	fmt.Println("  -dry-run                Log reboot/power-off instead of performing them")
	fmt.Println("  -ipc-socket string      Unix domain socket path for IPC")
	fmt.Println("  -http-addr string       Listen address for /ws/state and /metrics (empty disables)")
	fmt.Println("  -log-level string       error, warn, info, debug")
	fmt.Println("  -version                Print version and exit")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Flags override values from -config.")
	fmt.Println("  - Requires read access to the input device and write access to the")
	fmt.Println("    backlight and RTC wake alarm (run as root or grant the groups).")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath = flag.String("config", "", "YAML config file")

		deviceID     = flag.String("device-id", "", "Device id")
		settingsPath = flag.String("settings", "", "Persisted settings file")
		serverURL    = flag.String("server-url", "", "Voice server URL seed")
		inputDevice  = flag.String("input-device", "", "evdev device of the touch button")
		netInterface = flag.String("net-interface", "", "Interface whose link gates the server connection")
		mqttBroker   = flag.String("mqtt-broker", "", "MQTT broker URL")
		dryRun       = flag.Bool("dry-run", false, "Log reboot/power-off instead of performing them")
		ipcSocket    = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		httpAddr     = flag.String("http-addr", "", "Listen address for /ws/state and /metrics")
		logLevelStr  = flag.String("log-level", "", "Log level: error, warn, info, debug")
	)
	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var ov FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device-id":
			ov.DeviceID = deviceID
		case "settings":
			ov.SettingsPath = settingsPath
		case "server-url":
			ov.ServerURL = serverURL
		case "input-device":
			ov.InputDevice = inputDevice
		case "net-interface":
			ov.NetInterface = netInterface
		case "mqtt-broker":
			ov.MQTTBroker = mqttBroker
		case "dry-run":
			ov.DryRun = dryRun
		case "ipc-socket":
			ov.IPCSocketPath = ipcSocket
		case "http-addr":
			ov.HTTPAddr = httpAddr
		case "log-level":
			ov.LogLevel = logLevelStr
		}
	})
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	// The console panel draws on stdout.
	logger := setupLogger(level, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ptalkd exited with error", "error", err)
		os.Exit(1)
	}
}

// ============================================================================
// Wiring
// ============================================================================

// daemon holds every component so run can shut them down in order.
type daemon struct {
	sm       *state.Manager
	store    *settings.Store
	platform *platform.Device
	ctrl     *app.Controller
	power    *power.Manager
	updater  *ota.Updater
	display  *display.Manager
	audio    *audio.Manager
	network  *network.Manager
	touch    *input.Touch
	commands *wsconfig.Handler
	mqtt     *network.MQTTBridge
}

func build(cfg Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{sm: state.NewManager()}
	id := resolveDeviceID(cfg.Device.ID, logger)

	defaults := settings.Defaults()
	if cfg.Device.Name != "" {
		defaults.DeviceName = cfg.Device.Name
	}
	if cfg.Device.ServerURL != "" {
		defaults.ServerURL = cfg.Device.ServerURL
	}
	store, err := settings.Open(ExpandPath(cfg.Device.SettingsPath), defaults, logger)
	if err != nil {
		return nil, err
	}
	d.store = store
	vals := store.Get()

	d.platform = platform.New(cfg.Platform, store, logger)
	d.ctrl = app.New(d.sm, d.platform, cfg.Controller, logger)

	d.power = power.New(d.sm, power.SysfsSampler{Dir: cfg.Power.SupplyPath}, cfg.Power, logger)
	d.updater = ota.New(cfg.OTA, logger)

	var backlight display.Backlight
	if cfg.Display.Backlight != "" {
		backlight = display.SysfsBacklight{Dir: cfg.Display.Backlight}
	}
	cfg.Display.Brightness = vals.Brightness
	d.display = display.New(d.sm, display.NewConsolePanel(os.Stdout), backlight, cfg.Display.Config, logger)

	d.audio = audio.New(d.sm, audio.NewArecordSource(cfg.Audio), audio.NewAplaySink(cfg.Audio), cfg.Audio, logger)
	d.audio.SetVolume(vals.Volume)

	d.network = network.New(d.sm, vals.ServerURL, cfg.Network, logger)
	d.network.SetEventPoster(d.ctrl)
	d.network.SetPlaybackSink(func(frame []byte) { d.audio.EnqueuePlayback(frame) })
	if len(cfg.Network.BLECommand) > 0 {
		d.network.SetProvisioner(&network.CommandProvisioner{Argv: cfg.Network.BLECommand, Logger: logger})
	}
	d.audio.SetUplink(d.network)

	d.commands = wsconfig.NewHandler(wsconfig.Identity{DeviceID: id, FirmwareVersion: version}, d.sm, store, wsconfig.Hooks{
		ApplyVolume:     d.audio.SetVolume,
		ApplyBrightness: d.display.SetBrightness,
		Reconnect:       d.network.Reconnect,
		// The ack has to reach the server before the restart.
		Reboot: func() {
			time.AfterFunc(cfg.Controller.RestartNotice, d.ctrl.Reboot)
		},
		RequestOTA:        d.network.OfferFirmware,
		BatteryPercent:    d.power.Percent,
		UptimeSec:         d.platform.UptimeSec,
		FirmwareSolicited: d.network.FirmwareSolicited,
	}, logger)
	d.network.SetCommandHandler(d.commands)

	if cfg.Network.MQTT.Broker != "" {
		d.mqtt = network.NewMQTTBridge(cfg.Network.MQTT, id, d.sm, d.commands, logger)
	}

	if len(cfg.Input.Devices) > 0 {
		d.touch = input.New(d.sm, d.ctrl, cfg.Input, logger)
	}

	d.power.OnPercentChange(func(p int) {
		d.display.SetBatteryPercent(p)
		d.ctrl.PostEvent(event.BatteryPercentChanged)
	})
	d.updater.OnProgress(func(written, total int64) {
		if total > 0 {
			d.display.ShowOTAProgress(int(written * 100 / total))
		}
	})

	logger.Info("device identity", "device_id", id, "device_name", vals.DeviceName, "server_url", vals.ServerURL)
	return d, nil
}

func (d *daemon) modules() app.Modules {
	m := app.Modules{
		Display: d.display,
		Audio:   d.audio,
		Network: d.network,
		Power:   d.power,
		OTA:     d.updater,
	}
	// A nil *input.Touch must not become a non-nil interface.
	if d.touch != nil {
		m.Touch = d.touch
	}
	return m
}

// start runs the module Inits that the controller does not own, then the
// controller itself. Init failures leave the module degraded, not the daemon.
func (d *daemon) start(logger *slog.Logger) error {
	d.sm.SetSystem(state.SystemBooting)

	if err := d.updater.Init(); err != nil {
		logger.Error("ota init failed", "error", err)
	}
	if err := d.display.Init(); err != nil {
		logger.Error("display init failed", "error", err)
	}
	if err := d.audio.Init(); err != nil {
		logger.Error("audio init failed", "error", err)
	}
	if err := d.network.Init(); err != nil {
		logger.Error("network init failed", "error", err)
	}

	if err := d.ctrl.AttachModules(d.modules()); err != nil {
		return err
	}
	if err := d.ctrl.Init(); err != nil {
		return fmt.Errorf("controller init: %w", err)
	}
	if err := d.ctrl.Start(); err != nil {
		return fmt.Errorf("controller start: %w", err)
	}

	if d.mqtt != nil {
		if err := d.mqtt.Start(); err != nil {
			logger.Error("mqtt start failed", "error", err)
		}
	}

	if d.sm.System() == state.SystemBooting {
		d.sm.SetSystem(state.SystemRunning)
	}
	return nil
}

func (d *daemon) shutdown() {
	if d.mqtt != nil {
		d.mqtt.Stop()
	}
	d.ctrl.Stop()
	if d.touch != nil {
		d.touch.Stop()
	}
	d.audio.Close()
	d.display.Close()
	d.network.Close()
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	if err := d.start(logger); err != nil {
		return err
	}
	defer d.shutdown()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), d.ctrl, d.sm, logger)
	})

	if cfg.HTTP.Addr != "" {
		states := NewStateServer(d.sm, logger, HubConfig{})
		g.Go(func() error {
			states.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, states.Hub(), d.sm, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Addr, newHTTPMux(states), logger)
		})
	}

	logger.Info("ptalkd running",
		"version", version,
		"ipc", cfg.IPC.SocketPath,
		"http", cfg.HTTP.Addr,
		"mqtt", cfg.Network.MQTT.Broker != "")

	<-gctx.Done()
	logger.Info("shutting down")
	return g.Wait()
}

// resolveDeviceID prefers the configured id, then the host machine id, then
// a random UUID (stable only for this boot).
func resolveDeviceID(configured string, logger *slog.Logger) string {
	if configured != "" {
		return configured
	}
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(b)); len(id) >= 12 {
			return id[:12]
		}
	}
	id := uuid.NewString()
	logger.Warn("no device id configured and no machine id; using a random one", "device_id", id)
	return id
}
