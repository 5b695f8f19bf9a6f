// Package platform is the device's power and persistence surface: reboot,
// RTC-armed deep sleep, settings erase, uptime.
package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

var ErrUnsupported = errors.New("platform: operation not supported on this OS")

type Config struct {
	// DryRun logs reboot and power-off instead of performing them.
	DryRun    bool   `yaml:"dry_run"`
	WakeAlarm string `yaml:"wake_alarm"`
}

func DefaultConfig() Config {
	return Config{
		WakeAlarm: "/sys/class/rtc/rtc0/wakealarm",
	}
}

// Eraser is the persisted settings store.
type Eraser interface {
	Erase() error
}

// power is the kernel reboot surface.
type power interface {
	Restart() error
	PowerOff() error
}

// ============================================================================
// Device
// ============================================================================

type Device struct {
	cfg      Config
	settings Eraser
	sys      power
	started  time.Time
	now      func() time.Time
	logger   *slog.Logger
}

func New(cfg Config, settings Eraser, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		cfg:      cfg,
		settings: settings,
		sys:      kernelPower{},
		started:  time.Now(),
		now:      time.Now,
		logger:   logger.With("component", "platform"),
	}
}

// Restart reboots the device. On success it does not return.
func (d *Device) Restart() error {
	if d.cfg.DryRun {
		d.logger.Warn("dry-run: restart requested")
		return nil
	}
	d.logger.Warn("restarting device")
	if err := d.sys.Restart(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// DeepSleep arms the RTC wake alarm (skipped when wake <= 0) and powers off.
// A nil return means the device halted.
func (d *Device) DeepSleep(wake time.Duration) error {
	if wake > 0 {
		if err := d.armWakeAlarm(wake); err != nil {
			return err
		}
	}
	if d.cfg.DryRun {
		d.logger.Warn("dry-run: power off requested", "wake_in", wake)
		return nil
	}
	d.logger.Warn("entering deep sleep", "wake_in", wake)
	if err := d.sys.PowerOff(); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}

// armWakeAlarm writes an absolute epoch to the RTC. The kernel rejects a new
// alarm while one is pending, so the old one is cleared first.
func (d *Device) armWakeAlarm(wake time.Duration) error {
	if d.cfg.WakeAlarm == "" {
		d.logger.Warn("no wake alarm configured; device will not wake on its own")
		return nil
	}
	if err := os.WriteFile(d.cfg.WakeAlarm, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("clear wake alarm: %w", err)
	}
	at := d.now().Add(wake).Unix()
	if err := os.WriteFile(d.cfg.WakeAlarm, []byte(strconv.FormatInt(at, 10)), 0o644); err != nil {
		return fmt.Errorf("arm wake alarm: %w", err)
	}
	d.logger.Info("wake alarm armed", "at", time.Unix(at, 0).UTC())
	return nil
}

func (d *Device) EraseSettings() error {
	if d.settings == nil {
		return errors.New("platform: no settings store")
	}
	if err := d.settings.Erase(); err != nil {
		return fmt.Errorf("erase settings: %w", err)
	}
	d.logger.Warn("settings erased")
	return nil
}

// UptimeSec is the host uptime, falling back to process uptime when the host
// value is unavailable.
func (d *Device) UptimeSec() uint64 {
	if up, err := host.Uptime(); err == nil {
		return up
	}
	return uint64(d.now().Sub(d.started) / time.Second)
}
