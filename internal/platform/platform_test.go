package platform

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakePower struct {
	restarts, poweroffs int
	err                 error
}

func (p *fakePower) Restart() error  { p.restarts++; return p.err }
func (p *fakePower) PowerOff() error { p.poweroffs++; return p.err }

type fakeEraser struct {
	erased int
	err    error
}

func (e *fakeEraser) Erase() error { e.erased++; return e.err }

func newTestDevice(t *testing.T, cfg Config) (*Device, *fakePower, *fakeEraser) {
	t.Helper()
	eraser := &fakeEraser{}
	d := New(cfg, eraser, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p := &fakePower{}
	d.sys = p
	d.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return d, p, eraser
}

func TestDevice_DeepSleepArmsAlarmAndPowersOff(t *testing.T) {
	alarm := filepath.Join(t.TempDir(), "wakealarm")
	d, p, _ := newTestDevice(t, Config{WakeAlarm: alarm})

	if err := d.DeepSleep(30 * time.Minute); err != nil {
		t.Fatalf("deep sleep: %v", err)
	}
	got, err := os.ReadFile(alarm)
	if err != nil {
		t.Fatalf("read alarm: %v", err)
	}
	if string(got) != "1700001800" {
		t.Fatalf("expected wake epoch 1700001800, got %q", got)
	}
	if p.poweroffs != 1 {
		t.Fatalf("expected one power off, got %d", p.poweroffs)
	}
}

func TestDevice_DeepSleepAlarmFailureKeepsDeviceUp(t *testing.T) {
	d, p, _ := newTestDevice(t, Config{WakeAlarm: filepath.Join(t.TempDir(), "missing", "wakealarm")})

	if err := d.DeepSleep(time.Minute); err == nil {
		t.Fatalf("expected alarm error")
	}
	if p.poweroffs != 0 {
		t.Fatalf("must not power off without a wake alarm")
	}
}

func TestDevice_DryRun(t *testing.T) {
	d, p, _ := newTestDevice(t, Config{DryRun: true})

	if err := d.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := d.DeepSleep(0); err != nil {
		t.Fatalf("deep sleep: %v", err)
	}
	if p.restarts != 0 || p.poweroffs != 0 {
		t.Fatalf("dry run must not touch the kernel")
	}
}

func TestDevice_RestartError(t *testing.T) {
	d, p, _ := newTestDevice(t, Config{})
	p.err = errors.New("EPERM")

	if err := d.Restart(); err == nil {
		t.Fatalf("expected error")
	}
	if p.restarts != 1 {
		t.Fatalf("expected one restart attempt")
	}
}

func TestDevice_EraseSettings(t *testing.T) {
	d, _, eraser := newTestDevice(t, Config{})
	if err := d.EraseSettings(); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if eraser.erased != 1 {
		t.Fatalf("expected one erase")
	}

	eraser.err = errors.New("read-only")
	if err := d.EraseSettings(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDevice_UptimeSec(t *testing.T) {
	d, _, _ := newTestDevice(t, Config{})
	d.started = d.now().Add(-time.Hour)
	if up := d.UptimeSec(); up == 0 {
		t.Fatalf("expected non-zero uptime")
	}
}
