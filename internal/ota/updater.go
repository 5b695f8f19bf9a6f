// Package ota stages a firmware image on disk, verifies it and hands it to the
// boot loader through a pending marker.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/looplab/fsm"
)

var (
	ErrInvalidSize      = errors.New("ota: image size must be positive")
	ErrTooLarge         = errors.New("ota: image exceeds maximum size")
	ErrInvalidChecksum  = errors.New("ota: checksum must be 64 hex characters")
	ErrBusy             = errors.New("ota: update already in progress")
	ErrNotUpdating      = errors.New("ota: no update in progress")
	ErrEmptyChunk       = errors.New("ota: empty chunk")
	ErrOverflow         = errors.New("ota: chunk exceeds declared image size")
	ErrSizeMismatch     = errors.New("ota: received size does not match declared size")
	ErrChecksumMismatch = errors.New("ota: checksum mismatch")
)

const (
	stateIdle      = "idle"
	stateReceiving = "receiving"
	stateVerifying = "verifying"

	eventBegin  = "begin"
	eventFinish = "finish"
	eventCommit = "commit"
	eventFail   = "fail"
	eventAbort  = "abort"
)

const (
	stagingName = "firmware.staging"
	imageName   = "firmware.bin"
	pendingName = "pending"
)

type Config struct {
	Dir          string `yaml:"dir"`
	MaxImageSize int64  `yaml:"max_image_size"`
}

func DefaultConfig() Config {
	return Config{
		Dir:          "/var/lib/ptalk/ota",
		MaxImageSize: 64 << 20,
	}
}

// Updater writes one image at a time: idle -> receiving -> verifying -> idle.
type Updater struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	machine     *fsm.FSM
	file        *os.File
	hash        hash.Hash
	size        int64
	written     int64
	expectedSHA string
	onProgress  func(written, total int64)
}

func New(cfg Config, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Updater{
		cfg:    cfg,
		logger: logger.With("component", "ota"),
	}
	u.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventBegin, Src: []string{stateIdle}, Dst: stateReceiving},
			{Name: eventFinish, Src: []string{stateReceiving}, Dst: stateVerifying},
			{Name: eventCommit, Src: []string{stateVerifying}, Dst: stateIdle},
			{Name: eventFail, Src: []string{stateReceiving, stateVerifying}, Dst: stateIdle},
			{Name: eventAbort, Src: []string{stateReceiving, stateVerifying}, Dst: stateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				u.logger.Debug("ota state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return u
}

// Init prepares the staging directory and drops any half-written image.
func (u *Updater) Init() error {
	if err := os.MkdirAll(u.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create ota dir: %w", err)
	}
	if err := os.Remove(u.path(stagingName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale staging image: %w", err)
	}
	return nil
}

func (u *Updater) Start() error { return nil }

// Stop aborts an in-flight update.
func (u *Updater) Stop() { u.AbortUpdate() }

// OnProgress registers fn for progress after every written chunk.
func (u *Updater) OnProgress(fn func(written, total int64)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onProgress = fn
}

// BeginUpdate opens a staging file for an image of size bytes. sha256 is
// optional; when given it is checked on FinishUpdate.
func (u *Updater) BeginUpdate(size int64, sha256sum string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if size <= 0 {
		return ErrInvalidSize
	}
	if u.cfg.MaxImageSize > 0 && size > u.cfg.MaxImageSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, u.cfg.MaxImageSize)
	}
	if u.machine.Current() != stateIdle {
		return ErrBusy
	}
	sum := strings.ToLower(strings.TrimSpace(sha256sum))
	if sum != "" {
		if b, err := hex.DecodeString(sum); err != nil || len(b) != sha256.Size {
			return ErrInvalidChecksum
		}
	}

	f, err := os.OpenFile(u.path(stagingName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open staging image: %w", err)
	}
	if err := u.machine.Event(context.Background(), eventBegin); err != nil {
		f.Close()
		return fmt.Errorf("ota begin: %w", err)
	}

	u.file = f
	u.hash = sha256.New()
	u.size = size
	u.written = 0
	u.expectedSHA = sum
	u.logger.Info("ota update started", "size", size, "sha256", sum)
	return nil
}

// WriteChunk appends b to the staging image.
func (u *Updater) WriteChunk(b []byte) (int, error) {
	u.mu.Lock()

	if len(b) == 0 {
		u.mu.Unlock()
		return 0, ErrEmptyChunk
	}
	if u.machine.Current() != stateReceiving {
		u.mu.Unlock()
		return 0, ErrNotUpdating
	}
	if u.written+int64(len(b)) > u.size {
		u.mu.Unlock()
		return 0, fmt.Errorf("%w: %d + %d > %d", ErrOverflow, u.written, len(b), u.size)
	}

	n, err := u.file.Write(b)
	u.hash.Write(b[:n])
	u.written += int64(n)
	written, total, fn := u.written, u.size, u.onProgress
	u.mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("write staging image: %w", err)
	}
	if fn != nil {
		fn(written, total)
	}
	return n, nil
}

// FinishUpdate verifies size and checksum, then atomically installs the image
// and writes the pending marker. Any failure returns the updater to idle.
func (u *Updater) FinishUpdate() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.machine.Current() != stateReceiving {
		return ErrNotUpdating
	}
	if err := u.machine.Event(context.Background(), eventFinish); err != nil {
		return fmt.Errorf("ota finish: %w", err)
	}

	if err := u.verifyAndInstall(); err != nil {
		u.cleanup()
		_ = u.machine.Event(context.Background(), eventFail)
		u.logger.Error("ota update failed", "err", err)
		return err
	}

	if err := u.machine.Event(context.Background(), eventCommit); err != nil {
		return fmt.Errorf("ota commit: %w", err)
	}
	u.logger.Info("ota image installed", "size", u.size)
	return nil
}

// verifyAndInstall must be called with u.mu held in the verifying state.
func (u *Updater) verifyAndInstall() error {
	if u.written != u.size {
		return fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, u.written, u.size)
	}
	got := hex.EncodeToString(u.hash.Sum(nil))
	if u.expectedSHA != "" && got != u.expectedSHA {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, u.expectedSHA)
	}

	if err := u.file.Sync(); err != nil {
		return fmt.Errorf("sync staging image: %w", err)
	}
	if err := u.file.Close(); err != nil {
		return fmt.Errorf("close staging image: %w", err)
	}
	u.file = nil

	if err := os.Rename(u.path(stagingName), u.path(imageName)); err != nil {
		return fmt.Errorf("install image: %w", err)
	}
	marker := fmt.Sprintf("%s %d\n", got, u.size)
	if err := os.WriteFile(u.path(pendingName), []byte(marker), 0o644); err != nil {
		return fmt.Errorf("write pending marker: %w", err)
	}
	return nil
}

// AbortUpdate discards the staging image. It is a no-op when idle.
func (u *Updater) AbortUpdate() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.machine.Current() == stateIdle {
		return
	}
	u.cleanup()
	_ = u.machine.Event(context.Background(), eventAbort)
	u.logger.Warn("ota update aborted", "written", u.written, "size", u.size)
}

// cleanup must be called with u.mu held.
func (u *Updater) cleanup() {
	if u.file != nil {
		u.file.Close()
		u.file = nil
	}
	if err := os.Remove(u.path(stagingName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("remove staging image failed", "err", err)
	}
}

func (u *Updater) IsUpdating() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.machine.Current() != stateIdle
}

// ProgressPercent returns written*100/size, capped at 100; 0 with no update.
func (u *Updater) ProgressPercent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.size <= 0 || u.machine.Current() == stateIdle {
		return 0
	}
	p := u.written * 100 / u.size
	if p > 100 {
		p = 100
	}
	return int(p)
}

// State returns the lifecycle state name.
func (u *Updater) State() string {
	return u.machine.Current()
}

func (u *Updater) path(name string) string {
	return filepath.Join(u.cfg.Dir, name)
}
