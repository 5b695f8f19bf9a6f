package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

var errClosed = errors.New("audio: device closed")

// ============================================================================
// ALSA devices via arecord / aplay
// ============================================================================
// Each Open spawns the helper with raw S16LE I/O on a pipe; Close kills it so
// a blocked Read or Write returns immediately.
// ============================================================================

func pcmArgs(device string, rate, channels int) []string {
	return []string{
		"-q", "-D", device, "-t", "raw", "-f", "S16_LE",
		"-r", strconv.Itoa(rate), "-c", strconv.Itoa(channels),
	}
}

type process struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

func (p *process) kill() error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	cmd.Process.Kill()
	cmd.Wait()
	return nil
}

// ArecordSource captures from an ALSA device.
type ArecordSource struct {
	Device     string
	SampleRate int
	Channels   int

	proc   process
	mu     sync.Mutex
	stdout io.ReadCloser
}

func NewArecordSource(cfg Config) *ArecordSource {
	return &ArecordSource{Device: cfg.CaptureDevice, SampleRate: cfg.SampleRate, Channels: cfg.Channels}
}

func (s *ArecordSource) Open() error {
	cmd := exec.Command("arecord", pcmArgs(s.Device, s.SampleRate, s.Channels)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("arecord pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start arecord: %w", err)
	}
	s.proc.mu.Lock()
	s.proc.cmd = cmd
	s.proc.mu.Unlock()
	s.mu.Lock()
	s.stdout = out
	s.mu.Unlock()
	return nil
}

func (s *ArecordSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	out := s.stdout
	s.mu.Unlock()
	if out == nil {
		return 0, errClosed
	}
	return io.ReadFull(out, p)
}

func (s *ArecordSource) Close() error {
	s.mu.Lock()
	s.stdout = nil
	s.mu.Unlock()
	return s.proc.kill()
}

// AplaySink plays to an ALSA device.
type AplaySink struct {
	Device     string
	SampleRate int
	Channels   int

	proc  process
	mu    sync.Mutex
	stdin io.WriteCloser
}

func NewAplaySink(cfg Config) *AplaySink {
	return &AplaySink{Device: cfg.PlaybackDevice, SampleRate: cfg.SampleRate, Channels: cfg.Channels}
}

func (s *AplaySink) Open() error {
	cmd := exec.Command("aplay", pcmArgs(s.Device, s.SampleRate, s.Channels)...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("aplay pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start aplay: %w", err)
	}
	s.proc.mu.Lock()
	s.proc.cmd = cmd
	s.proc.mu.Unlock()
	s.mu.Lock()
	s.stdin = in
	s.mu.Unlock()
	return nil
}

func (s *AplaySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	in := s.stdin
	s.mu.Unlock()
	if in == nil {
		return 0, errClosed
	}
	return in.Write(p)
}

func (s *AplaySink) Close() error {
	s.mu.Lock()
	in := s.stdin
	s.stdin = nil
	s.mu.Unlock()
	if in != nil {
		in.Close()
	}
	return s.proc.kill()
}
