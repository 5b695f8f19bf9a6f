package audio

import (
	"encoding/binary"
	"errors"
)

type worker struct {
	stop chan struct{}
	done chan struct{}
}

func newWorker() *worker {
	return &worker{stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// ============================================================================
// Capture
// ============================================================================

func (m *Manager) startCapture() {
	m.mu.Lock()
	if m.capture != nil || !m.allocated || m.source == nil {
		m.mu.Unlock()
		return
	}
	w := newWorker()
	m.capture = w
	uplink := m.uplink
	m.mu.Unlock()

	if err := m.source.Open(); err != nil {
		m.logger.Error("capture device open failed", "err", err)
		m.mu.Lock()
		m.capture = nil
		m.mu.Unlock()
		return
	}
	m.logger.Debug("capture started")
	go m.captureLoop(w, uplink)
}

func (m *Manager) captureLoop(w *worker, up Uplink) {
	defer close(w.done)
	buf := make([]byte, m.cfg.FrameBytes)
	var dropped int
	for !w.stopping() {
		n, err := m.source.Read(buf)
		if err != nil {
			if !w.stopping() {
				m.logger.Warn("capture read failed", "err", err)
			}
			return
		}
		if up == nil || n == 0 {
			continue
		}
		if err := up.SendAudio(buf[:n]); err != nil {
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				m.logger.Debug("capture frame not sent", "err", err, "dropped", dropped)
			}
		}
	}
}

func (m *Manager) stopCapture() {
	m.mu.Lock()
	w := m.capture
	m.capture = nil
	m.mu.Unlock()
	if w == nil {
		return
	}
	close(w.stop)
	if err := m.source.Close(); err != nil {
		m.logger.Debug("capture device close", "err", err)
	}
	<-w.done
	m.logger.Debug("capture stopped")
}

// ============================================================================
// Playback
// ============================================================================

func (m *Manager) startPlayback() {
	m.mu.Lock()
	if m.playback != nil || !m.allocated || m.sink == nil {
		m.mu.Unlock()
		return
	}
	w := newWorker()
	m.playback = w
	m.mu.Unlock()

	if err := m.sink.Open(); err != nil {
		m.logger.Error("playback device open failed", "err", err)
		m.mu.Lock()
		m.playback = nil
		m.mu.Unlock()
		return
	}
	m.logger.Debug("playback started")
	go m.playbackLoop(w)
}

func (m *Manager) playbackLoop(w *worker) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case f := <-m.queue:
			if _, err := m.sink.Write(applyVolume(f, m.Volume())); err != nil {
				if !w.stopping() && !errors.Is(err, errClosed) {
					m.logger.Warn("playback write failed", "err", err)
				}
				return
			}
		}
	}
}

// stopPlayback ends the playback worker and, when clear is set, discards the
// queued frames.
func (m *Manager) stopPlayback(clear bool) {
	m.mu.Lock()
	w := m.playback
	m.playback = nil
	m.mu.Unlock()

	if w != nil {
		close(w.stop)
		if err := m.sink.Close(); err != nil {
			m.logger.Debug("playback device close", "err", err)
		}
		<-w.done
		m.logger.Debug("playback stopped")
	}
	if clear {
		m.clearQueue()
	}
}

// applyVolume scales signed 16-bit little-endian samples by vol percent.
func applyVolume(frame []byte, vol int) []byte {
	if vol >= 100 {
		return frame
	}
	out := make([]byte, len(frame))
	n := len(frame) &^ 1
	for i := 0; i < n; i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(frame[i:])))
		s = s * int32(vol) / 100
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(s)))
	}
	copy(out[n:], frame[n:])
	return out
}
