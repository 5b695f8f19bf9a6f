package network

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"ptalk/internal/app"
)

var (
	ErrTransferActive      = errors.New("network: firmware transfer already active")
	ErrNoFirmwareHandler   = errors.New("network: no firmware handler")
	ErrTransferAborted     = errors.New("network: firmware transfer aborted by server")
	ErrTransferInterrupted = errors.New("network: firmware transfer interrupted")
)

// firmwareTransfer tracks one server driven image transfer. It completes when
// the declared size has been received.
type firmwareTransfer struct {
	logger *slog.Logger

	solicited atomic.Bool

	mu       sync.Mutex
	handler  app.FirmwareHandler
	req      *app.FirmwareRequest
	received int64
}

func (f *firmwareTransfer) setHandler(h app.FirmwareHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *firmwareTransfer) solicit()   { f.solicited.Store(true) }
func (f *firmwareTransfer) unsolicit() { f.solicited.Store(false) }

func (f *firmwareTransfer) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req != nil
}

func (f *firmwareTransfer) begin(req app.FirmwareRequest) error {
	f.mu.Lock()
	if f.req != nil {
		f.mu.Unlock()
		return ErrTransferActive
	}
	h := f.handler
	if h == nil {
		f.mu.Unlock()
		return ErrNoFirmwareHandler
	}
	f.req = &req
	f.received = 0
	f.mu.Unlock()

	f.solicited.Store(false)
	f.logger.Info("firmware transfer announced", "size", req.Size, "version", req.Version)
	h.FirmwareRequested(req)
	return nil
}

func (f *firmwareTransfer) chunk(b []byte) {
	f.mu.Lock()
	h, req := f.handler, f.req
	f.mu.Unlock()
	if req == nil || h == nil {
		return
	}

	if err := h.FirmwareChunk(b); err != nil {
		// The handler has already aborted the writer and reported the failure.
		f.logger.Error("firmware chunk rejected; transfer dropped", "err", err)
		f.clear()
		return
	}

	f.mu.Lock()
	f.received += int64(len(b))
	done := f.received >= req.Size
	if done {
		f.req = nil
	}
	f.mu.Unlock()

	if done {
		f.logger.Info("firmware transfer received", "bytes", req.Size)
		h.FirmwareComplete(nil)
	}
}

// fail ends an active transfer with err. It is a no-op when none is active.
func (f *firmwareTransfer) fail(err error) {
	f.mu.Lock()
	h, req := f.handler, f.req
	f.req = nil
	f.mu.Unlock()
	if req == nil || h == nil {
		return
	}
	f.logger.Warn("firmware transfer failed", "err", err)
	h.FirmwareComplete(err)
}

func (f *firmwareTransfer) clear() {
	f.mu.Lock()
	f.req = nil
	f.mu.Unlock()
}
