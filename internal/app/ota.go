package app

import (
	"errors"
	"sync"
	"time"

	"ptalk/internal/event"
	"ptalk/internal/state"
)

var errNoOTA = errors.New("ota module not attached")

// ============================================================================
// Firmware transfer orchestration
// ============================================================================
// The network module drives a server-initiated transfer on its own goroutine:
//
//   FirmwareRequested -> UPDATING_FIRMWARE is published
//   FirmwareChunk     -> first chunk begins the update, each chunk is written
//   FirmwareComplete  -> success posts OTA_FINISHED to the worker
//
// Any failure aborts the writer and publishes ERROR.
// ============================================================================

type firmwareSession struct {
	c *Controller

	mu  sync.Mutex
	req FirmwareRequest
}

func (f *firmwareSession) expected() FirmwareRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

func (f *firmwareSession) FirmwareRequested(req FirmwareRequest) {
	f.mu.Lock()
	f.req = req
	f.mu.Unlock()

	f.c.logger.Info("server initiated firmware update", "size", req.Size, "version", req.Version)
	f.c.sm.SetSystem(state.SystemUpdatingFirmware)
}

func (f *firmwareSession) FirmwareChunk(b []byte) error {
	c := f.c
	ota := c.modules.OTA
	if ota == nil {
		c.logger.Error("firmware chunk received without an ota module")
		c.sm.SetSystem(state.SystemError)
		return errNoOTA
	}

	if !ota.IsUpdating() {
		req := f.expected()
		c.logger.Info("beginning firmware update", "size", req.Size, "sha256", req.SHA256)
		if err := ota.BeginUpdate(req.Size, req.SHA256); err != nil {
			c.logger.Error("firmware update begin failed", "err", err)
			c.sm.SetSystem(state.SystemError)
			return err
		}
	}

	if _, err := ota.WriteChunk(b); err != nil {
		c.logger.Error("firmware write failed; aborting", "err", err)
		ota.AbortUpdate()
		c.sm.SetSystem(state.SystemError)
		return err
	}
	return nil
}

func (f *firmwareSession) FirmwareComplete(err error) {
	c := f.c
	if err != nil {
		c.logger.Error("firmware transfer failed", "err", err)
		if ota := c.modules.OTA; ota != nil && ota.IsUpdating() {
			ota.AbortUpdate()
		}
		c.sm.SetSystem(state.SystemError)
		return
	}
	c.logger.Info("firmware transfer complete")
	if !c.PostEvent(event.OTAFinished) {
		c.logger.Error("could not queue ota finished event")
	}
}

// beginOTA handles a locally requested update (OTA_BEGIN).
func (c *Controller) beginOTA() {
	c.sm.SetSystem(state.SystemUpdatingFirmware)

	n := c.modules.Network
	if n == nil {
		c.logger.Error("ota requested without a network module")
		c.sm.SetSystem(state.SystemError)
		return
	}
	n.SetFirmwareHandler(c.fw)
	if err := n.RequestFirmware(); err != nil {
		c.logger.Error("firmware request failed", "err", err)
		c.sm.SetSystem(state.SystemError)
	}
}

// finishOTA verifies and commits the staged image, then reboots into it.
func (c *Controller) finishOTA() {
	ota := c.modules.OTA
	if ota == nil || !ota.IsUpdating() {
		c.logger.Warn("ota finished but no update in progress")
		c.sm.SetSystem(state.SystemError)
		return
	}
	if err := ota.FinishUpdate(); err != nil {
		c.logger.Error("ota finish failed", "err", err)
		c.sm.SetSystem(state.SystemError)
		return
	}
	c.logger.Info("ota completed; rebooting", "delay", c.cfg.OTARebootDelay)
	time.Sleep(c.cfg.OTARebootDelay)
	c.Reboot()
}
