package app

import (
	"time"

	"ptalk/internal/event"
	"ptalk/internal/state"
)

// ============================================================================
// Policy - runs on the worker goroutine only
// ============================================================================
// Display and audio subscribe to the StateManager directly for their own
// concerns; the handlers below only carry cross-module control logic.
// ============================================================================

func (c *Controller) handle(msg Message) {
	switch m := msg.(type) {
	case InteractionChanged:
		c.onInteraction(m.State, m.Source)
	case ConnectivityChanged:
		c.onConnectivity(m.State)
	case SystemChanged:
		c.onSystem(m.State)
	case PowerChanged:
		c.onPower(m.State)
	case EventPosted:
		c.onEvent(m.Event)
	default:
		c.logger.Error("unknown controller message", "type", msg)
	}
}

func (c *Controller) onInteraction(s state.InteractionState, src state.InputSource) {
	c.logger.Debug("interaction changed", "state", s, "source", src)

	switch s {
	case state.InteractionTriggered:
		// Only advance if nothing moved the interaction on since the
		// publication was queued; a burst of TRIGGERED yields one LISTENING.
		live, liveSrc := c.sm.Interaction()
		if live != state.InteractionTriggered {
			c.logger.Debug("stale triggered message; skipping", "live", live)
			return
		}
		c.sm.SetInteraction(state.InteractionListening, liveSrc)

	case state.InteractionCancelling:
		if c.sm.InteractionState() != state.InteractionCancelling {
			return
		}
		c.sm.SetInteraction(state.InteractionIdle, state.SourceUnknown)
	}
}

func (c *Controller) onConnectivity(s state.ConnectivityState) {
	c.logger.Info("connectivity changed", "state", s)
	m := c.modules

	switch s {
	case state.ConnectivityOffline:
		if m.Audio != nil {
			m.Audio.StopAll()
		}
		c.sm.SetInteraction(state.InteractionIdle, state.SourceUnknown)

	case state.ConnectivityConfigBLE:
		c.logger.Warn("entering BLE config mode; releasing audio resources")
		if m.Audio != nil && !c.isSuspended(modAudio) {
			m.Audio.Stop()
			m.Audio.FreeResources()
			c.setSuspended(modAudio, true)
		}
		time.Sleep(c.cfg.BLEHandoffDelay)
		if m.Network != nil {
			if err := m.Network.StartBLEConfigMode(); err != nil {
				c.logger.Error("BLE config mode failed", "err", err)
				c.sm.SetSystem(state.SystemError)
			}
		}
	}
}

func (c *Controller) onSystem(s state.SystemState) {
	c.logger.Info("system state changed", "state", s)

	switch s {
	case state.SystemError, state.SystemUpdatingFirmware:
		if m := c.modules; m.Audio != nil {
			m.Audio.StopAll()
		}
		c.sm.SetInteraction(state.InteractionIdle, state.SourceUnknown)
	}
}

func (c *Controller) onPower(s state.PowerState) {
	c.logger.Info("power state changed", "state", s)
	m := c.modules

	switch s {
	case state.PowerCritical:
		c.logger.Warn("critical battery; shutting down modules")
		if m.Audio != nil && !c.isSuspended(modAudio) {
			m.Audio.Stop()
			c.setSuspended(modAudio, true)
		}
		if m.Network != nil && !c.isSuspended(modNetwork) {
			m.Network.StopPortal()
			m.Network.Stop()
			c.setSuspended(modNetwork, true)
		}
		if m.Touch != nil && !c.isSuspended(modTouch) {
			m.Touch.Stop()
			c.setSuspended(modTouch, true)
		}
		c.EnterSleep()

	case state.PowerNormal, state.PowerFullBattery:
		c.resumeSuspended()

	case state.PowerError:
		if m.Audio != nil && !c.isSuspended(modAudio) {
			m.Audio.Stop()
			c.setSuspended(modAudio, true)
		}
	}
}

func (c *Controller) onEvent(e event.AppEvent) {
	c.logger.Debug("app event", "event", e)
	m := c.modules

	switch e {
	case event.UserButton:
		if !c.online() {
			c.logger.Warn("ignoring button press; not online")
			return
		}
		if m.Audio != nil && c.sm.InteractionState() == state.InteractionSpeaking {
			c.logger.Info("interrupting playback for button press")
			m.Audio.StopSpeaking()
		}
		c.sm.SetInteraction(state.InteractionListening, state.SourceButton)

	case event.ReleaseButton:
		if !c.online() {
			c.logger.Warn("ignoring button release; not online")
			return
		}
		c.sm.SetInteraction(state.InteractionIdle, state.SourceButton)

	case event.WakewordDetected:
		c.sm.SetInteraction(state.InteractionTriggered, state.SourceWakeword)

	case event.ServerForceListen:
		c.sm.SetInteraction(state.InteractionTriggered, state.SourceServerCommand)

	case event.SleepRequest:
		c.EnterSleep()

	case event.WakeRequest:
		c.Wake()

	case event.FactoryResetRequest:
		c.FactoryReset()

	case event.ConfigDoneRestart:
		c.logger.Info("configuration done; restarting")
		if m.Display != nil {
			m.Display.PlayText("Config done. Restarting...")
			time.Sleep(c.cfg.RestartNotice)
		}
		c.Reboot()

	case event.BatteryPercentChanged:
		// The display reads the gauge itself.

	case event.OTABegin:
		c.beginOTA()

	case event.OTAFinished:
		c.finishOTA()

	default:
		c.logger.Warn("unhandled app event", "event", e)
	}
}

// online reports whether button input should be honoured. Without a network
// module there is nothing to gate on.
func (c *Controller) online() bool {
	if c.modules.Network == nil {
		return true
	}
	return c.sm.Connectivity() == state.ConnectivityOnline
}
