package network

import (
	"bytes"

	"ptalk/internal/event"
	"ptalk/internal/state"
	"ptalk/internal/wsconfig"
)

// Text markers exchanged with the voice server.
const (
	msgStart           = "START"
	msgEnd             = "END"
	msgProcessingStart = "PROCESSING_START"
	msgSpeakStart      = "SPEAK_START"
	msgTTSEnd          = "TTS_END"
	msgListen          = "LISTEN"
	msgOTAAbort        = "ota_abort"
	msgRequestFirmware = `{"cmd":"request_firmware"}`
)

func (m *Manager) handleText(b []byte) {
	if wsconfig.IsCommand(b) {
		m.handleCommand(b)
		return
	}

	msg := string(bytes.TrimSpace(b))
	switch msg {
	case msgProcessingStart:
		m.sm.SetInteraction(state.InteractionProcessing, state.SourceServerCommand)
	case msgSpeakStart:
		m.sm.SetInteraction(state.InteractionSpeaking, state.SourceServerCommand)
	case msgTTSEnd:
		m.sm.SetInteraction(state.InteractionIdle, state.SourceServerCommand)
	case msgListen:
		m.mu.Lock()
		p := m.events
		m.mu.Unlock()
		if p == nil || !p.PostEvent(event.ServerForceListen) {
			m.logger.Warn("server listen request dropped")
		}
	case msgOTAAbort:
		m.fw.fail(ErrTransferAborted)
	default:
		if e, ok := state.EmotionFromCode(msg); ok {
			m.sm.SetEmotion(e)
			return
		}
		m.logger.Debug("unhandled server text", "msg", msg)
	}
}

func (m *Manager) handleCommand(b []byte) {
	m.mu.Lock()
	cmds := m.cmds
	m.mu.Unlock()
	if cmds == nil {
		m.logger.Warn("config command received without a handler")
		return
	}

	res := cmds.Handle(b)
	if err := m.sendJSON(res.Response); err != nil {
		m.logger.Warn("config response not sent", "err", err)
	}
	if res.After != nil {
		res.After()
	}
}

func (m *Manager) handleBinary(b []byte) {
	if m.fw.active() {
		m.fw.chunk(b)
		return
	}

	m.mu.Lock()
	sink := m.playback
	m.mu.Unlock()
	if sink != nil {
		sink(b)
	}
}
