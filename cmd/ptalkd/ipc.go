package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"ptalk/internal/event"
	"ptalk/internal/state"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Bench and scripting access to the running daemon.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "app_event", "data": {"event": "user_button"}}
//                   {"type": "set_state", "data": {"category": "power", "value": "CRITICAL"}}
//                   {"type": "get_state"}
//   - Server responds: {"status": "ok", "state": {...}} or {"status": "error", "error": "msg"}
// ============================================================================

type ipcRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ipcAppEvent struct {
	Event event.AppEvent `json:"event"`
}

type ipcSetState struct {
	Category string `json:"category"`
	Value    string `json:"value"`
	Source   string `json:"source,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	State  *state.Snapshot `json:"state,omitempty"`
}

// EventPoster is the controller's event intake.
type EventPoster interface {
	PostEvent(event.AppEvent) bool
}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

// handleIPCRequest decodes and executes a single request line.
func handleIPCRequest(line []byte, poster EventPoster, sm *state.Manager) IPCResponse {
	var req ipcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError("parse request: %v", err)
	}

	switch req.Type {
	case "app_event":
		var d ipcAppEvent
		if err := json.Unmarshal(req.Data, &d); err != nil {
			return ipcError("parse app_event: %v", err)
		}
		if !poster.PostEvent(d.Event) {
			return ipcError("event queue full")
		}
		return IPCResponse{Status: "ok"}

	case "set_state":
		var d ipcSetState
		if err := json.Unmarshal(req.Data, &d); err != nil {
			return ipcError("parse set_state: %v", err)
		}
		if err := applyState(sm, d); err != nil {
			return ipcError("%v", err)
		}
		snap := sm.Snapshot()
		return IPCResponse{Status: "ok", State: &snap}

	case "get_state":
		snap := sm.Snapshot()
		return IPCResponse{Status: "ok", State: &snap}

	default:
		return ipcError("unknown request type %q", req.Type)
	}
}

func applyState(sm *state.Manager, d ipcSetState) error {
	switch strings.ToLower(d.Category) {
	case "interaction":
		s, err := state.ParseInteractionState(d.Value)
		if err != nil {
			return err
		}
		src := state.SourceUnknown
		if d.Source != "" {
			if src, err = state.ParseInputSource(d.Source); err != nil {
				return err
			}
		}
		sm.SetInteraction(s, src)
	case "connectivity":
		s, err := state.ParseConnectivityState(d.Value)
		if err != nil {
			return err
		}
		sm.SetConnectivity(s)
	case "system":
		s, err := state.ParseSystemState(d.Value)
		if err != nil {
			return err
		}
		sm.SetSystem(s)
	case "power":
		s, err := state.ParsePowerState(d.Value)
		if err != nil {
			return err
		}
		sm.SetPower(s)
	case "emotion":
		s, err := state.ParseEmotionState(d.Value)
		if err != nil {
			return err
		}
		sm.SetEmotion(s)
	default:
		return fmt.Errorf("unknown state category %q", d.Category)
	}
	return nil
}

// runIPCServer serves the unix socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, poster EventPoster, sm *state.Manager, logger *slog.Logger) error {
	logger = logger.With("component", "ipc")

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, poster, sm, logger)
	}
}

func handleIPCConnection(conn net.Conn, poster EventPoster, sm *state.Manager, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := handleIPCRequest(line, poster, sm)
		if resp.Status != "ok" {
			logger.Warn("IPC request failed", "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
}
