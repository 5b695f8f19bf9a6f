package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// ptalk-ctl - Command-line IPC Client
// ============================================================================
// Sends application events and state overrides to a running ptalkd.
//
// Usage:
//   ptalk-ctl event sleep_request
//   ptalk-ctl press
//   ptalk-ctl set power CRITICAL
//   ptalk-ctl set interaction LISTENING BUTTON
//   ptalk-ctl state
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/ptalkd.sock)
// ============================================================================

// Request types (duplicated from ptalkd for a standalone binary)
type Request struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type AppEvent struct {
	Event string `json:"event"`
}

type SetState struct {
	Category string `json:"category"`
	Value    string `json:"value"`
	Source   string `json:"source,omitempty"`
}

// Snapshot mirrors state.Snapshot's wire form.
type Snapshot struct {
	Interaction  string `json:"interaction"`
	Source       string `json:"input_source"`
	Connectivity string `json:"connectivity"`
	System       string `json:"system"`
	Power        string `json:"power"`
	Emotion      string `json:"emotion"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	State  *Snapshot `json:"state,omitempty"`
}

var errUsage = errors.New("usage")

func main() {
	socketPath := "/tmp/ptalkd.sock"

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(0)
	}

	req, err := parseCommand(args)
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		printUsage()
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if resp.State != nil {
		printSnapshot(*resp.State)
		return
	}
	fmt.Println("ok")
}

// parseCommand maps command-line arguments to a daemon request.
func parseCommand(args []string) (Request, error) {
	switch args[0] {
	case "event", "ev":
		if len(args) < 2 {
			return Request{}, errors.New("event requires an event name (e.g. user_button)")
		}
		return Request{Type: "app_event", Data: AppEvent{Event: strings.ToLower(args[1])}}, nil

	case "press":
		return Request{Type: "app_event", Data: AppEvent{Event: "user_button"}}, nil

	case "release":
		return Request{Type: "app_event", Data: AppEvent{Event: "release_button"}}, nil

	case "sleep":
		return Request{Type: "app_event", Data: AppEvent{Event: "sleep_request"}}, nil

	case "wake":
		return Request{Type: "app_event", Data: AppEvent{Event: "wake_request"}}, nil

	case "set":
		if len(args) < 3 {
			return Request{}, errors.New("set requires <category> <value> [source]")
		}
		s := SetState{Category: strings.ToLower(args[1]), Value: strings.ToUpper(args[2])}
		if len(args) > 3 {
			s.Source = strings.ToUpper(args[3])
		}
		return Request{Type: "set_state", Data: s}, nil

	case "state", "get":
		return Request{Type: "get_state"}, nil

	default:
		return Request{}, fmt.Errorf("unknown command: %s", args[0])
	}
}

func send(socketPath string, req Request) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printSnapshot(s Snapshot) {
	fmt.Printf("interaction   %s (%s)\n", s.Interaction, s.Source)
	fmt.Printf("connectivity  %s\n", s.Connectivity)
	fmt.Printf("system        %s\n", s.System)
	fmt.Printf("power         %s\n", s.Power)
	fmt.Printf("emotion       %s\n", s.Emotion)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ptalk-ctl - Control the ptalkd daemon via IPC

Usage:
  ptalk-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/ptalkd.sock)

Commands:
  event, ev <name>                    Post an application event (e.g. ota_begin)
  press                               Post user_button
  release                             Post release_button
  sleep                               Post sleep_request
  wake                                Post wake_request
  set <category> <value> [source]     Override a state category
  state, get                          Print the current state
  help, -h, --help                    Show this help message

Categories:
  interaction, connectivity, system, power, emotion

Examples:
  ptalk-ctl press
  ptalk-ctl set power CRITICAL
  ptalk-ctl -socket /run/ptalkd.sock state
`)
}
