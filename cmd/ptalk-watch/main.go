package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

// ============================================================================
// ptalk-watch - follow ptalkd state over /ws/state
// ============================================================================

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type snapshot struct {
	Interaction  string `json:"interaction"`
	Source       string `json:"input_source"`
	Connectivity string `json:"connectivity"`
	System       string `json:"system"`
	Power        string `json:"power"`
	Emotion      string `json:"emotion"`
}

type change struct {
	State  string `json:"state"`
	Source string `json:"source,omitempty"`
}

var (
	tsStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	typeStyle  = lipgloss.NewStyle().Bold(true).Width(22)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// Values worth highlighting on a bench.
var alerting = map[string]bool{
	"CRITICAL":          true,
	"ERROR":             true,
	"OFFLINE":           true,
	"UPDATING_FIRMWARE": true,
	"FACTORY_RESETTING": true,
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:9100/ws/state", "ptalkd state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The daemon pings every 20s; each ping extends the read deadline.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			fmt.Println(formatFrame(message))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatFrame renders one envelope as a single styled line.
func formatFrame(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return "[TEXT] " + string(message)
	}

	ts := "--:--:--.---"
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000")
	}
	head := tsStyle.Render(ts) + " " + typeStyle.Render(env.Type)

	switch env.Type {
	case "state_init":
		var s snapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return head + " " + string(env.Data)
		}
		return head + fmt.Sprintf(" interaction=%s(%s) net=%s sys=%s pwr=%s emotion=%s",
			value(s.Interaction), s.Source, value(s.Connectivity), value(s.System), value(s.Power), value(s.Emotion))

	default:
		var c change
		if err := json.Unmarshal(env.Data, &c); err != nil || c.State == "" {
			return head + " " + string(env.Data)
		}
		line := head + " " + value(c.State)
		if c.Source != "" {
			line += " (" + c.Source + ")"
		}
		return line
	}
}

func value(s string) string {
	if alerting[s] {
		return warnStyle.Render(s)
	}
	return valueStyle.Render(s)
}
