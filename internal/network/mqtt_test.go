package network

import (
	"encoding/json"
	"sync"
	"testing"

	"ptalk/internal/settings"
	"ptalk/internal/state"
	"ptalk/internal/wsconfig"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type publishRecorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *publishRecorder) publish(topic string, retained bool, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, retained, append([]byte(nil), payload...)})
}

func (r *publishRecorder) last() published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func newTestBridge(t *testing.T) (*MQTTBridge, *state.Manager, *publishRecorder) {
	t.Helper()
	sm := state.NewManager()
	store, err := settings.Open(t.TempDir()+"/settings.json", settings.Defaults(), discardLogger())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	cmds := wsconfig.NewHandler(wsconfig.Identity{DeviceID: "dev1", FirmwareVersion: "test"}, sm, store, wsconfig.Hooks{}, discardLogger())

	rec := &publishRecorder{}
	b := NewMQTTBridge(MQTTConfig{}, "dev1", sm, cmds, discardLogger())
	b.publish = rec.publish
	return b, sm, rec
}

func TestMQTTBridge_CommandRepliesOnRespTopic(t *testing.T) {
	b, sm, rec := newTestBridge(t)
	sm.SetConnectivity(state.ConnectivityOnline)

	b.handleCommand([]byte(`{"cmd":"request_status"}`))

	msg := rec.last()
	if msg.topic != "ptalk/dev1/resp" || msg.retained {
		t.Fatalf("unexpected publish %+v", msg)
	}
	var resp map[string]any
	if err := json.Unmarshal(msg.payload, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" || resp["connectivity_state"] != "ONLINE" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestMQTTBridge_StateIsRetained(t *testing.T) {
	b, sm, rec := newTestBridge(t)
	sm.SetPower(state.PowerCharging)

	b.publishState()

	msg := rec.last()
	if msg.topic != "ptalk/dev1/state" || !msg.retained {
		t.Fatalf("unexpected publish %+v", msg)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(msg.payload, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Power != state.PowerCharging {
		t.Fatalf("expected CHARGING, got %s", snap.Power)
	}
}

func TestMQTTBridge_StartRequiresBroker(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if err := b.Start(); err == nil {
		t.Fatalf("expected error without broker")
	}
	b.Stop()
}
