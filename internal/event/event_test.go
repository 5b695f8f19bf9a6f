package event

import (
	"encoding/json"
	"testing"
)

func TestParse_AllNamesRoundTrip(t *testing.T) {
	for _, e := range All() {
		got, err := Parse(e.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", e.String(), err)
		}
		if got != e {
			t.Fatalf("expected %s, got %s", e, got)
		}
	}
}

func TestParse_UpperCase(t *testing.T) {
	got, err := Parse("FACTORY_RESET_REQUEST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != FactoryResetRequest {
		t.Fatalf("expected factory_reset_request, got %s", got)
	}
}

func TestParse_Unknown(t *testing.T) {
	if _, err := Parse("double_tap"); err == nil {
		t.Fatalf("expected error for unknown event")
	}
}

func TestMarshalText_InStruct(t *testing.T) {
	type payload struct {
		Event AppEvent `json:"event"`
	}
	b, err := json.Marshal(payload{Event: OTABegin})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"event":"ota_begin"}` {
		t.Fatalf("unexpected json %s", b)
	}

	if _, err := json.Marshal(payload{Event: AppEvent(200)}); err == nil {
		t.Fatalf("expected error for out-of-range event")
	}
}
