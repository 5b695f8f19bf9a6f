// Package event defines the closed set of application events consumed by the controller.
package event

import (
	"fmt"
	"strings"
)

// AppEvent is a discrete application event (button, wakeword, OTA, sleep, ...).
type AppEvent uint8

const (
	UserButton AppEvent = iota
	ReleaseButton
	WakewordDetected
	ServerForceListen
	OTABegin
	OTAFinished
	SleepRequest
	WakeRequest
	ConfigDoneRestart
	BatteryPercentChanged
	FactoryResetRequest
)

// Wire names (IPC, MQTT, logs).
var names = []string{
	"user_button",
	"release_button",
	"wakeword_detected",
	"server_force_listen",
	"ota_begin",
	"ota_finished",
	"sleep_request",
	"wake_request",
	"config_done_restart",
	"battery_percent_changed",
	"factory_reset_request",
}

func (e AppEvent) String() string {
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

// All returns every defined event in declaration order.
func All() []AppEvent {
	out := make([]AppEvent, len(names))
	for i := range names {
		out[i] = AppEvent(i)
	}
	return out
}

// Parse accepts the snake_case wire name; matching is case-insensitive and
// also accepts the upper-case form ("USER_BUTTON").
func Parse(s string) (AppEvent, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == want {
			return AppEvent(i), nil
		}
	}
	return 0, fmt.Errorf("unknown app event %q", s)
}

func (e AppEvent) MarshalText() ([]byte, error) {
	if int(e) >= len(names) {
		return nil, fmt.Errorf("invalid app event %d", uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *AppEvent) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
