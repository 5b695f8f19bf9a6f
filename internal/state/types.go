package state

import (
	"fmt"
	"strings"
)

// ============================================================================
// State categories
// ============================================================================
// All categories are small value enums. The wire form (JSON, YAML, IPC, MQTT)
// is the upper-case name, e.g. "ONLINE".
// ============================================================================

// InteractionState is the voice interaction phase (UI/audio/VAD).
type InteractionState uint8

const (
	InteractionIdle InteractionState = iota
	InteractionTriggered
	InteractionListening
	InteractionProcessing
	InteractionSpeaking
	InteractionCancelling
	InteractionMuted
	InteractionSleeping
)

var interactionNames = []string{
	"IDLE", "TRIGGERED", "LISTENING", "PROCESSING", "SPEAKING", "CANCELLING", "MUTED", "SLEEPING",
}

// InputSource records what caused an interaction transition.
type InputSource uint8

const (
	SourceVAD InputSource = iota
	SourceButton
	SourceWakeword
	SourceServerCommand
	SourceSystem
	SourceUnknown
)

var sourceNames = []string{
	"VAD", "BUTTON", "WAKEWORD", "SERVER_COMMAND", "SYSTEM", "UNKNOWN",
}

// ConnectivityState reflects the single in-flight connection attempt of the network module.
type ConnectivityState uint8

const (
	ConnectivityOffline ConnectivityState = iota
	ConnectivityConnectingWifi
	ConnectivityWifiPortal
	ConnectivityConnectingWS
	ConnectivityOnline
	ConnectivityConfigBLE
)

var connectivityNames = []string{
	"OFFLINE", "CONNECTING_WIFI", "WIFI_PORTAL", "CONNECTING_WS", "ONLINE", "CONFIG_BLE",
}

// SystemState is the device-level lifecycle state.
type SystemState uint8

const (
	SystemBooting SystemState = iota
	SystemRunning
	SystemError
	SystemMaintenance
	SystemUpdatingFirmware
	SystemFactoryResetting
)

var systemNames = []string{
	"BOOTING", "RUNNING", "ERROR", "MAINTENANCE", "UPDATING_FIRMWARE", "FACTORY_RESETTING",
}

// PowerState is the battery condition. CRITICAL is a one-way trigger for deep sleep.
type PowerState uint8

const (
	PowerNormal PowerState = iota
	PowerCharging
	PowerFullBattery
	PowerCritical
	PowerError
)

var powerNames = []string{
	"NORMAL", "CHARGING", "FULL_BATTERY", "CRITICAL", "ERROR",
}

// EmotionState is purely cosmetic (display/animation selection).
type EmotionState uint8

const (
	EmotionNeutral EmotionState = iota
	EmotionHappy
	EmotionSad
	EmotionAngry
	EmotionConfused
	EmotionExcited
	EmotionCalm
	EmotionThinking
)

var emotionNames = []string{
	"NEUTRAL", "HAPPY", "SAD", "ANGRY", "CONFUSED", "EXCITED", "CALM", "THINKING",
}

// ============================================================================
// Name tables
// ============================================================================

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("UNKNOWN(%d)", v)
}

func parseEnum(names []string, kind, s string) (uint8, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range names {
		if n == want {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("invalid %s: %q", kind, s)
}

func (s InteractionState) String() string  { return enumName(interactionNames, uint8(s)) }
func (s InputSource) String() string       { return enumName(sourceNames, uint8(s)) }
func (s ConnectivityState) String() string { return enumName(connectivityNames, uint8(s)) }
func (s SystemState) String() string       { return enumName(systemNames, uint8(s)) }
func (s PowerState) String() string        { return enumName(powerNames, uint8(s)) }
func (s EmotionState) String() string      { return enumName(emotionNames, uint8(s)) }

// ParseInteractionState parses a case-insensitive interaction name.
func ParseInteractionState(s string) (InteractionState, error) {
	v, err := parseEnum(interactionNames, "interaction state", s)
	return InteractionState(v), err
}

// ParseInputSource parses a case-insensitive input source name.
func ParseInputSource(s string) (InputSource, error) {
	v, err := parseEnum(sourceNames, "input source", s)
	return InputSource(v), err
}

// ParseConnectivityState parses a case-insensitive connectivity name.
func ParseConnectivityState(s string) (ConnectivityState, error) {
	v, err := parseEnum(connectivityNames, "connectivity state", s)
	return ConnectivityState(v), err
}

// ParseSystemState parses a case-insensitive system state name.
func ParseSystemState(s string) (SystemState, error) {
	v, err := parseEnum(systemNames, "system state", s)
	return SystemState(v), err
}

// ParsePowerState parses a case-insensitive power state name.
func ParsePowerState(s string) (PowerState, error) {
	v, err := parseEnum(powerNames, "power state", s)
	return PowerState(v), err
}

// ParseEmotionState parses a case-insensitive emotion name.
func ParseEmotionState(s string) (EmotionState, error) {
	v, err := parseEnum(emotionNames, "emotion state", s)
	return EmotionState(v), err
}

// EmotionFromCode maps the server's two-digit emotion code ("00".."07") to an EmotionState.
func EmotionFromCode(code string) (EmotionState, bool) {
	if len(code) != 2 || code[0] < '0' || code[0] > '9' || code[1] < '0' || code[1] > '9' {
		return EmotionNeutral, false
	}
	n := int(code[0]-'0')*10 + int(code[1]-'0')
	if n >= len(emotionNames) {
		return EmotionNeutral, false
	}
	return EmotionState(n), true
}

// ============================================================================
// Text marshaling (JSON/YAML use the upper-case names)
// ============================================================================

func (s InteractionState) MarshalText() ([]byte, error)  { return []byte(s.String()), nil }
func (s InputSource) MarshalText() ([]byte, error)       { return []byte(s.String()), nil }
func (s ConnectivityState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s SystemState) MarshalText() ([]byte, error)       { return []byte(s.String()), nil }
func (s PowerState) MarshalText() ([]byte, error)        { return []byte(s.String()), nil }
func (s EmotionState) MarshalText() ([]byte, error)      { return []byte(s.String()), nil }

func (s *InteractionState) UnmarshalText(b []byte) error {
	v, err := ParseInteractionState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *InputSource) UnmarshalText(b []byte) error {
	v, err := ParseInputSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *ConnectivityState) UnmarshalText(b []byte) error {
	v, err := ParseConnectivityState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *SystemState) UnmarshalText(b []byte) error {
	v, err := ParseSystemState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *PowerState) UnmarshalText(b []byte) error {
	v, err := ParsePowerState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *EmotionState) UnmarshalText(b []byte) error {
	v, err := ParseEmotionState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
