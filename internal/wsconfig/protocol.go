// Package wsconfig implements the JSON device-configuration commands carried
// over the voice-server websocket (and the MQTT control channel).
package wsconfig

import "encoding/json"

// Command names (the "cmd" field).
const (
	CmdDeviceHandshake = "device_handshake"
	CmdSetWifi         = "set_wifi"
	CmdSetVolume       = "set_volume"
	CmdSetBrightness   = "set_brightness"
	CmdSetDeviceName   = "set_device_name"
	CmdSetWSURL        = "set_ws_url"
	CmdReboot          = "reboot"
	CmdRequestStatus   = "request_status"
	CmdRequestOTA      = "request_ota"
)

// Status is the response status code.
type Status string

const (
	StatusOK             Status = "ok"
	StatusError          Status = "error"
	StatusInvalidCommand Status = "invalid_command"
	StatusInvalidParam   Status = "invalid_param"
	StatusNotSupported   Status = "not_supported"
	StatusDeviceBusy     Status = "device_busy"
)

// Request is a server -> device command. Only the fields relevant to Cmd are set.
type Request struct {
	Cmd        string  `json:"cmd"`
	Volume     *int    `json:"volume,omitempty"`
	Brightness *int    `json:"brightness,omitempty"`
	DeviceName *string `json:"device_name,omitempty"`
	URL        *string `json:"url,omitempty"`
	SSID       string  `json:"ssid,omitempty"`
	Password   string  `json:"password,omitempty"`
	Size       int64   `json:"size,omitempty"`
	SHA256     string  `json:"sha256,omitempty"`
	Version    string  `json:"version,omitempty"`
}

// Response is a device -> server message. The handshake carries Cmd and no
// Status; every other response carries Status and DeviceID.
type Response struct {
	Cmd               string  `json:"cmd,omitempty"`
	Status            Status  `json:"status,omitempty"`
	Message           string  `json:"message,omitempty"`
	DeviceID          string  `json:"device_id"`
	DeviceName        string  `json:"device_name,omitempty"`
	BatteryPercent    *int    `json:"battery_percent,omitempty"`
	ConnectivityState string  `json:"connectivity_state,omitempty"`
	Volume            *int    `json:"volume,omitempty"`
	Brightness        *int    `json:"brightness,omitempty"`
	FirmwareVersion   string  `json:"firmware_version,omitempty"`
	UptimeSec         *uint64 `json:"uptime_sec,omitempty"`
	URL               string  `json:"url,omitempty"`
}

func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// IsCommand reports whether a text frame looks like a JSON command object.
func IsCommand(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func intPtr(v int) *int { return &v }
