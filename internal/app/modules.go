package app

import "time"

// ============================================================================
// Collaborator contracts
// ============================================================================
// The controller only calls these methods; each module owns its goroutines.
// Implementations live in internal/{display,audio,network,power,input,ota,platform}.
// ============================================================================

// Display is the render loop and backlight.
type Display interface {
	StartLoop() error
	StopLoop()
	LoopRunning() bool
	SetBacklight(on bool)
	PlayText(text string)
}

// Audio is the capture/playback pipeline.
type Audio interface {
	Start() error
	Stop()
	StopSpeaking()
	StopAll()
	FreeResources()
}

// FirmwareRequest describes an image the server announced.
type FirmwareRequest struct {
	Size    int64
	SHA256  string
	Version string
}

// FirmwareHandler receives a server-driven firmware transfer. Calls arrive on
// the network module's goroutine, in order: Requested, Chunk..., Complete.
type FirmwareHandler interface {
	FirmwareRequested(req FirmwareRequest)
	FirmwareChunk(b []byte) error
	FirmwareComplete(err error)
}

// Network is the voice-server link plus provisioning.
type Network interface {
	Start() error
	Stop()
	StopPortal()
	StartBLEConfigMode() error
	RequestFirmware() error
	SetFirmwareHandler(h FirmwareHandler)
}

// Power is the battery monitor.
type Power interface {
	Init() error
	Start() error
	Stop()
	SampleNow()
}

// Touch is the button reader.
type Touch interface {
	Start() error
	Stop()
}

// OTA is the firmware writer.
type OTA interface {
	BeginUpdate(size int64, sha256 string) error
	WriteChunk(b []byte) (int, error)
	FinishUpdate() error
	AbortUpdate()
	IsUpdating() bool
}

// Platform issues the device-level actions that end or reset the process.
type Platform interface {
	Restart() error
	DeepSleep(wake time.Duration) error
	EraseSettings() error
}

// Modules is the one-time set of collaborators. Any field may be nil.
type Modules struct {
	Display Display
	Audio   Audio
	Network Network
	Power   Power
	Touch   Touch
	OTA     OTA
}
