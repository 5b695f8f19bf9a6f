package wsconfig

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"ptalk/internal/settings"
	"ptalk/internal/state"
)

// Hooks are the device actions a command can trigger. Nil hooks are skipped
// (or reported as not_supported where the command depends on them).
type Hooks struct {
	ApplyVolume     func(volume int)
	ApplyBrightness func(brightness int)
	Reconnect       func(url string)
	Reboot          func()
	RequestOTA      func(size int64, sha256, version string) error
	BatteryPercent  func() int
	UptimeSec       func() uint64

	// FirmwareSolicited reports that the device asked for the offer, so
	// request_ota is accepted even though UPDATING_FIRMWARE is published.
	FirmwareSolicited func() bool
}

// Identity is fixed per boot.
type Identity struct {
	DeviceID        string
	FirmwareVersion string
}

// Result is the reply to send and an optional action to run after it was sent.
type Result struct {
	Response Response
	After    func()
}

type Handler struct {
	id     Identity
	sm     *state.Manager
	store  *settings.Store
	hooks  Hooks
	logger *slog.Logger
}

func NewHandler(id Identity, sm *state.Manager, store *settings.Store, hooks Hooks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		id:     id,
		sm:     sm,
		store:  store,
		hooks:  hooks,
		logger: logger.With("component", "wsconfig"),
	}
}

// Handshake is sent once after the websocket connects.
func (h *Handler) Handshake() Response {
	v := h.store.Get()
	return Response{
		Cmd:               CmdDeviceHandshake,
		DeviceID:          h.id.DeviceID,
		FirmwareVersion:   h.id.FirmwareVersion,
		DeviceName:        v.DeviceName,
		BatteryPercent:    intPtr(h.battery()),
		ConnectivityState: h.sm.Connectivity().String(),
	}
}

// Handle decodes and executes one command.
func (h *Handler) Handle(raw []byte) Result {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.logger.Warn("malformed config command", "err", err)
		return h.reply(StatusInvalidCommand, "malformed JSON")
	}
	h.logger.Info("config command", "cmd", req.Cmd)

	switch req.Cmd {
	case CmdSetWifi:
		return h.reply(StatusNotSupported, "WiFi config not supported over WebSocket. Use BLE.")
	case CmdSetVolume:
		return h.setVolume(req)
	case CmdSetBrightness:
		return h.setBrightness(req)
	case CmdSetDeviceName:
		return h.setDeviceName(req)
	case CmdSetWSURL:
		return h.setWSURL(req)
	case CmdReboot:
		return h.reboot()
	case CmdRequestStatus:
		return Result{Response: h.status()}
	case CmdRequestOTA:
		return h.requestOTA(req)
	case CmdDeviceHandshake:
		return h.reply(StatusInvalidCommand, "device_handshake is sent by the device")
	default:
		return h.reply(StatusInvalidCommand, fmt.Sprintf("unknown command %q", req.Cmd))
	}
}

func (h *Handler) busy() bool {
	return h.sm.System() == state.SystemUpdatingFirmware
}

func (h *Handler) reply(s Status, msg string) Result {
	return Result{Response: Response{Status: s, Message: msg, DeviceID: h.id.DeviceID}}
}

func (h *Handler) setVolume(req Request) Result {
	if h.busy() {
		return h.reply(StatusDeviceBusy, "firmware update in progress")
	}
	if req.Volume == nil || *req.Volume < 0 || *req.Volume > 100 {
		return h.reply(StatusInvalidParam, "volume must be 0-100")
	}
	vol := *req.Volume
	if err := h.store.Update(func(v *settings.Values) { v.Volume = vol }); err != nil {
		h.logger.Error("persist volume failed", "err", err)
		return h.reply(StatusError, err.Error())
	}
	if h.hooks.ApplyVolume != nil {
		h.hooks.ApplyVolume(vol)
	}
	res := h.reply(StatusOK, "")
	res.Response.Volume = intPtr(vol)
	return res
}

func (h *Handler) setBrightness(req Request) Result {
	if h.busy() {
		return h.reply(StatusDeviceBusy, "firmware update in progress")
	}
	if req.Brightness == nil || *req.Brightness < 0 || *req.Brightness > 100 {
		return h.reply(StatusInvalidParam, "brightness must be 0-100")
	}
	b := *req.Brightness
	if err := h.store.Update(func(v *settings.Values) { v.Brightness = b }); err != nil {
		h.logger.Error("persist brightness failed", "err", err)
		return h.reply(StatusError, err.Error())
	}
	if h.hooks.ApplyBrightness != nil {
		h.hooks.ApplyBrightness(b)
	}
	res := h.reply(StatusOK, "")
	res.Response.Brightness = intPtr(b)
	return res
}

func (h *Handler) setDeviceName(req Request) Result {
	if h.busy() {
		return h.reply(StatusDeviceBusy, "firmware update in progress")
	}
	if req.DeviceName == nil || len(*req.DeviceName) == 0 || len(*req.DeviceName) > settings.MaxDeviceNameLen {
		return h.reply(StatusInvalidParam, fmt.Sprintf("device_name must be 1-%d characters", settings.MaxDeviceNameLen))
	}
	name := *req.DeviceName
	if err := h.store.Update(func(v *settings.Values) { v.DeviceName = name }); err != nil {
		h.logger.Error("persist device name failed", "err", err)
		return h.reply(StatusError, err.Error())
	}
	res := h.reply(StatusOK, "")
	res.Response.DeviceName = name
	return res
}

func (h *Handler) setWSURL(req Request) Result {
	if h.busy() {
		return h.reply(StatusDeviceBusy, "firmware update in progress")
	}
	if req.URL == nil {
		return h.reply(StatusInvalidParam, "url is required")
	}
	u := *req.URL
	if err := settings.ValidateServerURL(u); err != nil {
		return h.reply(StatusInvalidParam, err.Error())
	}
	if err := h.store.Update(func(v *settings.Values) { v.ServerURL = u }); err != nil {
		h.logger.Error("persist server url failed", "err", err)
		return h.reply(StatusError, err.Error())
	}
	res := h.reply(StatusOK, "")
	res.Response.URL = u
	if h.hooks.Reconnect != nil {
		res.After = func() { h.hooks.Reconnect(u) }
	}
	return res
}

func (h *Handler) reboot() Result {
	if h.hooks.Reboot == nil {
		return h.reply(StatusNotSupported, "reboot not available")
	}
	res := h.reply(StatusOK, "Rebooting...")
	res.After = h.hooks.Reboot
	return res
}

func (h *Handler) status() Response {
	v := h.store.Get()
	var uptime uint64
	if h.hooks.UptimeSec != nil {
		uptime = h.hooks.UptimeSec()
	}
	return Response{
		Status:            StatusOK,
		DeviceID:          h.id.DeviceID,
		DeviceName:        v.DeviceName,
		BatteryPercent:    intPtr(h.battery()),
		ConnectivityState: h.sm.Connectivity().String(),
		Volume:            intPtr(v.Volume),
		Brightness:        intPtr(v.Brightness),
		FirmwareVersion:   h.id.FirmwareVersion,
		UptimeSec:         &uptime,
	}
}

func (h *Handler) requestOTA(req Request) Result {
	solicited := h.hooks.FirmwareSolicited != nil && h.hooks.FirmwareSolicited()
	if h.busy() && !solicited {
		return h.reply(StatusDeviceBusy, "firmware update in progress")
	}
	if req.Size <= 0 {
		return h.reply(StatusInvalidParam, "size must be positive")
	}
	if req.SHA256 != "" {
		if b, err := hex.DecodeString(req.SHA256); err != nil || len(b) != 32 {
			return h.reply(StatusInvalidParam, "sha256 must be 64 hex characters")
		}
	}
	if h.hooks.RequestOTA == nil {
		return h.reply(StatusNotSupported, "ota not available")
	}
	if err := h.hooks.RequestOTA(req.Size, req.SHA256, req.Version); err != nil {
		h.logger.Error("ota request rejected", "err", err)
		return h.reply(StatusError, err.Error())
	}
	return h.reply(StatusOK, "ready for firmware")
}

func (h *Handler) battery() int {
	if h.hooks.BatteryPercent == nil {
		return -1
	}
	return h.hooks.BatteryPercent()
}
