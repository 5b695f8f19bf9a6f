package app

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"ptalk/internal/event"
	"ptalk/internal/state"
)

// ============================================================================
// Lifecycle
// ============================================================================

func TestController_InitFailsWithoutQueue(t *testing.T) {
	sm := state.NewManager()
	c := New(sm, nil, Config{QueueSize: 0}, discardLogger())

	if err := c.Init(); !errors.Is(err, ErrQueueSize) {
		t.Fatalf("expected ErrQueueSize, got %v", err)
	}
	if c.PostEvent(event.UserButton) {
		t.Fatalf("expected PostEvent to fail without a queue")
	}
}

func TestController_StartBeforeInit(t *testing.T) {
	c := New(state.NewManager(), nil, testConfig(), discardLogger())
	if err := c.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestController_PostEventDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	c := New(state.NewManager(), nil, cfg, discardLogger())
	if err := c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Worker not started: nothing drains the queue.
	if !c.PostEvent(event.UserButton) || !c.PostEvent(event.ReleaseButton) {
		t.Fatalf("expected first two posts to be accepted")
	}
	if c.PostEvent(event.WakewordDetected) {
		t.Fatalf("expected third post to be dropped")
	}
}

func TestController_StartOrderAndStopOrder(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	wantStart := []string{
		"power.Init", "power.Start", "power.SampleNow",
		"display.StartLoop",
		"network.SetFirmwareHandler", "network.Start",
		"audio.Start",
		"touch.Start",
	}
	if got := f.log.all(); !reflect.DeepEqual(got, wantStart) {
		t.Fatalf("start order:\n got  %v\n want %v", got, wantStart)
	}

	f.c.Stop()

	wantStop := []string{"network.StopPortal", "network.Stop", "audio.Stop", "display.StopLoop", "power.Stop"}
	if got := f.log.all()[len(wantStart):]; !reflect.DeepEqual(got, wantStop) {
		t.Fatalf("stop order:\n got  %v\n want %v", got, wantStop)
	}
	if f.c.Started() {
		t.Fatalf("expected controller to be stopped")
	}
}

func TestController_StartTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if err := f.c.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if n := f.log.count("network.Start"); n != 1 {
		t.Fatalf("expected network started once, got %d", n)
	}
}

func TestController_PowerInitFailureSkipsPowerStart(t *testing.T) {
	f := newFixture(t)
	f.power.initErr = errors.New("no gauge")
	f.start(t)

	if f.log.count("power.Start") != 0 || f.log.count("power.SampleNow") != 0 {
		t.Fatalf("expected power start to be skipped after init failure: %v", f.log.all())
	}
	if f.log.count("audio.Start") != 1 {
		t.Fatalf("expected boot to continue degraded")
	}
}

func TestController_DisplayLoopAlreadyRunningNotRestarted(t *testing.T) {
	f := newFixture(t)
	f.display.running = true
	f.start(t)

	if n := f.log.count("display.StartLoop"); n != 0 {
		t.Fatalf("expected running loop to be left alone, got %d starts", n)
	}
}

func TestController_CriticalAtBootSkipsModulesUntilRecovery(t *testing.T) {
	f := newFixture(t)
	f.sm.SetPower(state.PowerCritical) // before Init: not queued
	f.start(t)

	for _, call := range []string{"network.Start", "audio.Start", "touch.Start"} {
		if n := f.log.count(call); n != 0 {
			t.Fatalf("expected %s skipped on critical battery, got %d", call, n)
		}
	}
	if f.log.count("power.Start") != 1 || f.log.count("display.StartLoop") != 1 {
		t.Fatalf("expected power and display to start regardless: %v", f.log.all())
	}

	f.sm.SetPower(state.PowerNormal)
	drain(t, f.c)

	for _, call := range []string{"network.Start", "audio.Start", "touch.Start"} {
		if n := f.log.count(call); n != 1 {
			t.Fatalf("expected %s once after recovery, got %d", call, n)
		}
	}

	// A second NORMAL publication must not start anything again.
	f.sm.SetPower(state.PowerNormal)
	drain(t, f.c)
	if n := f.log.count("audio.Start"); n != 1 {
		t.Fatalf("expected no restart of running audio, got %d", n)
	}
}

func TestController_StopUnsubscribes(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.c.Stop()

	before := len(f.log.all())
	f.sm.SetConnectivity(state.ConnectivityOffline)
	time.Sleep(20 * time.Millisecond)
	if got := len(f.log.all()); got != before {
		t.Fatalf("expected no policy after stop, got %v", f.log.all()[before:])
	}
}

func TestController_RestartDiscardsMessagesQueuedBeforeStop(t *testing.T) {
	f := newFixture(t)
	if err := f.c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !f.c.PostEvent(event.SleepRequest) {
		t.Fatalf("expected event to be queued")
	}
	f.c.Stop()
	if n := f.c.Pending(); n != 0 {
		t.Fatalf("expected empty queue after stop, got %d pending", n)
	}

	f.start(t)
	f.c.PostEvent(event.WakeRequest)
	drain(t, f.c)

	if n := f.log.count("platform.DeepSleep"); n != 0 {
		t.Fatalf("stale sleep request replayed after restart")
	}
	if f.c.Sleeping() {
		t.Fatalf("controller entered sleep from a stale message")
	}
}

func TestController_StopAbandonsStuckWorker(t *testing.T) {
	f := newFixture(t)
	f.platform.sleepBlock = make(chan struct{})
	defer close(f.platform.sleepBlock)

	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	f.c.cfg = cfg
	f.start(t)

	f.c.PostEvent(event.SleepRequest)
	waitUntil(t, time.Second, func() bool { return f.log.count("platform.DeepSleep") == 1 }, "deep sleep not entered")

	done := make(chan struct{})
	go func() {
		f.c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return after its timeout")
	}
}

// Attaching after start is rejected and the running modules stay in place.
func TestController_AttachAfterStartRejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	replacement := &mockAudio{log: f.log, name: "other"}
	err := f.c.AttachModules(Modules{Audio: replacement})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	f.sm.SetConnectivity(state.ConnectivityOffline)
	drain(t, f.c)

	if f.log.count("audio.StopAll") != 1 {
		t.Fatalf("expected original audio module to be used: %v", f.log.all())
	}
	if f.log.count("other.StopAll") != 0 {
		t.Fatalf("replacement module must not be used")
	}
}

// ============================================================================
// Interaction policy
// ============================================================================

// TRIGGERED is advanced to LISTENING by the controller with the same source.
func TestController_TriggeredAdvancesToListening(t *testing.T) {
	f := newFixture(t)
	spy := &interactionSpy{}
	f.sm.SubscribeInteraction(spy.record)
	f.start(t)

	f.sm.SetInteraction(state.InteractionTriggered, state.SourceWakeword)
	drain(t, f.c)

	want := []string{"TRIGGERED/WAKEWORD", "LISTENING/WAKEWORD"}
	if got := spy.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestController_TriggeredBurstYieldsSingleListening(t *testing.T) {
	f := newFixture(t)
	spy := &interactionSpy{}
	f.sm.SubscribeInteraction(spy.record)
	if err := f.c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Queue the burst before the worker runs.
	for i := 0; i < 5; i++ {
		f.sm.SetInteraction(state.InteractionTriggered, state.SourceServerCommand)
	}
	if err := f.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.c.Stop)
	drain(t, f.c)

	listening := 0
	for _, c := range spy.all() {
		if c == "LISTENING/SERVER_COMMAND" {
			listening++
		}
	}
	if listening != 1 {
		t.Fatalf("expected exactly one LISTENING, got %d (%v)", listening, spy.all())
	}
}

func TestController_CancellingReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetInteraction(state.InteractionCancelling, state.SourceButton)
	drain(t, f.c)

	if s, src := f.sm.Interaction(); s != state.InteractionIdle || src != state.SourceUnknown {
		t.Fatalf("expected IDLE/UNKNOWN, got %s/%s", s, src)
	}
}

// ============================================================================
// App events
// ============================================================================

func TestController_ButtonIgnoredWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.c.PostEvent(event.UserButton)
	drain(t, f.c)

	if s, src := f.sm.Interaction(); s != state.InteractionIdle || src != state.SourceUnknown {
		t.Fatalf("expected interaction unchanged, got %s/%s", s, src)
	}
}

func TestController_ButtonWhileSpeakingInterruptsPlayback(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetConnectivity(state.ConnectivityOnline)
	f.sm.SetInteraction(state.InteractionSpeaking, state.SourceServerCommand)
	drain(t, f.c)

	f.c.PostEvent(event.UserButton)
	drain(t, f.c)

	if n := f.log.count("audio.StopSpeaking"); n != 1 {
		t.Fatalf("expected one StopSpeaking, got %d", n)
	}
	if s, src := f.sm.Interaction(); s != state.InteractionListening || src != state.SourceButton {
		t.Fatalf("expected LISTENING/BUTTON, got %s/%s", s, src)
	}

	f.c.PostEvent(event.ReleaseButton)
	drain(t, f.c)
	if s, src := f.sm.Interaction(); s != state.InteractionIdle || src != state.SourceButton {
		t.Fatalf("expected IDLE/BUTTON, got %s/%s", s, src)
	}
}

func TestController_ButtonWithoutNetworkModuleAlwaysHonoured(t *testing.T) {
	sm := state.NewManager()
	c := New(sm, nil, testConfig(), discardLogger())
	if err := c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	c.PostEvent(event.UserButton)
	drain(t, c)

	if s := sm.InteractionState(); s != state.InteractionListening {
		t.Fatalf("expected LISTENING, got %s", s)
	}
}

func TestController_ServerForceListenGoesThroughTriggered(t *testing.T) {
	f := newFixture(t)
	spy := &interactionSpy{}
	f.sm.SubscribeInteraction(spy.record)
	f.start(t)

	f.c.PostEvent(event.ServerForceListen)
	drain(t, f.c)

	want := []string{"TRIGGERED/SERVER_COMMAND", "LISTENING/SERVER_COMMAND"}
	if got := spy.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestController_ConfigDoneRestartShowsNoticeThenReboots(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.c.PostEvent(event.ConfigDoneRestart)
	drain(t, f.c)

	got := f.log.filter("display.PlayText(Config done. Restarting...)", "platform.Restart")
	want := []string{"display.PlayText(Config done. Restarting...)", "platform.Restart"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestController_FactoryReset(t *testing.T) {
	f := newFixture(t)
	var systems []state.SystemState
	f.sm.SubscribeSystem(func(s state.SystemState) { systems = append(systems, s) })
	f.start(t)

	f.c.FactoryReset()

	if len(systems) == 0 || systems[0] != state.SystemFactoryResetting {
		t.Fatalf("expected FACTORY_RESETTING first, got %v", systems)
	}
	want := []string{"platform.EraseSettings", "platform.Restart"}
	if got := f.log.filter(want...); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestController_FactoryResetEraseFailure(t *testing.T) {
	f := newFixture(t)
	f.platform.eraseErr = errors.New("read-only")
	f.start(t)

	f.c.FactoryReset()

	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
	if f.log.count("platform.Restart") != 0 {
		t.Fatalf("expected no restart after failed erase")
	}
}

// ============================================================================
// Connectivity, system and power policy
// ============================================================================

func TestController_OfflineStopsAudio(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.sm.SetInteraction(state.InteractionProcessing, state.SourceServerCommand)
	drain(t, f.c)

	f.sm.SetConnectivity(state.ConnectivityOffline)
	drain(t, f.c)

	if f.log.count("audio.StopAll") != 1 {
		t.Fatalf("expected StopAll, got %v", f.log.all())
	}
	if s, src := f.sm.Interaction(); s != state.InteractionIdle || src != state.SourceUnknown {
		t.Fatalf("expected IDLE/UNKNOWN, got %s/%s", s, src)
	}
}

func TestController_ConfigBLEReleasesAudioThenHandsOff(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetConnectivity(state.ConnectivityConfigBLE)
	drain(t, f.c)

	want := []string{"audio.Stop", "audio.FreeResources", "network.StartBLEConfigMode"}
	if got := f.log.filter(want...); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if f.sm.System() == state.SystemError {
		t.Fatalf("unexpected ERROR after successful hand-off")
	}
}

// Power recovery and Wake must not bring audio back while the BLE
// provisioner owns the radio and memory.
func TestController_ConfigBLEKeepsAudioSuspendedOnRecovery(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetPower(state.PowerCharging)
	f.sm.SetConnectivity(state.ConnectivityConfigBLE)
	drain(t, f.c)

	f.sm.SetPower(state.PowerNormal)
	f.c.PostEvent(event.WakeRequest)
	drain(t, f.c)

	if n := f.log.count("audio.Start"); n != 1 {
		t.Fatalf("audio restarted during BLE config mode: %d starts", n)
	}
	if n := f.log.count("network.Start"); n != 1 {
		t.Fatalf("network restarted during BLE config mode: %d starts", n)
	}
	if !f.c.isSuspended(modAudio) {
		t.Fatalf("expected audio to remain suspended")
	}

	// Leaving provisioning lets the next recovery resume audio.
	f.sm.SetConnectivity(state.ConnectivityOffline)
	f.sm.SetPower(state.PowerFullBattery)
	drain(t, f.c)
	if n := f.log.count("audio.Start"); n != 2 {
		t.Fatalf("expected audio resumed after BLE config mode, got %d starts", n)
	}
}

func TestController_ConfigBLEFailurePublishesError(t *testing.T) {
	f := newFixture(t)
	f.network.bleErr = errors.New("no provisioner")
	f.start(t)

	f.sm.SetConnectivity(state.ConnectivityConfigBLE)
	drain(t, f.c)

	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
}

func TestController_UpdatingFirmwareStopsAudio(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.sm.SetInteraction(state.InteractionSpeaking, state.SourceServerCommand)
	drain(t, f.c)

	f.sm.SetSystem(state.SystemUpdatingFirmware)
	drain(t, f.c)

	if f.log.count("audio.StopAll") != 1 {
		t.Fatalf("expected StopAll, got %v", f.log.all())
	}
	if s := f.sm.InteractionState(); s != state.InteractionIdle {
		t.Fatalf("expected IDLE, got %s", s)
	}
}

func TestController_PowerErrorStopsAudioUntilNormal(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetPower(state.PowerError)
	f.sm.SetPower(state.PowerError)
	drain(t, f.c)
	if n := f.log.count("audio.Stop"); n != 1 {
		t.Fatalf("expected audio stopped once, got %d", n)
	}

	f.sm.SetPower(state.PowerCharging)
	drain(t, f.c)
	if n := f.log.count("audio.Start"); n != 1 {
		t.Fatalf("expected no restart while charging, got %d starts", n)
	}

	f.sm.SetPower(state.PowerFullBattery)
	drain(t, f.c)
	if n := f.log.count("audio.Start"); n != 2 {
		t.Fatalf("expected audio restarted, got %d starts", n)
	}
}

// CRITICAL stops each module once and enters deep sleep once, even when the
// publication repeats.
func TestController_CriticalBatteryEntersSleepOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetPower(state.PowerCritical)
	waitUntil(t, time.Second, func() bool { return f.log.count("platform.DeepSleep") == 1 }, "deep sleep not entered")
	f.sm.SetPower(state.PowerCritical)
	drain(t, f.c)

	for _, call := range []string{"audio.Stop", "network.StopPortal", "network.Stop", "touch.Stop"} {
		if n := f.log.count(call); n != 1 {
			t.Fatalf("expected %s exactly once, got %d (%v)", call, n, f.log.all())
		}
	}
	if n := f.log.count("platform.DeepSleep"); n != 1 {
		t.Fatalf("expected one deep sleep, got %d", n)
	}

	seq := f.log.filter("touch.Stop", "display.StopLoop", "display.SetBacklight(false)", "platform.DeepSleep")
	want := []string{"touch.Stop", "display.StopLoop", "display.SetBacklight(false)", "platform.DeepSleep"}
	if !reflect.DeepEqual(seq, want) {
		t.Fatalf("sleep sequence:\n got  %v\n want %v", seq, want)
	}

	// Terminal: recovery publications are not acted upon.
	f.sm.SetPower(state.PowerNormal)
	drain(t, f.c)
	if n := f.log.count("audio.Start"); n != 1 {
		t.Fatalf("expected no resume after critical, got %d audio starts", n)
	}
	if !f.c.Sleeping() {
		t.Fatalf("expected controller to report sleeping")
	}
}

func TestController_EnterSleepGuardsReentrance(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.c.EnterSleep()
	f.c.EnterSleep()

	if n := f.log.count("platform.DeepSleep"); n != 1 {
		t.Fatalf("expected one deep sleep, got %d", n)
	}

	f.c.Wake()
	if n := f.log.count("display.SetBacklight(true)"); n != 0 {
		t.Fatalf("expected wake to be ignored during sleep")
	}
}

func TestController_DeepSleepFailurePublishesErrorAndAllowsWake(t *testing.T) {
	f := newFixture(t)
	f.platform.sleepErr = errors.New("rtc unavailable")
	f.start(t)

	f.c.EnterSleep()
	if f.c.Sleeping() {
		t.Fatalf("expected sleep guard cleared after failure")
	}
	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
	drain(t, f.c)

	f.c.Wake()
	drain(t, f.c)
	if f.log.count("display.SetBacklight(true)") != 1 {
		t.Fatalf("expected backlight on after wake")
	}
	if f.log.count("network.Start") != 2 || f.log.count("audio.Start") != 2 {
		t.Fatalf("expected suspended modules resumed: %v", f.log.all())
	}
}

func TestController_WakeReturnsSleepingInteractionToIdle(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sm.SetInteraction(state.InteractionMuted, state.SourceButton)
	f.c.PostEvent(event.WakeRequest)
	drain(t, f.c)

	if s, src := f.sm.Interaction(); s != state.InteractionIdle || src != state.SourceSystem {
		t.Fatalf("expected IDLE/SYSTEM, got %s/%s", s, src)
	}
	if f.log.count("network.Start") != 1 {
		t.Fatalf("expected running modules left alone")
	}
}

// ============================================================================
// Firmware update orchestration
// ============================================================================

func TestController_ServerFirmwareTransfer(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	h := f.network.firmwareHandler()
	if h == nil {
		t.Fatalf("expected firmware handler registered at start")
	}

	h.FirmwareRequested(FirmwareRequest{Size: 8, SHA256: "abc", Version: "1.2.0"})
	if f.sm.System() != state.SystemUpdatingFirmware {
		t.Fatalf("expected UPDATING_FIRMWARE, got %s", f.sm.System())
	}
	if err := h.FirmwareChunk([]byte("abcd")); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if err := h.FirmwareChunk([]byte("efgh")); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if n := f.log.count("ota.BeginUpdate(8)"); n != 1 {
		t.Fatalf("expected one begin, got %d", n)
	}

	h.FirmwareComplete(nil)
	waitUntil(t, time.Second, func() bool { return f.log.count("platform.Restart") == 1 }, "no reboot after ota")

	want := []string{"ota.FinishUpdate", "platform.Restart"}
	if got := f.log.filter(want...); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestController_FirmwareWriteFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.ota.writeErr = errors.New("disk full")
	f.start(t)

	h := f.network.firmwareHandler()
	h.FirmwareRequested(FirmwareRequest{Size: 4})
	if err := h.FirmwareChunk([]byte("abcd")); err == nil {
		t.Fatalf("expected chunk error")
	}

	if f.log.count("ota.AbortUpdate") != 1 {
		t.Fatalf("expected abort, got %v", f.log.all())
	}
	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
}

func TestController_FirmwareBeginFailurePublishesError(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	h := f.network.firmwareHandler()
	h.FirmwareRequested(FirmwareRequest{Size: 0})
	if err := h.FirmwareChunk([]byte("x")); err == nil {
		t.Fatalf("expected begin error")
	}
	if f.log.count("ota.WriteChunk") != 0 {
		t.Fatalf("expected no write after failed begin")
	}
	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
}

func TestController_FirmwareTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	h := f.network.firmwareHandler()
	h.FirmwareRequested(FirmwareRequest{Size: 8})
	_ = h.FirmwareChunk([]byte("abcd"))
	h.FirmwareComplete(errors.New("server aborted"))

	if f.log.count("ota.AbortUpdate") != 1 {
		t.Fatalf("expected abort")
	}
	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
}

func TestController_OTABeginRequestsFirmware(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.c.PostEvent(event.OTABegin)
	drain(t, f.c)

	if f.log.count("network.RequestFirmware") != 1 {
		t.Fatalf("expected firmware request, got %v", f.log.all())
	}
	if f.sm.System() != state.SystemUpdatingFirmware {
		t.Fatalf("expected UPDATING_FIRMWARE, got %s", f.sm.System())
	}
}

func TestController_OTABeginRequestFailure(t *testing.T) {
	f := newFixture(t)
	f.network.requestErr = errors.New("offline")
	f.start(t)

	f.c.PostEvent(event.OTABegin)
	drain(t, f.c)

	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
}

func TestController_OTAFinishedWithoutUpdate(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.c.PostEvent(event.OTAFinished)
	drain(t, f.c)

	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
	if f.log.count("platform.Restart") != 0 {
		t.Fatalf("unexpected reboot")
	}
}

func TestController_OTAFinishFailure(t *testing.T) {
	f := newFixture(t)
	f.ota.finishErr = errors.New("checksum mismatch")
	f.start(t)

	if err := f.ota.BeginUpdate(4, ""); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.c.PostEvent(event.OTAFinished)
	drain(t, f.c)

	if f.sm.System() != state.SystemError {
		t.Fatalf("expected ERROR, got %s", f.sm.System())
	}
	if f.log.count("platform.Restart") != 0 {
		t.Fatalf("unexpected reboot")
	}
}
