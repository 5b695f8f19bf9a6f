package state

import (
	"sync"
	"testing"
	"time"
)

// runWithTimeout fails the test if fn does not return in time (deadlock detector).
func runWithTimeout(t *testing.T, timeout time.Duration, name string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("%s: did not return within %v (deadlock?)", name, timeout)
	}
}

func TestManager_Defaults(t *testing.T) {
	m := NewManager()

	s, src := m.Interaction()
	if s != InteractionIdle || src != SourceUnknown {
		t.Fatalf("expected IDLE/UNKNOWN, got %s/%s", s, src)
	}
	if got := m.Connectivity(); got != ConnectivityOffline {
		t.Errorf("expected OFFLINE, got %s", got)
	}
	if got := m.System(); got != SystemBooting {
		t.Errorf("expected BOOTING, got %s", got)
	}
	if got := m.Power(); got != PowerNormal {
		t.Errorf("expected NORMAL, got %s", got)
	}
	if got := m.Emotion(); got != EmotionNeutral {
		t.Errorf("expected NEUTRAL, got %s", got)
	}
}

func TestManager_SetDoesNotDeduplicate(t *testing.T) {
	m := NewManager()
	calls := 0
	m.SubscribePower(func(PowerState) { calls++ })

	m.SetPower(PowerCharging)
	m.SetPower(PowerCharging)

	if calls != 2 {
		t.Fatalf("expected 2 notifications for repeated value, got %d", calls)
	}
}

func TestManager_NotifiesInRegistrationOrder(t *testing.T) {
	m := NewManager()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		m.SubscribeConnectivity(func(ConnectivityState) { order = append(order, i) })
	}

	m.SetConnectivity(ConnectivityOnline)

	if len(order) != 5 {
		t.Fatalf("expected 5 callbacks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected registration order, got %v", order)
		}
	}
}

func TestManager_InteractionCarriesSource(t *testing.T) {
	m := NewManager()
	var gotState InteractionState
	var gotSrc InputSource
	m.SubscribeInteraction(func(s InteractionState, src InputSource) {
		gotState, gotSrc = s, src
	})

	m.SetInteraction(InteractionTriggered, SourceWakeword)

	if gotState != InteractionTriggered || gotSrc != SourceWakeword {
		t.Fatalf("expected TRIGGERED/WAKEWORD, got %s/%s", gotState, gotSrc)
	}
	if s, src := m.Interaction(); s != InteractionTriggered || src != SourceWakeword {
		t.Fatalf("getter returned %s/%s", s, src)
	}
}

func TestManager_UnsubscribeUnknownIsNoop(t *testing.T) {
	m := NewManager()
	calls := 0
	id := m.SubscribeSystem(func(SystemState) { calls++ })

	m.UnsubscribeSystem(id)
	m.UnsubscribeSystem(id)   // already removed
	m.UnsubscribeSystem(9999) // never issued

	m.SetSystem(SystemRunning)
	if calls != 0 {
		t.Fatalf("expected no calls after unsubscribe, got %d", calls)
	}
}

func TestManager_SubscriptionIDsUniquePerCategory(t *testing.T) {
	m := NewManager()
	seen := map[SubscriptionID]bool{}
	for i := 0; i < 8; i++ {
		id := m.SubscribeEmotion(func(EmotionState) {})
		if seen[id] {
			t.Fatalf("duplicate subscription id %d", id)
		}
		seen[id] = true
	}
}

func TestManager_SubscriberLimitPanics(t *testing.T) {
	m := NewManager(WithSubscriberLimit(2))
	m.SubscribePower(func(PowerState) {})
	m.SubscribePower(func(PowerState) {})

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic when exceeding subscriber limit")
		}
		// The manager must remain usable after the failed registration.
		m.SetPower(PowerCharging)
		if m.Power() != PowerCharging {
			t.Fatalf("manager unusable after limit panic")
		}
	}()
	m.SubscribePower(func(PowerState) {})
}

// Callbacks that unsubscribe themselves or set other categories must not deadlock.
func TestManager_ReentrantCallbacksDoNotDeadlock(t *testing.T) {
	m := NewManager()

	var interID SubscriptionID
	interID = m.SubscribeInteraction(func(s InteractionState, src InputSource) {
		m.UnsubscribeInteraction(interID)
		m.SetEmotion(EmotionThinking)
		_, _ = m.Interaction()
		m.SetInteraction(InteractionListening, src)
	})

	var connID SubscriptionID
	connID = m.SubscribeConnectivity(func(ConnectivityState) {
		m.UnsubscribeConnectivity(connID)
		m.SetSystem(SystemRunning)
	})

	var sysID SubscriptionID
	sysID = m.SubscribeSystem(func(SystemState) {
		m.UnsubscribeSystem(sysID)
		m.SubscribeSystem(func(SystemState) {})
		m.SetPower(PowerCharging)
	})

	var powerID SubscriptionID
	powerID = m.SubscribePower(func(PowerState) {
		m.UnsubscribePower(powerID)
		_ = m.Snapshot()
		m.SetPower(PowerFullBattery)
	})

	var emoID SubscriptionID
	emoID = m.SubscribeEmotion(func(EmotionState) {
		m.UnsubscribeEmotion(emoID)
		m.SetEmotion(EmotionCalm)
	})

	runWithTimeout(t, time.Second, "interaction", func() { m.SetInteraction(InteractionTriggered, SourceWakeword) })
	runWithTimeout(t, time.Second, "connectivity", func() { m.SetConnectivity(ConnectivityOnline) })

	snap := m.Snapshot()
	if snap.Interaction != InteractionListening {
		t.Errorf("expected re-entrant set to apply LISTENING, got %s", snap.Interaction)
	}
	if snap.Emotion != EmotionCalm {
		t.Errorf("expected CALM, got %s", snap.Emotion)
	}
	if snap.System != SystemRunning {
		t.Errorf("expected RUNNING, got %s", snap.System)
	}
	if snap.Power != PowerFullBattery {
		t.Errorf("expected FULL_BATTERY, got %s", snap.Power)
	}
}

func TestManager_UnsubscribeOtherDuringNotification(t *testing.T) {
	m := NewManager()
	var secondCalls int

	var secondID SubscriptionID
	m.SubscribeSystem(func(SystemState) {
		m.UnsubscribeSystem(secondID)
	})
	secondID = m.SubscribeSystem(func(SystemState) { secondCalls++ })

	runWithTimeout(t, time.Second, "first set", func() { m.SetSystem(SystemRunning) })
	// The snapshot taken before the first callback ran still contained the second subscriber.
	if secondCalls != 1 {
		t.Fatalf("expected snapshot delivery to removed subscriber, got %d calls", secondCalls)
	}

	m.SetSystem(SystemError)
	if secondCalls != 1 {
		t.Fatalf("expected no further calls after removal, got %d", secondCalls)
	}
}

// Concurrent setters never lose the final value; every notification carries a value
// that was actually set.
func TestManager_ConcurrentSetsSettleToLastApplied(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	observed := 0
	m.SubscribeEmotion(func(s EmotionState) {
		mu.Lock()
		defer mu.Unlock()
		if s > EmotionThinking {
			t.Errorf("observed value never set: %d", s)
		}
		observed++
	})

	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m.SetEmotion(EmotionState((w + i) % 8))
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	got := observed
	mu.Unlock()
	if got != writers*perWriter {
		t.Fatalf("expected %d notifications, got %d", writers*perWriter, got)
	}

	m.SetEmotion(EmotionExcited)
	if m.Emotion() != EmotionExcited {
		t.Fatalf("expected last applied value EXCITED, got %s", m.Emotion())
	}
}

func TestManager_ConcurrentSubscribeUnsubscribeWhileSetting(t *testing.T) {
	m := NewManager(WithSubscriberLimit(64))
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.SetConnectivity(ConnectivityConnectingWS)
			}
		}
	}()

	runWithTimeout(t, 2*time.Second, "churn", func() {
		for i := 0; i < 500; i++ {
			id := m.SubscribeConnectivity(func(ConnectivityState) {})
			m.UnsubscribeConnectivity(id)
		}
	})
	close(stop)
	wg.Wait()
}
