package state

import (
	"fmt"
	"slices"
	"sync"
)

// ============================================================================
// Manager - thread-safe publish/subscribe state hub
// ============================================================================
// Every Set follows the same discipline:
//   1. lock
//   2. store the new value
//   3. copy the subscriber list
//   4. unlock
//   5. invoke the copied callbacks without holding the lock
//
// Callbacks may therefore read or set any category (including their own) and
// may unsubscribe themselves or others without deadlocking. A callback removed
// during a notification round may still receive that round's value because it
// was part of the snapshot.
//
// Set never deduplicates; callers that want "only on change" semantics check
// the current value first.
// ============================================================================

// SubscriptionID identifies a callback within one category.
type SubscriptionID int

type (
	InteractionFunc  func(InteractionState, InputSource)
	ConnectivityFunc func(ConnectivityState)
	SystemFunc       func(SystemState)
	PowerFunc        func(PowerState)
	EmotionFunc      func(EmotionState)
)

// DefaultSubscriberLimit is the per-category subscriber capacity.
const DefaultSubscriberLimit = 16

type subscriber[F any] struct {
	id SubscriptionID
	fn F
}

type subscribers[F any] struct {
	category string
	limit    int
	next     SubscriptionID
	list     []subscriber[F]
}

// add registers fn. Exceeding the capacity is a wiring bug, so it panics
// instead of silently dropping the registration.
func (s *subscribers[F]) add(fn F) SubscriptionID {
	if len(s.list) >= s.limit {
		panic(fmt.Sprintf("state: %s subscriber limit (%d) exceeded", s.category, s.limit))
	}
	s.next++
	s.list = append(s.list, subscriber[F]{id: s.next, fn: fn})
	return s.next
}

func (s *subscribers[F]) remove(id SubscriptionID) bool {
	i := slices.IndexFunc(s.list, func(e subscriber[F]) bool { return e.id == id })
	if i < 0 {
		return false
	}
	s.list = slices.Delete(s.list, i, i+1)
	return true
}

func (s *subscribers[F]) snapshot() []F {
	out := make([]F, len(s.list))
	for i, e := range s.list {
		out[i] = e.fn
	}
	return out
}

// Snapshot is a point-in-time copy of every category.
type Snapshot struct {
	Interaction  InteractionState  `json:"interaction"`
	Source       InputSource       `json:"input_source"`
	Connectivity ConnectivityState `json:"connectivity"`
	System       SystemState       `json:"system"`
	Power        PowerState        `json:"power"`
	Emotion      EmotionState      `json:"emotion"`
}

// Manager holds the authoritative current value of each state category.
type Manager struct {
	mu sync.RWMutex

	interaction  InteractionState
	source       InputSource
	connectivity ConnectivityState
	system       SystemState
	power        PowerState
	emotion      EmotionState

	interactionSubs  subscribers[InteractionFunc]
	connectivitySubs subscribers[ConnectivityFunc]
	systemSubs       subscribers[SystemFunc]
	powerSubs        subscribers[PowerFunc]
	emotionSubs      subscribers[EmotionFunc]
}

// Option configures a Manager.
type Option func(*Manager)

// WithSubscriberLimit overrides the per-category subscriber capacity.
func WithSubscriberLimit(n int) Option {
	return func(m *Manager) {
		if n <= 0 {
			return
		}
		m.interactionSubs.limit = n
		m.connectivitySubs.limit = n
		m.systemSubs.limit = n
		m.powerSubs.limit = n
		m.emotionSubs.limit = n
	}
}

// NewManager returns a Manager with boot-time defaults:
// IDLE/UNKNOWN, OFFLINE, BOOTING, NORMAL, NEUTRAL.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		interaction:  InteractionIdle,
		source:       SourceUnknown,
		connectivity: ConnectivityOffline,
		system:       SystemBooting,
		power:        PowerNormal,
		emotion:      EmotionNeutral,

		interactionSubs:  subscribers[InteractionFunc]{category: "interaction", limit: DefaultSubscriberLimit},
		connectivitySubs: subscribers[ConnectivityFunc]{category: "connectivity", limit: DefaultSubscriberLimit},
		systemSubs:       subscribers[SystemFunc]{category: "system", limit: DefaultSubscriberLimit},
		powerSubs:        subscribers[PowerFunc]{category: "power", limit: DefaultSubscriberLimit},
		emotionSubs:      subscribers[EmotionFunc]{category: "emotion", limit: DefaultSubscriberLimit},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns all categories under a single lock acquisition.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Interaction:  m.interaction,
		Source:       m.source,
		Connectivity: m.connectivity,
		System:       m.system,
		Power:        m.power,
		Emotion:      m.emotion,
	}
}

// ============================================================================
// Interaction (+ input source)
// ============================================================================

// Interaction returns the current interaction state and the source that caused it.
func (m *Manager) Interaction() (InteractionState, InputSource) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interaction, m.source
}

// InteractionState returns only the current interaction state.
func (m *Manager) InteractionState() InteractionState {
	s, _ := m.Interaction()
	return s
}

func (m *Manager) SetInteraction(s InteractionState, src InputSource) {
	m.mu.Lock()
	m.interaction, m.source = s, src
	subs := m.interactionSubs.snapshot()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s, src)
	}
}

func (m *Manager) SubscribeInteraction(fn InteractionFunc) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interactionSubs.add(fn)
}

func (m *Manager) UnsubscribeInteraction(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionSubs.remove(id)
}

// ============================================================================
// Connectivity
// ============================================================================

func (m *Manager) Connectivity() ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectivity
}

func (m *Manager) SetConnectivity(s ConnectivityState) {
	m.mu.Lock()
	m.connectivity = s
	subs := m.connectivitySubs.snapshot()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) SubscribeConnectivity(fn ConnectivityFunc) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivitySubs.add(fn)
}

func (m *Manager) UnsubscribeConnectivity(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivitySubs.remove(id)
}

// ============================================================================
// System
// ============================================================================

func (m *Manager) System() SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

func (m *Manager) SetSystem(s SystemState) {
	m.mu.Lock()
	m.system = s
	subs := m.systemSubs.snapshot()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) SubscribeSystem(fn SystemFunc) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemSubs.add(fn)
}

func (m *Manager) UnsubscribeSystem(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemSubs.remove(id)
}

// ============================================================================
// Power
// ============================================================================

func (m *Manager) Power() PowerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.power
}

func (m *Manager) SetPower(s PowerState) {
	m.mu.Lock()
	m.power = s
	subs := m.powerSubs.snapshot()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) SubscribePower(fn PowerFunc) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerSubs.add(fn)
}

func (m *Manager) UnsubscribePower(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerSubs.remove(id)
}

// ============================================================================
// Emotion
// ============================================================================

func (m *Manager) Emotion() EmotionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emotion
}

func (m *Manager) SetEmotion(s EmotionState) {
	m.mu.Lock()
	m.emotion = s
	subs := m.emotionSubs.snapshot()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) SubscribeEmotion(fn EmotionFunc) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emotionSubs.add(fn)
}

func (m *Manager) UnsubscribeEmotion(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emotionSubs.remove(id)
}
