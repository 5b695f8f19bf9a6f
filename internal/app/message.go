package app

import (
	"ptalk/internal/event"
	"ptalk/internal/state"
)

// ============================================================================
// Controller queue messages
// ============================================================================
// Message is a closed union: exactly one concrete type per source. Values are
// copied into the queue and consumed once by the worker.
// ============================================================================

// Message is the marker interface for queued controller input.
type Message interface {
	kind() string
}

// InteractionChanged carries an interaction publication with its source.
type InteractionChanged struct {
	State  state.InteractionState
	Source state.InputSource
}

// ConnectivityChanged carries a connectivity publication.
type ConnectivityChanged struct {
	State state.ConnectivityState
}

// SystemChanged carries a system publication.
type SystemChanged struct {
	State state.SystemState
}

// PowerChanged carries a power publication.
type PowerChanged struct {
	State state.PowerState
}

// EventPosted carries an application event from PostEvent.
type EventPosted struct {
	Event event.AppEvent
}

func (InteractionChanged) kind() string  { return "interaction" }
func (ConnectivityChanged) kind() string { return "connectivity" }
func (SystemChanged) kind() string       { return "system" }
func (PowerChanged) kind() string        { return "power" }
func (EventPosted) kind() string         { return "app_event" }
