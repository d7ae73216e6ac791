package sched

import "time"

// Change is a single slot edit: set value for day/time in some mode's grid.
type Change struct {
	Day   string  `json:"day"`
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

// GridResponse is the server reply to a get_schedule_grid request:
// the full per-mode schedule grids plus the currently active mode.
type GridResponse struct {
	Schedules   map[string][]Change `json:"schedules"`
	CurrentMode string              `json:"current_mode"`
}

// UpdateRequest is the payload for an update_schedule request. UpdateID
// echoes the pending-registry key so responses and late pushes can be
// correlated with the optimistic record that produced them.
type UpdateRequest struct {
	EntityID   string              `json:"entity_id"`
	Mode       string              `json:"mode"`
	Changes    []Change            `json:"changes"`
	UpdateID   string              `json:"update_id"`
	Resolution *ConflictResolution `json:"conflict_resolution,omitempty"`
}

// Push type discriminators for server-originated pushes.
const (
	PushScheduleUpdated = "schedule_updated"
	PushPresenceChanged = "presence_changed"
)

// PushEvent is a server-originated push delivered through the
// subscription. Type selects which fields are meaningful:
// schedule_updated carries the slot fields and the full change list,
// presence_changed carries the mode transition. Timestamps are epoch
// milliseconds assigned by the server.
type PushEvent struct {
	Type        string   `json:"type"`
	EntityID    string   `json:"entity_id"`
	Mode        string   `json:"mode"`
	Day         string   `json:"day"`
	TimeSlot    string   `json:"time_slot"`
	TargetValue float64  `json:"target_value"`
	Changes     []Change `json:"changes"`
	OldMode     string   `json:"old_mode"`
	NewMode     string   `json:"new_mode"`
	Timestamp   int64    `json:"timestamp"`
}

// EventType identifies the kind of a SyncEvent for listener registration.
type EventType string

const (
	EventScheduleUpdated EventType = "schedule_updated"
	EventPresenceChanged EventType = "presence_changed"
)

// SyncEvent is delivered to registered listeners. Immutable once
// constructed; the dispatcher never retains events after delivery.
//
// The Optimistic, Rollback and Conflict markers are set locally by this
// client for its own lifecycle events. Server-originated pushes carry
// none of them.
type SyncEvent struct {
	Type     EventType
	EntityID string
	Mode     string

	// Slot fields mirror the first change for single-slot consumers.
	Day         string
	TimeSlot    string
	TargetValue float64
	Changes     []Change

	// UpdateID links optimistic, rollback and conflict events back to
	// the pending record that produced them. Empty on server events.
	UpdateID string

	Optimistic bool
	Rollback   bool
	Conflict   bool

	// ServerPush carries the conflicting server payload on events
	// flagged Conflict, so the UI can show both sides.
	ServerPush *PushEvent

	// Presence fields, set when Type is EventPresenceChanged.
	OldMode   string
	NewMode   string
	Timestamp int64
}

// ConnectionStatus is the current view of the push channel. Exactly one
// value is current at any time; every transition is emitted to status
// listeners. Owned exclusively by the connection manager.
type ConnectionStatus struct {
	Connected    bool
	Reconnecting bool
	Err          string
}

// Strategy selects how a conflicting server push is reconciled against a
// pending local edit.
type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Merge      Strategy = "merge"
	PromptUser Strategy = "prompt_user"
)

// ConflictResolution is supplied per submission and never persisted.
// ConflictData is an opaque payload forwarded to the server for the
// merge and prompt_user pass-through strategies.
type ConflictResolution struct {
	Strategy     Strategy       `json:"strategy"`
	ConflictData map[string]any `json:"conflict_data,omitempty"`
}

// OptimisticUpdate is the lifecycle record of one in-flight edit.
// Created on submission, mutated only by the pending registry, and
// destroyed on rollback or a grace period after confirmation.
type OptimisticUpdate struct {
	ID        string
	Mode      string
	Changes   []Change
	CreatedAt time.Time
	Applied   bool

	resolution ConflictResolution
}

// Resolution returns the conflict resolution chosen when the update was
// submitted.
func (u OptimisticUpdate) Resolution() ConflictResolution {
	return u.resolution
}

// touches reports whether the update edits the given slot.
func (u OptimisticUpdate) touches(day, timeSlot string) bool {
	for _, ch := range u.Changes {
		if ch.Day == day && ch.Time == timeSlot {
			return true
		}
	}

	return false
}
