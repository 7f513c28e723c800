package model

import "time"

// EntityType names the kind of record a StatusEvent belongs to.
type EntityType string

const (
	EntityGrant     EntityType = "grant"
	EntityMilestone EntityType = "milestone"
	EntityPoll      EntityType = "poll"
)

// EventKind separates workflow transitions from administrative overrides.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventOverride   EventKind = "override"
)

// StatusEvent is an append-only audit record of a state change.
type StatusEvent struct {
	ID         int64      `json:"id,omitempty"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Actor      string     `json:"actor,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Kind       EventKind  `json:"kind"`
	CreatedAt  time.Time  `json:"created_at"`
}
