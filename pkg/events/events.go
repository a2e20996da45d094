// Package events subscribes to the push channel, maps channel messages to
// typed domain events, and guarantees idempotent application: an event
// already reflected through the pull channel is never double-applied.
package events

import (
	"encoding/json"
	"strconv"
)

// EventType is the closed set of domain events the sync core understands.
type EventType string

const (
	// EventCreated signals a new item appended to the collection.
	EventCreated EventType = "created"

	// EventEdited signals an in-place content change of a known item.
	EventEdited EventType = "edited"

	// EventDeleted signals removal of an item.
	EventDeleted EventType = "deleted"

	// EventStateToggled signals a pin/reaction/watch state flip.
	EventStateToggled EventType = "state_toggled"

	// EventReadStateUpdated signals a server-reported read position change.
	EventReadStateUpdated EventType = "read_state_updated"
)

// DomainEvent is a push-channel message mapped to the domain.
type DomainEvent struct {
	Type EventType

	// Key is the stable identity of the item the event concerns.
	Key string

	// Version is the event's logical clock (unix milliseconds of the
	// server-side update). Together with Key it forms the event identity
	// used for deduplication.
	Version int64

	// Scope is the feed the event belongs to.
	Scope string

	// Payload is the raw item or patch body carried by the event.
	Payload json.RawMessage
}

// Identity formats the dedup identity of an update to key at version. The
// pull channel uses it to record fetched item versions in the ledger.
func Identity(key string, version int64) string {
	return key + "@" + strconv.FormatInt(version, 10)
}

// Identity returns the dedup identity of the event.
func (e DomainEvent) Identity() string {
	return Identity(e.Key, e.Version)
}

// wireFrame is the JSON frame format of the push channel.
type wireFrame struct {
	Event     string          `json:"event"`
	Scope     string          `json:"scope,omitempty"`
	Key       string          `json:"key,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DefaultEventMap maps the channel's message names to domain events.
// Names outside the map are ignored (the channel also carries presence and
// typing noise the sync core does not care about).
func DefaultEventMap() map[string]EventType {
	return map[string]EventType{
		"message.created":  EventCreated,
		"message.edited":   EventEdited,
		"message.deleted":  EventDeleted,
		"message.pinned":   EventStateToggled,
		"message.reaction": EventStateToggled,
		"message.read":     EventReadStateUpdated,
		"job.started":      EventCreated,
		"job.progress":     EventStateToggled,
		"job.completed":    EventStateToggled,
		"job.deleted":      EventDeleted,
	}
}
