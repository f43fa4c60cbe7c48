// Package domain defines the telemetry event model shared by the engines and transports.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyBatch is returned when a transport is handed a batch with no events.
	ErrEmptyBatch = errors.New("batch contains no events")
	// ErrInvalidEvent indicates a tracked event failed validation.
	ErrInvalidEvent = errors.New("invalid event")
)

// EventType categorises a tracked occurrence.
type EventType string

const (
	EventTypePageView   EventType = "page_view"
	EventTypeClick      EventType = "click"
	EventTypeFormSubmit EventType = "form_submit"
	EventTypeCustom     EventType = "custom"
)

// Valid reports whether the event type is one of the known categories.
func (t EventType) Valid() bool {
	switch t {
	case EventTypePageView, EventTypeClick, EventTypeFormSubmit, EventTypeCustom:
		return true
	}
	return false
}

// Event is a single tracked occurrence. It is immutable once created; the
// tracker assigns ID and OccurredAt at enqueue time. Metadata is opaque to the
// engines and only interpreted by the receiving service.
type Event struct {
	ID         string         `json:"event_id"`
	Type       EventType      `json:"type"`
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent stamps an identity onto the provided routing fields.
func NewEvent(eventType EventType, action, target string, metadata map[string]any, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Action:     action,
		Target:     target,
		Metadata:   metadata,
		OccurredAt: now.UTC(),
	}
}

// Validate checks the required routing fields.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return errors.New("unknown event type")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}

// Batch is an ordered group of events delivered together to a transport. It is
// taken as a contiguous prefix of the pending queue and never mutated after
// being handed to the send function.
type Batch []Event
