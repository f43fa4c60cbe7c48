// Package api exposes the collector's HTTP surface: event ingest, manual
// flush, and state queries for both engines.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"example.com/telemetry/internal/auth"
	"example.com/telemetry/internal/domain"
	"example.com/telemetry/internal/persistence"
	"example.com/telemetry/internal/persistence/postgres"
	"example.com/telemetry/internal/schedule"
	"example.com/telemetry/internal/tracker"
)

// EventLog abstracts the consumed-event listing the store provides.
type EventLog interface {
	ListEvents(ctx context.Context, cursor *persistence.Cursor, limit int) ([]postgres.LoggedEvent, *persistence.Cursor, error)
}

// Handler coordinates HTTP requests with the tracker and the poller.
type Handler struct {
	tracker *tracker.Tracker
	poller  *schedule.Poller
	bus     *schedule.Bus
	events  EventLog
}

// NewHandler builds a Handler. The event log may be nil when the hosting
// binary has no database attached; the listing endpoint then reports 503.
func NewHandler(tracker *tracker.Tracker, poller *schedule.Poller, bus *schedule.Bus, events EventLog) *Handler {
	return &Handler{tracker: tracker, poller: poller, bus: bus, events: events}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/events", h.eventsRoot)
	mux.HandleFunc("/v1/events/flush", h.flush)
	mux.HandleFunc("/v1/tracker", h.trackerState)
	mux.HandleFunc("/v1/poller", h.pollerState)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) eventsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.trackEvent(w, r)
	case http.MethodGet:
		h.listEvents(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) trackEvent(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeTelemetryWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope telemetry:write required")
		return
	}

	var req TrackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	h.tracker.TrackEvent(domain.Event{
		Type:     domain.EventType(req.Type),
		Action:   req.Action,
		Target:   req.Target,
		Metadata: req.Metadata,
	})
	// Every ingested client interaction doubles as an activity signal for
	// the adaptive poller.
	h.bus.Signal()

	snapshot := h.tracker.Snapshot()
	writeJSON(w, http.StatusAccepted, TrackEventResponse{
		Accepted:      snapshot.Active,
		PendingEvents: len(snapshot.Pending),
	})
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeTelemetryWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope telemetry:write required")
		return
	}

	if err := h.tracker.Flush(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toTrackerView(h.tracker.Snapshot()))
}

func (h *Handler) trackerState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeTelemetryRead) && !claims.HasScope(auth.ScopeTelemetryWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope telemetry:read required")
		return
	}

	writeJSON(w, http.StatusOK, toTrackerView(h.tracker.Snapshot()))
}

func (h *Handler) pollerState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeTelemetryRead) && !claims.HasScope(auth.ScopeTelemetryWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope telemetry:read required")
		return
	}

	writeJSON(w, http.StatusOK, PollerView{
		State:             string(h.poller.State()),
		CurrentIntervalMS: h.poller.CurrentInterval().Milliseconds(),
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeTelemetryRead) && !claims.HasScope(auth.ScopeTelemetryWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope telemetry:read required")
		return
	}

	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event log is not configured")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	logged, next, err := h.events.ListEvents(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]EventView, 0, len(logged))
	for _, le := range logged {
		items = append(items, toEventView(le))
	}

	writeJSON(w, http.StatusOK, ListEventsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// TrackEventRequest is the payload for POST /v1/events.
type TrackEventRequest struct {
	Type     string         `json:"type"`
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate ensures request correctness.
func (r TrackEventRequest) Validate() error {
	probe := domain.Event{
		Type:   domain.EventType(r.Type),
		Action: r.Action,
		Target: r.Target,
	}
	return probe.Validate()
}

// TrackEventResponse describes the response body for ingest.
type TrackEventResponse struct {
	Accepted      bool `json:"accepted"`
	PendingEvents int  `json:"pending_events"`
}

// TrackerView exposes the accumulator state snapshot.
type TrackerView struct {
	Active        bool       `json:"active"`
	PendingEvents int        `json:"pending_events"`
	EventsTracked uint64     `json:"events_tracked"`
	EventsSent    uint64     `json:"events_sent"`
	LastBatchSent *time.Time `json:"last_batch_sent,omitempty"`
}

// PollerView exposes the scheduler state.
type PollerView struct {
	State             string `json:"state"`
	CurrentIntervalMS int64  `json:"current_interval_ms"`
}

// EventView is one consumed event as returned by the listing endpoint.
type EventView struct {
	EventID    string         `json:"event_id"`
	BatchID    string         `json:"batch_id"`
	Type       string         `json:"type"`
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	ReceivedAt time.Time      `json:"received_at"`
}

// ListEventsResponse packages listing results.
type ListEventsResponse struct {
	Items      []EventView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toTrackerView(s tracker.Snapshot) TrackerView {
	view := TrackerView{
		Active:        s.Active,
		PendingEvents: len(s.Pending),
		EventsTracked: s.EventsTracked,
		EventsSent:    s.EventsSent,
	}
	if !s.LastBatchSent.IsZero() {
		ts := s.LastBatchSent
		view.LastBatchSent = &ts
	}
	return view
}

func toEventView(le postgres.LoggedEvent) EventView {
	return EventView{
		EventID:    le.Event.ID,
		BatchID:    le.BatchID,
		Type:       string(le.Event.Type),
		Action:     le.Event.Action,
		Target:     le.Event.Target,
		Metadata:   le.Event.Metadata,
		OccurredAt: le.Event.OccurredAt,
		ReceivedAt: le.ReceivedAt,
	}
}
