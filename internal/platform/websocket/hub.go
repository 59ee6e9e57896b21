// Package websocket is the real-time synchronization hub. The encounter
// state machine publishes one delta per committed transition; the hub
// fans each delta out to every subscribed session in version order,
// retains a bounded per-encounter delta log for reconnect/resync, and
// bounds per-session buffering so a slow consumer degrades to a
// snapshot resync instead of unbounded memory growth.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/platform/telemetry"
)

// Delta is one committed encounter change as seen on the wire.
type Delta struct {
	EncounterID string          `json:"encounter_id"`
	Version     int64           `json:"version"`
	Event       string          `json:"event"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Message is an outbound frame. Type is "delta", "snapshot" or "error".
// A snapshot carries the full encounter state; the client must discard
// any locally buffered deltas with Version <= the snapshot's Version.
type Message struct {
	Type        string          `json:"type"`
	EncounterID string          `json:"encounter_id,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Event       string          `json:"event,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Code        string          `json:"code,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
}

// ClientMessage is an inbound frame. LastVersion is the last version
// the client holds for the encounter; nil means a fresh subscription
// (answered with a snapshot).
type ClientMessage struct {
	Action      string `json:"action"` // "subscribe" | "unsubscribe"
	EncounterID string `json:"encounter_id"`
	LastVersion *int64 `json:"last_version,omitempty"`
}

// SnapshotFunc fetches the current full state and version of an
// encounter for resynchronization.
type SnapshotFunc func(ctx context.Context, encounterID string) (json.RawMessage, int64, error)

// deltaLog retains the most recent deltas for one encounter, ascending
// by version, capped at the retention window.
type deltaLog struct {
	deltas []Delta
}

func (l *deltaLog) append(d Delta, retention int) {
	l.deltas = append(l.deltas, d)
	if len(l.deltas) > retention {
		l.deltas = l.deltas[len(l.deltas)-retention:]
	}
}

// tail returns the retained deltas with Version > after. ok is false
// when the gap exceeds the retained history and the caller must fall
// back to a snapshot. A nil log always misses.
func (l *deltaLog) tail(after int64) ([]Delta, bool) {
	if l == nil || len(l.deltas) == 0 {
		return nil, false
	}
	newest := l.deltas[len(l.deltas)-1].Version
	if after >= newest {
		return nil, true
	}
	oldest := l.deltas[0].Version
	if after < oldest-1 {
		return nil, false
	}
	var out []Delta
	for _, d := range l.deltas {
		if d.Version > after {
			out = append(out, d)
		}
	}
	return out, true
}

// Hub is the central fan-out point. All shared state is guarded by mu.
// Lock order is always hub.mu before session.mu; the publish path holds
// mu only long enough to append to the retained log and push into the
// per-session buffers, which preserves per-encounter delivery order.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Session]struct{} // encounter id -> sessions
	all       map[*Session]struct{}
	logs      map[string]*deltaLog
	retention int
	queue     int
	snapshot  SnapshotFunc
	metrics   *telemetry.Metrics
	log       zerolog.Logger
}

// Options bound hub memory. Zero values fall back to defaults.
type Options struct {
	DeltaRetention    int                // retained deltas per encounter (default 256)
	SessionQueueLimit int                // buffered frames per session (default 64)
	Metrics           *telemetry.Metrics // optional
}

func NewHub(snapshot SnapshotFunc, opts Options, log zerolog.Logger) *Hub {
	if opts.DeltaRetention <= 0 {
		opts.DeltaRetention = 256
	}
	if opts.SessionQueueLimit <= 0 {
		opts.SessionQueueLimit = 64
	}
	return &Hub{
		subs:      make(map[string]map[*Session]struct{}),
		all:       make(map[*Session]struct{}),
		logs:      make(map[string]*deltaLog),
		retention: opts.DeltaRetention,
		queue:     opts.SessionQueueLimit,
		snapshot:  snapshot,
		metrics:   opts.Metrics,
		log:       log.With().Str("component", "sync-hub").Logger(),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[s] = struct{}{}
	h.metrics.SetGauge(telemetry.MetricSessionsConnected, int64(len(h.all)))
}

// Unregister removes a session from the hub and all subscriptions, and
// releases its write pump.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[s]; !ok {
		return
	}
	for enc := range s.encounters {
		if set, ok := h.subs[enc]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, enc)
			}
		}
	}
	delete(h.all, s)
	h.metrics.SetGauge(telemetry.MetricSessionsConnected, int64(len(h.all)))
	s.close()
}

// Publish records the delta and fans it out. Called synchronously by
// the state machine after each committed transition, so per-encounter
// version order is inherited from the transition serialization.
func (h *Hub) Publish(_ context.Context, d Delta) {
	msg := deltaMessage(d)

	h.mu.Lock()
	defer h.mu.Unlock()

	l := h.logs[d.EncounterID]
	if l == nil {
		l = &deltaLog{}
		h.logs[d.EncounterID] = l
	}
	l.append(d, h.retention)
	h.metrics.Inc(telemetry.MetricDeltasPublished)

	for s := range h.subs[d.EncounterID] {
		// Sessions that overflowed stay muted for this encounter until
		// they resync; delivering post-gap deltas would violate the
		// no-gaps guarantee.
		if s.isMuted(d.EncounterID) {
			continue
		}
		if !s.enqueue(msg) {
			h.metrics.Inc(telemetry.MetricSessionOverflows)
			h.log.Warn().
				Str("session_id", s.ID).
				Str("encounter_id", d.EncounterID).
				Msg("session queue overflow, buffered deltas dropped")
		}
	}
}

// Subscribe attaches the session to an encounter and brings it up to
// date: retained tail deltas when lastVersion is within the retention
// window, otherwise a full snapshot.
func (h *Hub) Subscribe(ctx context.Context, s *Session, encounterID string, lastVersion *int64) {
	h.mu.Lock()
	if h.subs[encounterID] == nil {
		h.subs[encounterID] = make(map[*Session]struct{})
	}
	h.subs[encounterID][s] = struct{}{}
	s.track(encounterID)

	needSnapshot := lastVersion == nil || s.isMuted(encounterID)
	if !needSnapshot {
		tail, ok := h.logs[encounterID].tail(*lastVersion)
		if !ok {
			needSnapshot = true
		} else {
			// Queue the tail before releasing mu so a concurrent
			// Publish cannot slip a newer delta in front of it.
			for _, d := range tail {
				s.enqueue(deltaMessage(d))
			}
		}
	}
	if needSnapshot {
		// Mute live deltas while the snapshot is fetched; the gap is
		// closed from the retained log once the snapshot is queued.
		s.mute(encounterID)
	}
	h.mu.Unlock()

	if needSnapshot {
		h.sendSnapshot(ctx, s, encounterID)
	}
}

// Unsubscribe detaches the session from an encounter.
func (h *Hub) Unsubscribe(s *Session, encounterID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[encounterID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, encounterID)
		}
	}
	s.untrack(encounterID)
}

// sendSnapshot fetches outside the hub lock (it may hit the database),
// then atomically queues the snapshot plus any deltas committed during
// the fetch and unmutes the session.
func (h *Hub) sendSnapshot(ctx context.Context, s *Session, encounterID string) {
	payload, version, err := h.snapshot(ctx, encounterID)
	if err != nil {
		s.enqueue(Message{
			Type:        "error",
			EncounterID: encounterID,
			Code:        "not_found",
			Timestamp:   time.Now().UTC(),
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics.Inc(telemetry.MetricSnapshotsSent)
	s.unmute(encounterID)
	s.enqueue(Message{
		Type:        "snapshot",
		EncounterID: encounterID,
		Version:     version,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
	if tail, ok := h.logs[encounterID].tail(version); ok {
		for _, d := range tail {
			s.enqueue(deltaMessage(d))
		}
	}
}

// ProcessMessage dispatches one inbound client frame.
func (h *Hub) ProcessMessage(ctx context.Context, s *Session, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.EncounterID == "" {
			return
		}
		h.Subscribe(ctx, s, msg.EncounterID, msg.LastVersion)
	case "unsubscribe":
		h.Unsubscribe(s, msg.EncounterID)
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// SubscriberCount returns the number of sessions subscribed to an encounter.
func (h *Hub) SubscriberCount(encounterID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[encounterID])
}

func deltaMessage(d Delta) Message {
	return Message{
		Type:        "delta",
		EncounterID: d.EncounterID,
		Version:     d.Version,
		Event:       d.Event,
		Reason:      d.Reason,
		Payload:     d.Payload,
		Timestamp:   d.Timestamp,
	}
}
