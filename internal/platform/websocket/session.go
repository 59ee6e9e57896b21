package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn abstracts the underlying websocket connection so sessions can be
// driven by an in-memory fake in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const textMessage = 1 // gorilla/websocket.TextMessage

// Session is one connected client. Outbound frames go through a bounded
// queue drained by writePump; when the queue fills, buffered frames are
// dropped, every subscribed encounter is muted and a single
// session_overflow notice is queued so the client knows it must resync.
type Session struct {
	ID   string
	conn Conn
	hub  *Hub
	log  zerolog.Logger

	// encounters is the set of subscribed encounter ids. It is only
	// touched while holding hub.mu (track/untrack, Unregister).
	encounters map[string]struct{}

	mu     sync.Mutex
	queue  []Message
	limit  int
	muted  map[string]bool
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSession(id string, conn Conn, hub *Hub, log zerolog.Logger) *Session {
	return &Session{
		ID:         id,
		conn:       conn,
		hub:        hub,
		log:        log.With().Str("session_id", id).Logger(),
		encounters: make(map[string]struct{}),
		limit:      hub.queue,
		muted:      make(map[string]bool),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *Session) track(encounterID string)   { s.encounters[encounterID] = struct{}{} }
func (s *Session) untrack(encounterID string) { delete(s.encounters, encounterID) }

func (s *Session) isMuted(encounterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[encounterID]
}

func (s *Session) mute(encounterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[encounterID] = true
}

func (s *Session) unmute(encounterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.muted, encounterID)
}

// enqueue buffers one outbound frame. Returns false on overflow, in
// which case the buffered frames were discarded and the session must
// resubscribe per encounter to recover a consistent view.
func (s *Session) enqueue(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[:0]
		for enc := range s.encounters {
			s.muted[enc] = true
		}
		s.queue = append(s.queue, Message{
			Type:      "error",
			Code:      "session_overflow",
			Timestamp: time.Now().UTC(),
		})
		s.signal()
		return false
	}
	s.queue = append(s.queue, msg)
	s.signal()
	return true
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.conn.Close()
}

// drain swaps out the pending frames.
func (s *Session) drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// writePump pushes queued frames to the connection until the session
// closes or a write fails.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for _, msg := range s.drain() {
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Msg("marshal outbound frame")
				continue
			}
			if err := s.conn.WriteMessage(textMessage, data); err != nil {
				s.hub.Unregister(s)
				return
			}
		}
	}
}

// readPump parses inbound frames and hands them to the hub. Runs on the
// connection's goroutine; returns when the client disconnects.
func (s *Session) readPump(ctx context.Context) {
	defer s.hub.Unregister(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.enqueue(Message{
				Type:      "error",
				Code:      "validation_error",
				Reason:    "malformed frame",
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		s.hub.ProcessMessage(ctx, s, msg)
	}
}
