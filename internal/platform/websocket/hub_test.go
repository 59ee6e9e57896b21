package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	frames [][]byte
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, fmt.Errorf("closed") }
func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.frames = append(c.frames, data)
	return nil
}
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func fixedSnapshot(version int64) SnapshotFunc {
	return func(_ context.Context, encounterID string) (json.RawMessage, int64, error) {
		return json.RawMessage(`{"id":"` + encounterID + `"}`), version, nil
	}
}

func newTestHub(t *testing.T, snap SnapshotFunc, opts Options) *Hub {
	t.Helper()
	return NewHub(snap, opts, zerolog.Nop())
}

func testSession(h *Hub) *Session {
	return newSession("s1", &fakeConn{}, h, zerolog.Nop())
}

func delta(enc string, version int64) Delta {
	return Delta{
		EncounterID: enc,
		Version:     version,
		Event:       "context_extracted",
		Timestamp:   time.Now().UTC(),
	}
}

func versionsOf(t *testing.T, msgs []Message, typ string) []int64 {
	t.Helper()
	var out []int64
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m.Version)
		}
	}
	return out
}

func TestSubscribeFreshGetsSnapshotThenDeltas(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(1), Options{})
	s := testSession(h)
	h.Register(s)

	h.Publish(context.Background(), delta("enc-1", 1))
	h.Subscribe(context.Background(), s, "enc-1", nil)
	h.Publish(context.Background(), delta("enc-1", 2))
	h.Publish(context.Background(), delta("enc-1", 3))

	msgs := s.drain()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 frames, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != "snapshot" || msgs[0].Version != 1 {
		t.Fatalf("expected snapshot v1 first, got %+v", msgs[0])
	}
	if got := versionsOf(t, msgs, "delta"); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected deltas [2 3], got %v", got)
	}
}

// A snapshot fetched while deltas keep landing must be followed by the
// retained deltas newer than the snapshot so the client sees no gap.
func TestSnapshotBackfilledFromRetainedLog(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(1), Options{})
	s := testSession(h)
	h.Register(s)

	h.Publish(context.Background(), delta("enc-1", 1))
	h.Publish(context.Background(), delta("enc-1", 2))
	h.Publish(context.Background(), delta("enc-1", 3))
	h.Subscribe(context.Background(), s, "enc-1", nil)

	msgs := s.drain()
	if msgs[0].Type != "snapshot" || msgs[0].Version != 1 {
		t.Fatalf("expected snapshot v1 first, got %+v", msgs[0])
	}
	if got := versionsOf(t, msgs, "delta"); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected backfill deltas [2 3], got %v", got)
	}
}

func TestResubscribeWithinRetentionTailsDeltas(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(3), Options{})
	s := testSession(h)
	h.Register(s)

	for v := int64(1); v <= 3; v++ {
		h.Publish(context.Background(), delta("enc-1", v))
	}
	last := int64(2)
	h.Subscribe(context.Background(), s, "enc-1", &last)

	msgs := s.drain()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 frame, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != "delta" || msgs[0].Version != 3 {
		t.Fatalf("expected delta v3, got %+v", msgs[0])
	}
}

func TestResubscribeBeyondRetentionFallsBackToSnapshot(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(5), Options{DeltaRetention: 2})
	s := testSession(h)
	h.Register(s)

	for v := int64(1); v <= 5; v++ {
		h.Publish(context.Background(), delta("enc-1", v))
	}
	last := int64(1) // retained window is [4,5]
	h.Subscribe(context.Background(), s, "enc-1", &last)

	msgs := s.drain()
	if len(msgs) != 1 || msgs[0].Type != "snapshot" || msgs[0].Version != 5 {
		t.Fatalf("expected snapshot v5, got %+v", msgs)
	}
}

func TestOverflowDropsBufferAndMutesUntilResync(t *testing.T) {
	ver := int64(0)
	snap := func(_ context.Context, encounterID string) (json.RawMessage, int64, error) {
		return json.RawMessage(`{"id":"` + encounterID + `"}`), ver, nil
	}
	h := newTestHub(t, snap, Options{SessionQueueLimit: 2})
	s := testSession(h)
	h.Register(s)

	h.Subscribe(context.Background(), s, "enc-1", nil)
	s.drain() // discard initial snapshot

	h.Publish(context.Background(), delta("enc-1", 1))
	h.Publish(context.Background(), delta("enc-1", 2))
	h.Publish(context.Background(), delta("enc-1", 3)) // overflow

	msgs := s.drain()
	if len(msgs) != 1 || msgs[0].Type != "error" || msgs[0].Code != "session_overflow" {
		t.Fatalf("expected single overflow notice, got %+v", msgs)
	}

	// Muted: further deltas are withheld, not delivered with a gap.
	h.Publish(context.Background(), delta("enc-1", 4))
	if got := s.drain(); len(got) != 0 {
		t.Fatalf("expected no frames while muted, got %+v", got)
	}

	// Resubscribing resyncs via snapshot and unmutes.
	ver = 4
	last := int64(3)
	h.Subscribe(context.Background(), s, "enc-1", &last)
	msgs = s.drain()
	if len(msgs) != 1 || msgs[0].Type != "snapshot" || msgs[0].Version != 4 {
		t.Fatalf("expected snapshot v4 after overflow resync, got %+v", msgs)
	}
	h.Publish(context.Background(), delta("enc-1", 5))
	msgs = s.drain()
	if len(msgs) != 1 || msgs[0].Type != "delta" || msgs[0].Version != 5 {
		t.Fatalf("expected delta v5 after resync, got %+v", msgs)
	}
}

func TestDeltasScopedToSubscribedEncounter(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(0), Options{})
	s := testSession(h)
	h.Register(s)

	h.Subscribe(context.Background(), s, "enc-1", nil)
	s.drain() // discard initial snapshot
	h.Publish(context.Background(), delta("enc-2", 1))

	if got := s.drain(); len(got) != 0 {
		t.Fatalf("expected no frames for unrelated encounter, got %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(0), Options{})
	s := testSession(h)
	h.Register(s)

	h.Subscribe(context.Background(), s, "enc-1", nil)
	s.drain() // discard initial snapshot
	h.Unsubscribe(s, "enc-1")
	h.Publish(context.Background(), delta("enc-1", 1))

	if got := s.drain(); len(got) != 0 {
		t.Fatalf("expected no frames after unsubscribe, got %+v", got)
	}
	if n := h.SubscriberCount("enc-1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestUnregisterClosesSessionAndCleansSubscriptions(t *testing.T) {
	h := newTestHub(t, fixedSnapshot(0), Options{})
	conn := &fakeConn{}
	s := newSession("s1", conn, h, zerolog.Nop())
	h.Register(s)

	h.Subscribe(context.Background(), s, "enc-1", nil)
	h.Unregister(s)

	if !conn.closed {
		t.Fatal("expected connection to be closed")
	}
	if n := h.SessionCount(); n != 0 {
		t.Fatalf("expected 0 sessions, got %d", n)
	}
	if n := h.SubscriberCount("enc-1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	// Idempotent.
	h.Unregister(s)
}

func TestSnapshotErrorYieldsErrorFrame(t *testing.T) {
	snap := func(context.Context, string) (json.RawMessage, int64, error) {
		return nil, 0, fmt.Errorf("no such encounter")
	}
	h := newTestHub(t, snap, Options{})
	s := testSession(h)
	h.Register(s)

	h.Subscribe(context.Background(), s, "enc-x", nil)
	msgs := s.drain()
	if len(msgs) != 1 || msgs[0].Type != "error" || msgs[0].Code != "not_found" {
		t.Fatalf("expected not_found error frame, got %+v", msgs)
	}
}
