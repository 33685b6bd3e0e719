package feed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/pkg/types"
)

func dial(t *testing.T, h *Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

func kindOf(t *testing.T, m map[string]json.RawMessage) string {
	t.Helper()
	var k string
	if err := json.Unmarshal(m["kind"], &k); err != nil {
		t.Fatalf("kind: %v", err)
	}
	return k
}

func TestHub_BroadcastsLifecycle(t *testing.T) {
	t.Parallel()
	h := NewHub()
	session := h.BeginSession()
	conn, ctx := dial(t, h)

	hello := readMessage(t, ctx, conn)
	if kindOf(t, hello) != KindHello {
		t.Fatalf("first message kind = %s, want hello", hello["kind"])
	}
	if h.Clients() != 1 {
		t.Fatalf("Clients = %d, want 1", h.Clients())
	}

	var l cycle.Listener = h
	l.OnPhaseChange(types.PhaseAh, cycle.State{Phase: types.PhaseAh})
	l.OnCycleComplete(cycle.Quality{OverallScore: 72, IsLocked: true}, 2)

	phase := readMessage(t, ctx, conn)
	if kindOf(t, phase) != KindPhase {
		t.Errorf("kind = %s, want phase", phase["kind"])
	}
	var gotSession string
	_ = json.Unmarshal(phase["session"], &gotSession)
	if gotSession != session {
		t.Errorf("session = %q, want %q", gotSession, session)
	}

	done := readMessage(t, ctx, conn)
	if kindOf(t, done) != KindCycleComplete {
		t.Fatalf("kind = %s, want cycle_complete", done["kind"])
	}
	var data cycleData
	if err := json.Unmarshal(done["data"], &data); err != nil {
		t.Fatal(err)
	}
	if data.Cycle != 2 || data.Quality.OverallScore != 72 || !data.Quality.IsLocked {
		t.Errorf("cycle data = %+v", data)
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	t.Parallel()
	var delta int64
	deltas := make(chan int64, 4)
	h := NewHub(WithClientHook(func(d int64) { deltas <- d }))
	conn, ctx := dial(t, h)
	readMessage(t, ctx, conn)

	h.Close()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after close err = %v, want going away", err)
	}
	for range 2 {
		select {
		case d := <-deltas:
			delta += d
		case <-time.After(2 * time.Second):
			t.Fatal("client hook not called")
		}
	}
	if delta != 0 {
		t.Errorf("net client delta = %d, want 0", delta)
	}
	h.Broadcast(KindSnapshot, "ignored")
}

func TestHub_DropsForSlowClients(t *testing.T) {
	t.Parallel()
	h := NewHub(WithClientBuffer(1))
	c, ok := h.register()
	if !ok {
		t.Fatal("register failed")
	}
	h.Broadcast(KindSnapshot, 1)
	h.Broadcast(KindSnapshot, 2)
	if c.dropped != 1 || len(c.send) != 1 {
		t.Errorf("dropped = %d queued = %d, want 1 and 1", c.dropped, len(c.send))
	}
	h.unregister(c)
	h.unregister(c)
	if h.Clients() != 0 {
		t.Errorf("Clients = %d after unregister", h.Clients())
	}
}

func TestHub_RejectsAfterClose(t *testing.T) {
	t.Parallel()
	h := NewHub()
	h.Close()
	h.Close()
	if _, ok := h.register(); ok {
		t.Error("register succeeded on a closed hub")
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()
	b, err := encode(Message{Kind: KindHello, Session: "s1"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil || m.Kind != KindHello || m.Session != "s1" {
		t.Errorf("decoded %+v, %v", m, err)
	}

	if _, err := encode(Message{Kind: "snapshot", Data: make(chan int)}); err == nil || !strings.Contains(err.Error(), "snapshot") {
		t.Errorf("err = %v, want an encode error naming the kind", err)
	}
}
