// Package feed broadcasts live analysis snapshots and session lifecycle
// events to websocket clients.
//
// Every message is a JSON [Message]. The [Hub] implements [cycle.Listener],
// so it can be attached directly to an orchestrator.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Message kinds.
const (
	KindHello                 = "hello"
	KindSnapshot              = "snapshot"
	KindCalibration           = "calibration"
	KindCalibrationComplete   = "calibration_complete"
	KindCalibrationFailed     = "calibration_failed"
	KindPhase                 = "phase"
	KindPracticeCycleComplete = "practice_cycle_complete"
	KindScoredSessionStart    = "scored_session_start"
	KindCycleComplete         = "cycle_complete"
	KindSessionComplete       = "session_complete"
)

// Defaults for [Hub].
const (
	DefaultClientBuffer = 32
	DefaultWriteTimeout = 2 * time.Second
)

// Message is the envelope of every feed frame.
type Message struct {
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

type phaseData struct {
	Phase types.CyclePhase `json:"phase"`
	State cycle.State      `json:"state"`
}

type cycleData struct {
	Cycle   int           `json:"cycle"`
	Quality cycle.Quality `json:"quality"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithClientBuffer sets how many messages may queue per client before new
// ones are dropped for that client.
func WithClientBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithClientHook is called with +1 and -1 as clients come and go.
func WithClientHook(fn func(delta int64)) Option {
	return func(h *Hub) { h.onClient = fn }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithClock injects the time source stamped on messages.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

type client struct {
	send    chan []byte
	dropped int
}

var _ cycle.Listener = (*Hub)(nil)

// Hub fans messages out to connected clients. Slow clients lose messages
// rather than stall the broadcaster. Hub is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	session string
	closed  bool

	buffer       int
	writeTimeout time.Duration
	origins      []string
	onClient     func(int64)
	log          *slog.Logger
	now          func() time.Time
}

// NewHub returns a hub with no clients.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[*client]struct{}),
		buffer:       DefaultClientBuffer,
		writeTimeout: DefaultWriteTimeout,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// BeginSession assigns a fresh session ID that tags subsequent messages and
// returns it.
func (h *Hub) BeginSession() string {
	id := uuid.NewString()
	h.mu.Lock()
	h.session = id
	h.mu.Unlock()
	return id
}

// EndSession clears the session ID.
func (h *Hub) EndSession() {
	h.mu.Lock()
	h.session = ""
	h.mu.Unlock()
}

// Session returns the current session ID, or "" between sessions.
func (h *Hub) Session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends one message of the given kind to every client.
func (h *Hub) Broadcast(kind string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) == 0 {
		return
	}
	b, err := encode(Message{Kind: kind, Session: h.session, Time: h.now(), Data: data})
	if err != nil {
		h.log.Error("feed: dropping message", "err", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			c.dropped++
		}
	}
}

func encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("feed: encode %s message: %w", m.Kind, err)
	}
	return b, nil
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) register() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{send: make(chan []byte, h.buffer)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	if c.dropped > 0 {
		h.log.Info("feed: slow client lost messages", "dropped", c.dropped)
	}
}

// ServeHTTP upgrades the request to a websocket and streams messages until
// the client leaves, the request context ends or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("feed: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c, ok := h.register()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "feed closed")
		return
	}
	defer h.unregister(c)
	if h.onClient != nil {
		h.onClient(1)
		defer h.onClient(-1)
	}

	// Clients only listen; CloseRead answers pings and notices departure.
	ctx := conn.CloseRead(r.Context())

	hello, err := encode(Message{Kind: KindHello, Session: h.Session(), Time: h.now()})
	if err != nil {
		h.log.Error("feed: greeting client", "err", err)
		conn.Close(websocket.StatusInternalError, "encode hello")
		return
	}
	if err := h.write(ctx, conn, hello); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := h.write(ctx, conn, b); err != nil {
				h.log.Debug("feed: client write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func (h *Hub) OnPhaseChange(phase types.CyclePhase, st cycle.State) {
	h.Broadcast(KindPhase, phaseData{Phase: phase, State: st})
}

func (h *Hub) OnPracticeCycleComplete(n int) {
	h.Broadcast(KindPracticeCycleComplete, map[string]int{"cycle": n})
}

func (h *Hub) OnScoredSessionStart() {
	h.Broadcast(KindScoredSessionStart, nil)
}

func (h *Hub) OnCycleComplete(q cycle.Quality, n int) {
	h.Broadcast(KindCycleComplete, cycleData{Cycle: n, Quality: q})
}

func (h *Hub) OnSessionComplete(s cycle.Summary) {
	h.Broadcast(KindSessionComplete, s)
}
