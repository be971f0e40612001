package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/guardianlink/project/internal/contracts"
	"github.com/guardianlink/project/internal/platform/metrics"
)

var (
	connectedUsers = metrics.NewGauge(
		"notify_connected_users",
		"Users with a live notification session on this process.",
	)
	notifications = metrics.NewCounter(
		"notify_messages_total",
		"Notification deliveries, by outcome.",
		"outcome",
	)
)

func init() {
	metrics.Default.MustRegister(connectedUsers, notifications)
}

// Session is the slice of a websocket connection the hub needs. The hub
// serializes writes per session; callers must not write to a registered
// session themselves.
type Session interface {
	WriteJSON(v any) error
	Close() error
}

// Registry is the delivery surface the task and reminder services depend on.
type Registry interface {
	Send(userID string, msg contracts.Message)
	Connected(userID string) bool
}

type entry struct {
	mu           sync.Mutex
	sess         Session
	awaitingPong bool
}

func (e *entry) write(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.WriteJSON(v)
}

// Hub holds at most one live notification session per user. Registering a
// second session for the same user supersedes the first: the old session is
// closed and every later delivery goes to the new one.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*entry

	// HeartbeatInterval is how often the hub pings each session. A session
	// that has not answered the previous ping by the next tick is evicted.
	HeartbeatInterval time.Duration
}

func NewHub() *Hub {
	return &Hub{
		conns:             map[string]*entry{},
		HeartbeatInterval: 30 * time.Second,
	}
}

// Register installs sess as the user's live session, closing any prior one.
func (h *Hub) Register(userID string, sess Session) {
	h.mu.Lock()
	prev := h.conns[userID]
	h.conns[userID] = &entry{sess: sess}
	h.mu.Unlock()

	if prev == nil {
		connectedUsers.Inc()
	}
	if prev != nil {
		prev.sess.Close()
		log.Printf("notify: superseded session for user %s", userID)
	}
}

// Unregister drops the user's session only if sess is still the live one,
// so a superseded connection tearing down cannot evict its replacement.
func (h *Hub) Unregister(userID string, sess Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.conns[userID]; ok && e.sess == sess {
		delete(h.conns, userID)
		connectedUsers.Dec()
	}
}

func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}

// Send delivers msg to the user's live session, if any. Messages to users
// with no session are dropped; the channel is at-most-once by design of the
// callers, which treat the REST surface as the source of truth.
func (h *Hub) Send(userID string, msg contracts.Message) {
	h.mu.Lock()
	e, ok := h.conns[userID]
	h.mu.Unlock()
	if !ok {
		notifications.Inc("dropped")
		return
	}
	if err := e.write(msg); err != nil {
		log.Printf("notify: dropping session for user %s: %v", userID, err)
		notifications.Inc("dropped")
		h.evict(userID, e)
		return
	}
	notifications.Inc("sent")
}

// Pong clears the outstanding-ping flag for the user's session.
func (h *Hub) Pong(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.conns[userID]; ok {
		e.mu.Lock()
		e.awaitingPong = false
		e.mu.Unlock()
	}
}

// Run pings every session on each heartbeat tick and evicts sessions that
// never answered the previous ping. Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	h.mu.Lock()
	snapshot := make(map[string]*entry, len(h.conns))
	for id, e := range h.conns {
		snapshot[id] = e
	}
	h.mu.Unlock()

	for userID, e := range snapshot {
		e.mu.Lock()
		stale := e.awaitingPong
		e.awaitingPong = true
		e.mu.Unlock()
		if stale {
			log.Printf("notify: user %s missed heartbeat, evicting", userID)
			h.evict(userID, e)
			continue
		}
		if err := e.write(contracts.Message{Kind: contracts.KindPing, Timestamp: time.Now().UTC()}); err != nil {
			h.evict(userID, e)
		}
	}
}

// Drop closes and removes the user's session regardless of which one it is.
// Used when another process took over the user's connection.
func (h *Hub) Drop(userID string) {
	h.mu.Lock()
	e, ok := h.conns[userID]
	delete(h.conns, userID)
	h.mu.Unlock()
	if ok {
		connectedUsers.Dec()
		e.sess.Close()
	}
}

func (h *Hub) evict(userID string, e *entry) {
	h.mu.Lock()
	removed := false
	if cur, ok := h.conns[userID]; ok && cur == e {
		delete(h.conns, userID)
		removed = true
	}
	h.mu.Unlock()
	if removed {
		connectedUsers.Dec()
	}
	e.sess.Close()
}
