package httpapi

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardianlink/project/internal/contracts"
	"github.com/guardianlink/project/internal/platform/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers cannot set an Authorization header on a websocket handshake;
	// the token rides in the query string instead and the origin is open.
	CheckOrigin: func(*http.Request) bool { return true },
}

var wsConnections = metrics.NewCounter(
	"ws_connections_total",
	"Websocket sessions accepted, by user role.",
	"role",
)

func init() {
	metrics.Default.MustRegister(wsConnections)
}

// wsSession serializes all writes to one connection: both the hub's
// deliveries and the read loop's pong replies go through WriteJSON here.
type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSession) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSession) Close() error {
	return s.conn.Close()
}

// handleWebSocket authenticates via the token query parameter, rejecting
// before the upgrade so a bad token never costs a websocket handshake.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := h.Identity.AuthToken.Parse(token)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade for user %s: %v", claims.Subject, err)
		return
	}
	sess := &wsSession{conn: conn}
	h.Sessions.Register(claims.Subject, sess)
	wsConnections.Inc(claims.Role)

	if err := sess.WriteJSON(contracts.Message{
		Kind:      contracts.KindConnectionEstablished,
		UserID:    claims.Subject,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		h.Sessions.Unregister(claims.Subject, sess)
		conn.Close()
		return
	}

	go h.readLoop(claims.Subject, sess)
}

// readLoop consumes inbound frames until the connection dies. Clients send
// ping to probe liveness and pong to answer the hub's heartbeat; everything
// else is ignored.
func (h *Handler) readLoop(userID string, sess *wsSession) {
	defer func() {
		h.Sessions.Unregister(userID, sess)
		sess.Close()
	}()
	for {
		var msg contracts.Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Kind {
		case contracts.KindPing:
			_ = sess.WriteJSON(contracts.Message{
				Kind:      contracts.KindPong,
				UserID:    userID,
				Timestamp: msg.Timestamp,
			})
		case contracts.KindPong:
			h.Sessions.Pong(userID)
		}
	}
}
