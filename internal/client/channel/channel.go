package channel

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardianlink/project/internal/contracts"
)

// Client maintains the persistent notification connection. It authenticates
// with the bearer token as a query parameter, dispatches inbound messages to
// Handle, answers the server's heartbeat pings, and reconnects with a fixed
// backoff. After MaxAttempts consecutive failures it gives up and calls
// OnUnavailable: the channel is an optimization, polling remains the data
// path.
type Client struct {
	URL   string // ws endpoint, e.g. ws://host:3001/ws
	Token string

	// Handle receives every non-heartbeat message. Unknown kinds must be
	// treated as no-ops by the handler.
	Handle func(contracts.Message)

	OnUnavailable func()
	Backoff       time.Duration
	MaxAttempts   int
	Dialer        *websocket.Dialer
}

func New(url, token string, handle func(contracts.Message)) *Client {
	return &Client{
		URL:         url,
		Token:       token,
		Handle:      handle,
		Backoff:     3 * time.Second,
		MaxAttempts: 5,
		Dialer:      websocket.DefaultDialer,
	}
}

// Run connects and keeps reconnecting until ctx is done or the retry budget
// is exhausted. A successful connection resets the failure count.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := c.Dialer.DialContext(ctx, c.URL+"?token="+c.Token, nil)
		if err != nil {
			failures++
			log.Printf("channel: connect attempt %d/%d failed: %v", failures, c.MaxAttempts, err)
			if failures >= c.MaxAttempts {
				if c.OnUnavailable != nil {
					c.OnUnavailable()
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Backoff):
			}
			continue
		}

		failures = 0
		c.readLoop(ctx, conn)
		conn.Close()

		// The backoff applies to lost connections too, or a server that
		// accepts and immediately closes would be redialed in a tight loop.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg contracts.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.Printf("channel: connection lost: %v", err)
			}
			return
		}
		switch msg.Kind {
		case contracts.KindPing:
			// Server heartbeat; echo the timestamp back.
			if err := conn.WriteJSON(contracts.Message{
				Kind:      contracts.KindPong,
				Timestamp: msg.Timestamp,
			}); err != nil {
				return
			}
		case contracts.KindPong:
			// Reply to one of our own pings; nothing to do.
		default:
			if c.Handle != nil {
				c.Handle(msg)
			}
		}
	}
}
