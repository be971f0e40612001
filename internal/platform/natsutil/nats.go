package natsutil

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect establishes a core NATS connection. Notification fan-out is
// at-most-once, so plain pub/sub is enough; no stream state is created.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func ConnectWithRetry(url string, timeout time.Duration) (*nats.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := Connect(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect nats timeout after %s: %w", timeout, lastErr)
}

func Close(conn *nats.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Drain()
	conn.Close()
}
