package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/guardianlink/project/internal/contracts"
)

const (
	userSubjectPrefix = "notify.user."
	kickSubjectPrefix = "notify.kick."
)

// Relay fans notifications out across server processes. Every process
// subscribes to all user subjects and hands matching messages to its local
// hub; the hub drops anything for users it does not hold a session for.
// A kick subject lets the process that just accepted a user's session tell
// the others to close theirs, so one-live-session-per-user holds cluster-wide.
type Relay struct {
	NC  *nats.Conn
	Hub *Hub

	// instance tags outgoing kicks so a process ignores its own.
	instance string
	subs     []*nats.Subscription
}

func NewRelay(nc *nats.Conn, hub *Hub) *Relay {
	return &Relay{NC: nc, Hub: hub, instance: nuid.Next()}
}

// Start installs the fan-out and kick subscriptions.
func (r *Relay) Start() error {
	userSub, err := r.NC.Subscribe(userSubjectPrefix+"*", func(m *nats.Msg) {
		userID := strings.TrimPrefix(m.Subject, userSubjectPrefix)
		var msg contracts.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("notify: bad relay payload on %s: %v", m.Subject, err)
			return
		}
		r.Hub.Send(userID, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", userSubjectPrefix, err)
	}
	r.subs = append(r.subs, userSub)

	kickSub, err := r.NC.Subscribe(kickSubjectPrefix+"*", func(m *nats.Msg) {
		if string(m.Data) == r.instance {
			return
		}
		userID := strings.TrimPrefix(m.Subject, kickSubjectPrefix)
		r.Hub.Drop(userID)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", kickSubjectPrefix, err)
	}
	r.subs = append(r.subs, kickSub)
	return nil
}

func (r *Relay) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

// Register installs the session locally and kicks any session another
// process may still hold for the same user.
func (r *Relay) Register(userID string, sess Session) {
	r.Hub.Register(userID, sess)
	if err := r.NC.Publish(kickSubjectPrefix+userID, []byte(r.instance)); err != nil {
		log.Printf("notify: publish kick for user %s: %v", userID, err)
	}
}

func (r *Relay) Unregister(userID string, sess Session) {
	r.Hub.Unregister(userID, sess)
}

func (r *Relay) Pong(userID string) {
	r.Hub.Pong(userID)
}

// Send publishes the message for whichever process holds the user's session.
// Delivery is at-most-once: if no process holds one, the message is dropped.
func (r *Relay) Send(userID string, msg contracts.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("notify: marshal message for user %s: %v", userID, err)
		return
	}
	if err := r.NC.Publish(userSubjectPrefix+userID, data); err != nil {
		log.Printf("notify: publish for user %s: %v", userID, err)
	}
}

// Connected reports whether this process holds a live session for the user.
func (r *Relay) Connected(userID string) bool {
	return r.Hub.Connected(userID)
}
