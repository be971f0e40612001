package contracts

import "time"

// Task statuses accepted by the task authority.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// IsValidStatus reports whether s is one of the defined task statuses.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the authoritative task record. LastUpdated is stamped exclusively
// by the task authority on each accepted mutation.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	Status        string    `json:"status"`
	GuardianID    string    `json:"guardian_id"`
	DependentID   string    `json:"dependent_id"`
	GuardianName  string    `json:"guardian_name,omitempty"`
	DependentName string    `json:"dependent_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`
}

// DueAt combines the task's date and time fields into a single instant.
// The separate fields mirror the form the guardian fills in.
func (t Task) DueAt() (time.Time, bool) {
	if t.Date == "" || t.Time == "" {
		return time.Time{}, false
	}
	due, err := time.Parse("2006-01-02 15:04", t.Date+" "+t.Time)
	if err != nil {
		return time.Time{}, false
	}
	return due, true
}

// Pending change kinds queued on the client while offline.
const (
	ChangeCreate       = "create"
	ChangeStatusUpdate = "status_update"
	ChangeDelete       = "delete"
)

// PendingChange is a client-local mutation awaiting replay. SequenceID is
// assigned by the local store and defines replay order.
type PendingChange struct {
	SequenceID int64     `json:"sequence_id"`
	Kind       string    `json:"kind"`
	Task       Task      `json:"task"`
	CapturedAt time.Time `json:"captured_at"`
}

// Notification channel message kinds. Clients treat unknown kinds as no-ops.
const (
	KindConnectionEstablished = "connection_established"
	KindTaskStatusChanged     = "task_status_changed"
	KindTaskReminder          = "task_reminder"
	KindNewTask               = "new_task"
	KindTaskDeleted           = "task_deleted"
	KindPing                  = "ping"
	KindPong                  = "pong"
)

// Message is the envelope pushed over the notification channel.
type Message struct {
	Kind      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	NewStatus string    `json:"new_status,omitempty"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
