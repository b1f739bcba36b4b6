package history

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventUpdate   EventType = "update"
	EventRollback EventType = "rollback"
	// EventRefused records a command turned down by a precondition.
	EventRefused EventType = "refused"
)

// Event is one control command outcome recorded for later inspection.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	App        string    `json:"app"`
	PID        int       `json:"pid"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps a fresh ID and the current UTC time.
func NewEvent(t EventType, app string, pid int, outcome, detail string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		App:        app,
		PID:        pid,
		Outcome:    outcome,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader returns the newest events first, at most limit of them.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Store is a sink that can be read back and closed.
type Store interface {
	Sink
	Reader
	io.Closer
}

// DefaultLimit is used by Recent when limit is not positive.
const DefaultLimit = 20

func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
