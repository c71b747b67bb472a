package publisher

import (
	"context"
	"errors"
	"time"

	"pewpost/internal/delivery"
)

var (
	ErrDisabled  = errors.New("publisher disabled")
	ErrQueueFull = errors.New("publisher queue full")
	ErrStopped   = errors.New("publisher stopped")
	ErrEmptyJob  = errors.New("publisher: job needs targets and a text or an item")
)

// Config controls the async publishing pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	HistorySize int
	// DedupWindow suppresses an identical job (same targets and content)
	// submitted again within the window. Zero disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Deliverer is the part of the dispatcher the publisher drives.
type Deliverer interface {
	SendText(ctx context.Context, dest, text string) (int, error)
	SendStructuredItem(ctx context.Context, dest string, it delivery.Item) (int, error)
}

// Job is one piece of content for one or more destinations. Exactly one of
// Text and Item is used; Item wins when both are set.
type Job struct {
	Targets []string
	Text    string
	Item    *delivery.Item
}

type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateDropped State = "dropped"
)

// TargetResult is the outcome for one destination. MessageID is zero in
// no-op mode and on failure.
type TargetResult struct {
	Destination string `json:"destination"`
	MessageID   int    `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`
}

type JobStatus struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Preview   string         `json:"preview"`
	Targets   []TargetResult `json:"targets"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	DoneAt    time.Time      `json:"done_at,omitzero"`
}

// Event types published on the bus.
const (
	EventQueued  = "publisher.queued"
	EventDeduped = "publisher.deduped"
	EventDropped = "publisher.dropped"
	EventDone    = "publisher.done"
	EventFailed  = "publisher.failed"
)

// JobEvent is the payload of every publisher event.
type JobEvent struct {
	ID      string `json:"id"`
	Targets int    `json:"targets"`
	Failed  int    `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}
