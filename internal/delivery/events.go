package delivery

import (
	"time"

	"pewpost/internal/eventbus"
)

// Event types published on the bus.
const (
	EventSent        = "delivery.sent"
	EventRateLimited = "delivery.rate_limited"
	EventRetry       = "delivery.retry"
	EventDropped     = "delivery.dropped"
	EventFailed      = "delivery.failed"
)

// ChunkEvent is the payload of every delivery event.
type ChunkEvent struct {
	Chat      string        `json:"chat"`
	ThreadID  int           `json:"thread_id,omitempty"`
	Chunk     int           `json:"chunk"`
	Chunks    int           `json:"chunks"`
	Attempt   int           `json:"attempt"`
	MessageID int           `json:"message_id,omitempty"`
	Wait      time.Duration `json:"wait,omitempty"`
	Error     string        `json:"error,omitempty"`
	// LogRelay marks chunks sent on behalf of the Telegram log sink.
	LogRelay bool `json:"log_relay,omitempty"`
}

func (d *Dispatcher) publish(typ string, ev ChunkEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
