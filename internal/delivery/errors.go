package delivery

import (
	"errors"
	"fmt"

	"pewpost/internal/transport"
)

var (
	// ErrNoChunks is returned when the input has no visible text.
	ErrNoChunks = errors.New("delivery: nothing to send")
	// ErrNoDestination is returned for an empty or unparsable destination.
	ErrNoDestination = errors.New("delivery: invalid destination")

	// errDropped marks a chunk skipped by PolicyDrop.
	errDropped = errors.New("delivery: chunk dropped")
)

// DeliveryError reports the chunk that stopped an item. Chunk is zero-based.
type DeliveryError struct {
	Chat     string
	Chunk    int
	Chunks   int
	Outcome  transport.OutcomeKind
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: chunk %d/%d to %s failed (%s) after %d attempt(s): %v",
		e.Chunk+1, e.Chunks, e.Chat, e.Outcome, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a delivery the Bot API rejected for good.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Outcome == transport.Permanent
}
