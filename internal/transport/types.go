package transport

import (
	"context"
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one send attempt.
type OutcomeKind uint8

const (
	Success OutcomeKind = iota
	RateLimited
	Transient
	Permanent
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one send attempt. MessageID is set on Success,
// RetryAfter on RateLimited, Err on every failure.
type Outcome struct {
	Kind       OutcomeKind
	MessageID  int
	RetryAfter time.Duration
	Err        error
}

func Sent(id int) Outcome { return Outcome{Kind: Success, MessageID: id} }

func Flood(after time.Duration, err error) Outcome {
	return Outcome{Kind: RateLimited, RetryAfter: after, Err: err}
}

func Retryable(err error) Outcome { return Outcome{Kind: Transient, Err: err} }

func Fatal(err error) Outcome { return Outcome{Kind: Permanent, Err: err} }

func (o Outcome) String() string {
	switch o.Kind {
	case Success:
		return fmt.Sprintf("success(%d)", o.MessageID)
	case RateLimited:
		return fmt.Sprintf("rate_limited(%s)", o.RetryAfter)
	default:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Err)
	}
}

// ChatTarget addresses a chat and optionally a forum topic. Chat is a
// numeric id or an @username.
type ChatTarget struct {
	Chat     string
	ThreadID int
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%s/%d", t.Chat, t.ThreadID)
	}
	return t.Chat
}

// Message is the payload of a single text send.
type Message struct {
	To             ChatTarget
	Text           string
	ParseMode      string
	ReplyTo        int
	DisablePreview bool
}

// PhotoSource is either a remote reference (URL or file id) or raw bytes.
type PhotoSource struct {
	Ref  string
	Data []byte
	Name string
}

func (s PhotoSource) IsZero() bool { return s.Ref == "" && len(s.Data) == 0 }

// Photo is the payload of a photo send with an optional caption.
type Photo struct {
	To        ChatTarget
	Source    PhotoSource
	Caption   string
	ParseMode string
	ReplyTo   int
}

// Sender performs single Bot API calls. Implementations never retry; they
// classify the response and leave policy to the caller.
type Sender interface {
	SendMessage(ctx context.Context, m Message) Outcome
	SendPhoto(ctx context.Context, p Photo) Outcome
}

// ChatLookup resolves an @username to a numeric chat id.
type ChatLookup interface {
	LookupChat(ctx context.Context, username string) (int64, error)
}
