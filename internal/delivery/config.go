package delivery

import (
	"fmt"
	"strings"
	"time"

	"pewpost/internal/escape"
	"pewpost/internal/segment"
	"pewpost/internal/transport"
)

// Policy decides what happens to a chunk once transient retries run out.
type Policy string

const (
	// PolicyRetry keeps retrying with capped backoff until the context ends.
	PolicyRetry Policy = "retry"
	// PolicyDrop skips the chunk and carries on with the next one.
	PolicyDrop Policy = "drop"
	// PolicyRaise stops the item and returns a *DeliveryError.
	PolicyRaise Policy = "raise"
)

// ParsePolicy accepts "ignore" as a synonym of drop. Empty means raise.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyRaise, nil
	case PolicyRetry, PolicyDrop, PolicyRaise:
		return p, nil
	case "ignore":
		return PolicyDrop, nil
	default:
		return "", fmt.Errorf("unknown error policy %q (want retry, drop or raise)", s)
	}
}

// Overflow decides how a photo caption longer than the caption limit is sent.
type Overflow string

const (
	// OverflowSplit sends the rest of the item as replies to the photo.
	OverflowSplit Overflow = "split"
	// OverflowTruncate cuts the caption and appends an ellipsis.
	OverflowTruncate Overflow = "truncate"
)

func ParseOverflow(s string) (Overflow, error) {
	switch o := Overflow(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OverflowSplit, nil
	case OverflowSplit, OverflowTruncate:
		return o, nil
	default:
		return "", fmt.Errorf("unknown caption overflow %q (want split or truncate)", s)
	}
}

const (
	DefaultMessageLimit = 4096
	DefaultCaptionLimit = 1024
	DefaultMinChunk     = 160
	DefaultLinkLabel    = "Read more"
)

type Config struct {
	ParseMode    escape.Mode
	MessageLimit int
	CaptionLimit int
	// MinChunk is the visible length below which a chunk is merged into
	// its successor.
	MinChunk       int
	NumberChunks   bool
	LinkLabel      string
	DisablePreview bool

	OnError       Policy
	MaxRetries    int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	MaxFloodWait  time.Duration
	SendTimeout   time.Duration

	PhotoFallback   bool
	CaptionOverflow Overflow

	// Destinations maps configured names onto chats. Names resolve before
	// any other destination syntax.
	Destinations map[string]transport.ChatTarget
	AliasTTL     time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ParseMode:       escape.ModeHTML,
		MessageLimit:    DefaultMessageLimit,
		CaptionLimit:    DefaultCaptionLimit,
		MinChunk:        DefaultMinChunk,
		NumberChunks:    true,
		LinkLabel:       DefaultLinkLabel,
		DisablePreview:  true,
		OnError:         PolicyRaise,
		MaxRetries:      2,
		RetryBackoff:    2500 * time.Millisecond,
		RetryMaxDelay:   30 * time.Second,
		MaxFloodWait:    5 * time.Minute,
		SendTimeout:     30 * time.Second,
		PhotoFallback:   true,
		CaptionOverflow: OverflowSplit,
		AliasTTL:        time.Hour,
	}
}

// withDefaults fills zero numeric and string fields. Booleans are taken as
// given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ParseMode == "" {
		c.ParseMode = def.ParseMode
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = def.MessageLimit
	}
	if c.CaptionLimit <= 0 {
		c.CaptionLimit = def.CaptionLimit
	}
	if c.MinChunk < 0 {
		c.MinChunk = 0
	}
	if strings.TrimSpace(c.LinkLabel) == "" {
		c.LinkLabel = def.LinkLabel
	}
	if c.OnError == "" {
		c.OnError = def.OnError
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = max(def.RetryMaxDelay, c.RetryBackoff)
	}
	if c.MaxFloodWait <= 0 {
		c.MaxFloodWait = def.MaxFloodWait
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.CaptionOverflow == "" {
		c.CaptionOverflow = def.CaptionOverflow
	}
	if c.AliasTTL <= 0 {
		c.AliasTTL = def.AliasTTL
	}
	return c
}

func (c Config) split(mode segment.Mode, firstLimit int) segment.Options {
	return segment.Options{
		Limit:      c.MessageLimit,
		FirstLimit: firstLimit,
		Mode:       mode,
		MinLength:  c.MinChunk,
		Number:     c.NumberChunks,
	}
}

// backoff grows linearly with the number of failures and is capped.
func (c Config) backoff(failures int) time.Duration {
	d := c.RetryBackoff * time.Duration(failures)
	if d > c.RetryMaxDelay || d <= 0 {
		return c.RetryMaxDelay
	}
	return d
}
