package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TextSender delivers literal text to a destination. The delivery
// dispatcher satisfies it.
type TextSender interface {
	SendPlain(ctx context.Context, dest, text string) (int, error)
}

const (
	telegramQueueSize = 256
	telegramMaxLen    = 3500
	telegramSendWait  = 30 * time.Second
)

// Lines carrying this field are never relayed. Loggers derived with Ctx
// add it while the sink's own sends are in flight, so a failing relay
// cannot feed itself.
const (
	relayField = "origin"
	relayValue = "log_sink"
)

var relayMarker = []byte(`"` + relayField + `":"` + relayValue + `"`)

type sinkSendKey struct{}

// FromTelegramSink reports whether ctx belongs to a send made by the
// Telegram sink.
func FromTelegramSink(ctx context.Context) bool {
	v, _ := ctx.Value(sinkSendKey{}).(bool)
	return v
}

// SkipTelegram keeps a line out of the Telegram sink.
func SkipTelegram() Field { return String(relayField, relayValue) }

// Ctx returns l marked with SkipTelegram when ctx belongs to a sink send.
func (l Logger) Ctx(ctx context.Context) Logger {
	if FromTelegramSink(ctx) {
		return l.With(SkipTelegram())
	}
	return l
}

type telegramItem struct {
	dest string
	msg  string
}

// telegramSink is a zerolog LevelWriter that never blocks logging: lines
// beyond the rate or the queue are dropped.
type telegramSink struct {
	mu       sync.Mutex
	sender   TextSender
	chat     string
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan telegramItem
	cancel context.CancelFunc
	done   chan struct{}
}

func newTelegramSink() *telegramSink {
	return &telegramSink{
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan telegramItem, telegramQueueSize),
	}
}

func (t *telegramSink) setSender(ts TextSender) {
	t.mu.Lock()
	t.sender = ts
	t.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.chat = strings.TrimSpace(cfg.Chat)
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()
}

func (t *telegramSink) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			t.mu.Lock()
			s := t.sender
			t.mu.Unlock()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(context.WithValue(ctx, sinkSendKey{}, true), telegramSendWait)
			_, _ = s.SendPlain(sctx, it.dest, it.msg)
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chat, floor, lim, ok := t.chat, t.minLevel, t.limiter, t.sender != nil
	t.mu.Unlock()

	if !ok || chat == "" || level < floor || bytes.Contains(p, relayMarker) || !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramItem{dest: chat, msg: msg}:
	default:
	}
	return len(p), nil
}

// formatTelegramJSON turns a zerolog JSON line into a short readable message.
// Lines that are not JSON are sent trimmed.
func formatTelegramJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(fmt.Sprint(m[k]), 900))
			continue
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), telegramMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
