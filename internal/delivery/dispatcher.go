// Package delivery sends text and structured items to Telegram chats.
//
// A Dispatcher turns its input into chunks that fit the Bot API limits,
// then sends them in order, each chunk replying to the previous one. Every
// attempt takes a permit from the shared rate limiter. Flood-control pauses
// are honoured without counting as failures; transient failures are retried
// with linear backoff and then handled by the configured Policy; permanent
// failures stop the item at once.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pewpost/internal/eventbus"
	"pewpost/internal/markup"
	"pewpost/internal/metrics"
	"pewpost/internal/ratelimit"
	"pewpost/internal/segment"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

// Dispatcher is safe for concurrent use. Items sent concurrently share only
// the rate limiter and the alias cache.
type Dispatcher struct {
	mu  sync.RWMutex
	cfg Config

	sender  transport.Sender
	limiter *ratelimit.Limiter
	aliases *aliasCache
	lookup  transport.ChatLookup

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Delivery
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func WithMetrics(m *metrics.Delivery) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLookup enables the @username → id cache.
func WithLookup(l transport.ChatLookup) Option { return func(d *Dispatcher) { d.lookup = l } }

// WithSleep replaces the wait used for flood pauses and backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// New builds a Dispatcher. A nil sender puts it in no-op mode: every chunk
// is logged and nothing is sent.
func New(cfg Config, sender transport.Sender, limiter *ratelimit.Limiter, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:     cfg.withDefaults(),
		sender:  sender,
		limiter: limiter,
		log:     log.With(logx.String("comp", "delivery")),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	d.aliases = newAliasCache(d.lookup, d.limiter, d.cfg.AliasTTL)
	if sender == nil {
		d.log.Warn("no bot token configured; deliveries are logged, not sent")
	}
	return d
}

// Apply swaps the configuration. Deliveries in flight keep the snapshot
// they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.aliases.setTTL(cfg.AliasTTL)
}

func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Configured reports whether the dispatcher has a sender.
func (d *Dispatcher) Configured() bool { return d.sender != nil }

// Resolve turns a destination string into a chat target. Configured names
// win over every other syntax.
func (d *Dispatcher) Resolve(ctx context.Context, dest string) (transport.ChatTarget, error) {
	cfg := d.Config()
	if t, ok := lookupName(cfg.Destinations, dest); ok {
		return d.aliases.resolve(ctx, t, d.log.Ctx(ctx)), nil
	}
	t, err := ParseDestination(dest)
	if err != nil {
		return t, err
	}
	return d.aliases.resolve(ctx, t, d.log.Ctx(ctx)), nil
}

func lookupName(m map[string]transport.ChatTarget, name string) (transport.ChatTarget, bool) {
	name = strings.TrimSpace(name)
	if t, ok := m[name]; ok {
		return t, true
	}
	for k, t := range m {
		if strings.EqualFold(k, name) {
			return t, true
		}
	}
	return transport.ChatTarget{}, false
}

// SendText sends markup text and returns the id of the first chunk sent.
// A zero id with a nil error means no-op mode.
func (d *Dispatcher) SendText(ctx context.Context, dest, text string) (int, error) {
	return d.sendText(ctx, dest, text, false)
}

// SendPlain is SendText for literal text: nothing in it is read as markup.
func (d *Dispatcher) SendPlain(ctx context.Context, dest, text string) (int, error) {
	return d.sendText(ctx, dest, text, true)
}

func (d *Dispatcher) sendText(ctx context.Context, dest, text string, literal bool) (int, error) {
	cfg := d.Config()
	to, err := d.Resolve(ctx, dest)
	if err != nil {
		return 0, err
	}
	chunks, err := PlanText(cfg, text, literal)
	if err != nil {
		return 0, err
	}
	return d.deliver(ctx, cfg, to, chunks, nil)
}

// PlanText returns the chunks SendText would send.
func PlanText(cfg Config, text string, literal bool) ([]segment.Chunk, error) {
	cfg = cfg.withDefaults()
	body, mode := prepareText(text, cfg.ParseMode, literal)
	chunks, err := segment.Split(body, cfg.split(mode, 0))
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	return chunks, nil
}

// SendStructuredItem composes and sends an item. With an image the first
// chunk is the photo caption.
func (d *Dispatcher) SendStructuredItem(ctx context.Context, dest string, it Item) (int, error) {
	cfg := d.Config()
	to, err := d.Resolve(ctx, dest)
	if err != nil {
		return 0, err
	}
	chunks, err := PlanItem(cfg, it)
	if err != nil {
		return 0, err
	}
	if it.Image.IsZero() {
		return d.deliver(ctx, cfg, to, chunks, nil)
	}

	img := it.Image
	id, err := d.deliver(ctx, cfg, to, chunks, &img)
	var de *DeliveryError
	if err == nil || !cfg.PhotoFallback || !errors.As(err, &de) || de.Chunk != 0 || de.Outcome != transport.Permanent {
		return id, err
	}
	d.log.Ctx(ctx).Warn("photo rejected; sending item as text",
		logx.String("chat", to.String()), logx.Err(de.Err))
	it.Image = transport.PhotoSource{}
	chunks, perr := PlanItem(cfg, it)
	if perr != nil {
		return 0, errors.Join(err, perr)
	}
	return d.deliver(ctx, cfg, to, chunks, nil)
}

// PlanItem returns the chunks SendStructuredItem would send. With an image
// the first chunk fits the caption limit.
func PlanItem(cfg Config, it Item) ([]segment.Chunk, error) {
	cfg = cfg.withDefaults()
	doc, mode, err := Compose(it, cfg.ParseMode, cfg.LinkLabel)
	if err != nil {
		return nil, err
	}
	if it.Image.IsZero() {
		chunks, err := segment.Split(doc, cfg.split(mode, 0))
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			return nil, ErrNoChunks
		}
		return chunks, nil
	}

	if cfg.CaptionOverflow == OverflowTruncate {
		caption, _, err := segment.Truncate(doc, cfg.CaptionLimit, mode)
		if err != nil {
			return nil, err
		}
		visible := caption
		if mode == segment.ModeHTML {
			visible = markup.VisibleText(caption)
		}
		return []segment.Chunk{{Text: caption, VisibleLength: markup.UTF16Len(visible)}}, nil
	}
	chunks, err := segment.Split(doc, cfg.split(mode, cfg.CaptionLimit))
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		// a photo needs no caption
		chunks = []segment.Chunk{{}}
	}
	return chunks, nil
}

// deliver sends chunks in order as a reply chain and returns the id of the
// first chunk sent. The first chunk goes out as photo when photo is set.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, to transport.ChatTarget, chunks []segment.Chunk, photo *transport.PhotoSource) (int, error) {
	if d.sender == nil {
		log := d.log.Ctx(ctx)
		for i, c := range chunks {
			log.Info("delivery skipped (no bot token)",
				logx.String("chat", to.String()),
				logx.Int("chunk", i+1),
				logx.Int("chunks", len(chunks)),
				logx.Int("length", markup.UTF16Len(c.Text)),
				logx.Bool("photo", i == 0 && photo != nil),
			)
		}
		return 0, nil
	}

	first, replyTo := 0, 0
	for i, c := range chunks {
		var img *transport.PhotoSource
		if i == 0 {
			img = photo
		}
		id, err := d.sendChunk(ctx, cfg, to, i, len(chunks), c.Text, replyTo, img)
		if errors.Is(err, errDropped) {
			continue
		}
		if err != nil {
			return first, err
		}
		if first == 0 {
			first = id
		}
		replyTo = id
	}
	return first, nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, cfg Config, to transport.ChatTarget, idx, total int, text string, replyTo int, photo *transport.PhotoSource) (int, error) {
	log := d.log.Ctx(ctx).With(logx.String("chat", to.String()), logx.Int("chunk", idx+1), logx.Int("chunks", total))
	ev := ChunkEvent{Chat: to.Chat, ThreadID: to.ThreadID, Chunk: idx, Chunks: total, LogRelay: logx.FromTelegramSink(ctx)}

	attempts, failures := 0, 0
	for {
		if err := d.limiter.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		attempts++
		ev.Attempt = attempts

		out := d.attempt(ctx, cfg, to, text, replyTo, photo)
		d.metrics.Attempt(out.Kind.String())

		switch out.Kind {
		case transport.Success:
			d.metrics.Chunk()
			ev.MessageID = out.MessageID
			d.publish(EventSent, ev)
			log.Debug("chunk sent", logx.Int("message_id", out.MessageID), logx.Int("attempt", attempts))
			return out.MessageID, nil

		case transport.RateLimited:
			if out.RetryAfter <= cfg.MaxFloodWait {
				ev.Wait = out.RetryAfter
				d.publish(EventRateLimited, ev)
				ev.Wait = 0
				log.Info("flood control; waiting", logx.Duration("retry_after", out.RetryAfter))
				d.metrics.Wait("flood", out.RetryAfter)
				if err := d.sleep(ctx, out.RetryAfter); err != nil {
					return 0, err
				}
				continue
			}
			out = transport.Retryable(fmt.Errorf("flood wait %s exceeds %s: %w", out.RetryAfter, cfg.MaxFloodWait, out.Err))

		case transport.Permanent:
			ev.Error = errString(out.Err)
			d.publish(EventFailed, ev)
			log.Error("chunk rejected", logx.Err(out.Err))
			return 0, &DeliveryError{Chat: to.String(), Chunk: idx, Chunks: total, Outcome: out.Kind, Attempts: attempts, Err: out.Err}
		}

		failures++
		if cfg.OnError != PolicyRetry && failures > cfg.MaxRetries {
			ev.Error = errString(out.Err)
			if cfg.OnError == PolicyDrop {
				d.publish(EventDropped, ev)
				log.Error("chunk dropped after retries", logx.Int("attempts", attempts), logx.Err(out.Err))
				return 0, errDropped
			}
			d.publish(EventFailed, ev)
			log.Error("chunk failed after retries", logx.Int("attempts", attempts), logx.Err(out.Err))
			return 0, &DeliveryError{Chat: to.String(), Chunk: idx, Chunks: total, Outcome: transport.Transient, Attempts: attempts, Err: out.Err}
		}

		delay := cfg.backoff(failures)
		ev.Wait, ev.Error = delay, errString(out.Err)
		d.publish(EventRetry, ev)
		ev.Wait, ev.Error = 0, ""
		log.Warn("send failed; retrying", logx.Int("attempt", attempts), logx.Duration("backoff", delay), logx.Err(out.Err))
		d.metrics.Wait("backoff", delay)
		if err := d.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, cfg Config, to transport.ChatTarget, text string, replyTo int, photo *transport.PhotoSource) transport.Outcome {
	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if photo != nil {
		return d.sender.SendPhoto(cctx, transport.Photo{
			To:        to,
			Source:    *photo,
			Caption:   text,
			ParseMode: string(cfg.ParseMode),
			ReplyTo:   replyTo,
		})
	}
	return d.sender.SendMessage(cctx, transport.Message{
		To:             to,
		Text:           text,
		ParseMode:      string(cfg.ParseMode),
		ReplyTo:        replyTo,
		DisablePreview: cfg.DisablePreview,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return logx.Redact(err.Error())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
