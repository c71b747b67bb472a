package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"pewpost/internal/delivery"
	"pewpost/internal/escape"
	"pewpost/internal/segment"
	logx "pewpost/pkg/logx"
)

// Validate checks every field and reports all problems at once, each
// prefixed with its key path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(path, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{path}, args...)...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	t := cfg.Telegram
	if s := strings.TrimSpace(t.APIURL); s != "" {
		if u, err := url.Parse(s); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("telegram.api_url", "must be an http(s) URL")
		}
	}
	dur("telegram.request_timeout", t.RequestTimeout)

	d := cfg.Delivery
	if d.ParseMode != "" {
		if _, ok := escape.ParseMode(d.ParseMode); !ok {
			add("delivery.parse_mode", "unknown parse mode %q (want HTML or MarkdownV2)", d.ParseMode)
		}
	}
	if d.MessageLimit != 0 && d.MessageLimit < segment.MinLimit {
		add("delivery.message_limit", "must be at least %d", segment.MinLimit)
	}
	if d.CaptionLimit != 0 && d.CaptionLimit < segment.MinLimit {
		add("delivery.caption_limit", "must be at least %d", segment.MinLimit)
	}
	if d.MinChunk != nil && *d.MinChunk < 0 {
		add("delivery.min_chunk", "must be >= 0")
	}
	if d.RatePerSec < 0 {
		add("delivery.rate_per_sec", "must be >= 0")
	}
	if d.Burst < 0 {
		add("delivery.burst", "must be >= 0")
	}
	if _, err := delivery.ParsePolicy(d.OnError); err != nil {
		add("delivery.on_error", "%v", err)
	}
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		add("delivery.max_retries", "must be >= 0")
	}
	dur("delivery.retry_backoff", d.RetryBackoff)
	dur("delivery.retry_max_delay", d.RetryMaxDelay)
	dur("delivery.max_flood_wait", d.MaxFloodWait)
	dur("delivery.send_timeout", d.SendTimeout)
	dur("delivery.alias_ttl", d.AliasTTL)
	if _, err := delivery.ParseOverflow(d.CaptionOverflow); err != nil {
		add("delivery.caption_overflow", "%v", err)
	}

	names := make([]string, 0, len(cfg.Destinations))
	for name := range cfg.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dst := cfg.Destinations[name]
		path := "destinations." + name
		if strings.TrimSpace(name) == "" {
			add("destinations", "empty name")
			continue
		}
		if _, err := delivery.ParseDestination(dst.Chat); err != nil {
			add(path, "%v", err)
		}
		if dst.ThreadID < 0 {
			add(path+".thread_id", "must be >= 0")
		}
	}

	p := cfg.Publisher
	if p.Workers < 0 {
		add("publisher.workers", "must be >= 0")
	}
	if p.QueueSize < 0 {
		add("publisher.queue_size", "must be >= 0")
	}
	if p.HistorySize < 0 {
		add("publisher.history_size", "must be >= 0")
	}
	if p.DedupMaxEntries < 0 {
		add("publisher.dedup_max_entries", "must be >= 0")
	}
	dur("publisher.dedup_window", p.DedupWindow)

	h := cfg.HTTP
	if s := strings.TrimSpace(h.Addr); s != "" {
		if _, _, err := net.SplitHostPort(s); err != nil {
			add("http.addr", "%v", err)
		}
	}
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.write_timeout", h.WriteTimeout)
	dur("http.idle_timeout", h.IdleTimeout)

	l := cfg.Logging
	if !logx.ValidLevel(l.Level) {
		add("logging.level", "unknown level %q", l.Level)
	}
	if !logx.ValidLevel(l.Telegram.MinLevel) {
		add("logging.telegram.min_level", "unknown level %q", l.Telegram.MinLevel)
	}
	if l.Telegram.RatePerSec < 0 {
		add("logging.telegram.rate_per_sec", "must be >= 0")
	}
	if l.Telegram.Enabled {
		if chat := strings.TrimSpace(l.Telegram.Chat); chat == "" {
			add("logging.telegram.chat", "required when enabled")
		} else if !hasDestination(cfg, chat) {
			if _, err := delivery.ParseDestination(chat); err != nil {
				add("logging.telegram.chat", "%v", err)
			}
		}
	}

	return errors.Join(errs...)
}
