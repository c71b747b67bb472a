package config

import (
	"os"
	"strings"
	"time"

	"pewpost/internal/delivery"
	"pewpost/internal/escape"
	"pewpost/internal/httpapi"
	"pewpost/internal/publisher"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

const (
	// EnvToken overrides telegram.token when set.
	EnvToken = "PEWPOST_TELEGRAM_TOKEN"

	DefaultRatePerSec     = 25
	DefaultRequestTimeout = 30 * time.Second
)

// applyEnv copies environment overrides into cfg.
func applyEnv(cfg *Config) {
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
}

// Default is the config used when no file is given: every setting at its
// default, with environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	return cfg
}

func (t TelegramConfig) Timeout() time.Duration {
	d, err := ParseDurationOrDefault("telegram.request_timeout", t.RequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return DefaultRequestTimeout
	}
	return d
}

// Limiter returns the shared token bucket settings.
func (d DeliveryConfig) Limiter() (ratePerSec float64, burst int) {
	ratePerSec = d.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = DefaultRatePerSec
	}
	burst = d.Burst
	if burst <= 0 {
		burst = max(1, int(ratePerSec))
	}
	return ratePerSec, burst
}

// ToDelivery builds the dispatcher config. cfg must have passed Validate.
func ToDelivery(cfg *Config) (delivery.Config, error) {
	out := delivery.DefaultConfig()
	d := cfg.Delivery

	if d.ParseMode != "" {
		if m, ok := escape.ParseMode(d.ParseMode); ok {
			out.ParseMode = m
		}
	}
	if d.MessageLimit > 0 {
		out.MessageLimit = d.MessageLimit
	}
	if d.CaptionLimit > 0 {
		out.CaptionLimit = d.CaptionLimit
	}
	if d.MinChunk != nil {
		out.MinChunk = *d.MinChunk
	}
	if d.NumberChunks != nil {
		out.NumberChunks = *d.NumberChunks
	}
	if s := strings.TrimSpace(d.LinkLabel); s != "" {
		out.LinkLabel = s
	}
	if cfg.Telegram.DisableLinkPreview != nil {
		out.DisablePreview = *cfg.Telegram.DisableLinkPreview
	}

	var err error
	if out.OnError, err = delivery.ParsePolicy(d.OnError); err != nil {
		return delivery.Config{}, err
	}
	if d.MaxRetries != nil {
		out.MaxRetries = *d.MaxRetries
	}
	durations := []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"delivery.retry_backoff", d.RetryBackoff, &out.RetryBackoff},
		{"delivery.retry_max_delay", d.RetryMaxDelay, &out.RetryMaxDelay},
		{"delivery.max_flood_wait", d.MaxFloodWait, &out.MaxFloodWait},
		{"delivery.send_timeout", d.SendTimeout, &out.SendTimeout},
		{"delivery.alias_ttl", d.AliasTTL, &out.AliasTTL},
	}
	for _, f := range durations {
		if *f.dst, err = ParseDurationOrDefault(f.path, f.raw, *f.dst); err != nil {
			return delivery.Config{}, err
		}
	}
	if d.PhotoFallbackToText != nil {
		out.PhotoFallback = *d.PhotoFallbackToText
	}
	if out.CaptionOverflow, err = delivery.ParseOverflow(d.CaptionOverflow); err != nil {
		return delivery.Config{}, err
	}

	if len(cfg.Destinations) > 0 {
		out.Destinations = make(map[string]transport.ChatTarget, len(cfg.Destinations))
		for name, dst := range cfg.Destinations {
			t, err := delivery.ParseDestination(dst.Chat)
			if err != nil {
				return delivery.Config{}, err
			}
			if dst.ThreadID > 0 {
				t.ThreadID = dst.ThreadID
			}
			out.Destinations[name] = t
		}
	}
	return out, nil
}

func ToPublisher(cfg *Config) (publisher.Config, error) {
	p := cfg.Publisher
	window, err := ParseDurationField("publisher.dedup_window", p.DedupWindow)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		Enabled:         p.Enabled,
		Workers:         p.Workers,
		QueueSize:       p.QueueSize,
		HistorySize:     p.HistorySize,
		DedupWindow:     window,
		DedupMaxEntries: p.DedupMaxEntries,
	}, nil
}

func ToHTTP(cfg *Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// Zero keeps the write deadline off so /debug/pprof/profile can stream.
	if out.WriteTimeout, err = ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// ToLogging maps the logging section. A chat naming a configured
// destination is passed through and resolved by the dispatcher.
func ToLogging(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Chat:       strings.TrimSpace(l.Telegram.Chat),
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func hasDestination(cfg *Config, name string) bool {
	for k := range cfg.Destinations {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
