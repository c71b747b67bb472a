package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Config is the file layout. Durations are Go duration strings ("2.5s",
// "5m"); zero values fall back to the documented defaults.
type Config struct {
	Telegram     TelegramConfig               `json:"telegram"`
	Delivery     DeliveryConfig               `json:"delivery"`
	Destinations map[string]DestinationConfig `json:"destinations,omitempty"`
	Publisher    PublisherConfig              `json:"publisher"`
	HTTP         HTTPConfig                   `json:"http"`
	Logging      LoggingConfig                `json:"logging"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through PEWPOST_TELEGRAM_TOKEN.
	// Without a token every send is logged instead of performed.
	Token              string `json:"token"`
	APIURL             string `json:"api_url,omitempty"`
	RequestTimeout     string `json:"request_timeout,omitempty"`
	DisableLinkPreview *bool  `json:"disable_link_preview,omitempty"`
}

// DeliveryConfig controls segmentation, rate limiting and retries.
//
// Defaults:
//   - parse_mode: HTML
//   - message_limit: 4096, caption_limit: 1024, min_chunk: 160
//   - number_chunks: true, link_label: "Read more"
//   - rate_per_sec: 25, burst: rate_per_sec
//   - on_error: raise, max_retries: 2
//   - retry_backoff: 2.5s, retry_max_delay: 30s, max_flood_wait: 5m
//   - send_timeout: 30s
//   - photo_fallback_to_text: true, caption_overflow: split
type DeliveryConfig struct {
	ParseMode    string `json:"parse_mode,omitempty"`
	MessageLimit int    `json:"message_limit,omitempty"`
	CaptionLimit int    `json:"caption_limit,omitempty"`
	MinChunk     *int   `json:"min_chunk,omitempty"`
	NumberChunks *bool  `json:"number_chunks,omitempty"`
	LinkLabel    string `json:"link_label,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	OnError       string `json:"on_error,omitempty"`
	MaxRetries    *int   `json:"max_retries,omitempty"`
	RetryBackoff  string `json:"retry_backoff,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	MaxFloodWait  string `json:"max_flood_wait,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	PhotoFallbackToText *bool  `json:"photo_fallback_to_text,omitempty"`
	CaptionOverflow     string `json:"caption_overflow,omitempty"`
	// AliasTTL bounds how long a resolved @username → id mapping is reused.
	AliasTTL string `json:"alias_ttl,omitempty"`
}

// DestinationConfig names a chat. In the file it is either a bare string
// ("@channel", "-100123", "https://t.me/channel/5") or an object with chat
// and thread_id.
type DestinationConfig struct {
	Chat     string `json:"chat"`
	ThreadID int    `json:"thread_id,omitempty"`
}

func (d *DestinationConfig) UnmarshalJSON(b []byte) error {
	if s := bytes.TrimSpace(b); len(s) > 0 && s[0] == '"' {
		var chat string
		if err := json.Unmarshal(s, &chat); err != nil {
			return err
		}
		*d = DestinationConfig{Chat: chat}
		return nil
	}
	type plain DestinationConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	*d = DestinationConfig(p)
	return nil
}

// PublisherConfig controls the async job queue.
type PublisherConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// HTTPConfig controls the HTTP API.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines to a chat. Chat accepts the same forms
// as a destination; a forum topic is addressed with a t.me/c/<id>/<topic>
// link or a configured destination name.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
