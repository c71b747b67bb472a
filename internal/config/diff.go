package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewpost/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed settings that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)
	var restart []string

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	if tokenChanged ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.Timeout() != nt.Timeout() ||
		!reflect.DeepEqual(ot.DisableLinkPreview, nt.DisableLinkPreview) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Duration("telegram.request_timeout", nt.Timeout()),
		)
		if tokenChanged {
			restart = append(restart, "telegram.token")
		}
		if strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) {
			restart = append(restart, "telegram.api_url")
		}
		if ot.Timeout() != nt.Timeout() {
			restart = append(restart, "telegram.request_timeout")
		}
	}

	// Delivery
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		nd := newCfg.Delivery
		rate, burst := nd.Limiter()
		attrs = append(attrs,
			logx.String("delivery.parse_mode", nd.ParseMode),
			logx.Int("delivery.message_limit", nd.MessageLimit),
			logx.Int("delivery.caption_limit", nd.CaptionLimit),
			logx.Float64("delivery.rate_per_sec", rate),
			logx.Int("delivery.burst", burst),
			logx.String("delivery.on_error", nd.OnError),
		)
	}

	// Destinations (names only)
	if added, removed, modified := diffDestinations(oldCfg.Destinations, newCfg.Destinations); added+removed+modified > 0 {
		changed = append(changed, "destinations")
		attrs = append(attrs,
			logx.Int("destinations.count", len(newCfg.Destinations)),
			logx.Int("destinations.added", added),
			logx.Int("destinations.removed", removed),
			logx.Int("destinations.modified", modified),
		)
	}

	// Publisher
	op, np := oldCfg.Publisher, newCfg.Publisher
	if op != np {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.Bool("publisher.enabled", np.Enabled),
			logx.Int("publisher.workers", np.Workers),
			logx.Int("publisher.queue_size", np.QueueSize),
			logx.Int("publisher.history_size", np.HistorySize),
			logx.String("publisher.dedup_window", strings.TrimSpace(np.DedupWindow)),
		)
		if op.Enabled == np.Enabled && (op.Workers != np.Workers || op.QueueSize != np.QueueSize) {
			restart = append(restart, "publisher.workers/queue_size")
		}
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled ||
		strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.AllowInsecure != nh.AllowInsecure ||
		oh.Pprof != nh.Pprof ||
		strings.TrimSpace(oh.ReadTimeout) != strings.TrimSpace(nh.ReadTimeout) ||
		strings.TrimSpace(oh.WriteTimeout) != strings.TrimSpace(nh.WriteTimeout) ||
		strings.TrimSpace(oh.IdleTimeout) != strings.TrimSpace(nh.IdleTimeout) ||
		strings.TrimSpace(oh.Token) != strings.TrimSpace(nh.Token) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		nl := newCfg.Logging
		attrs = append(attrs,
			logx.String("logx.level", nl.Level),
			logx.Bool("logx.console", nl.Console),
			logx.Bool("logx.json", nl.JSON),
			logx.Bool("logx.file_enabled", nl.File.Enabled),
			logx.Bool("logx.telegram_enabled", nl.Telegram.Enabled),
			logx.String("logx.telegram_min_level", nl.Telegram.MinLevel),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}

func diffDestinations(oldM, newM map[string]DestinationConfig) (added, removed, modified int) {
	for name, o := range oldM {
		n, ok := newM[name]
		switch {
		case !ok:
			removed++
		case n != o:
			modified++
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			added++
		}
	}
	return added, removed, modified
}
