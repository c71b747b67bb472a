package app

import (
	"strings"

	"pewpost/internal/config"
	"pewpost/internal/delivery"
	"pewpost/internal/ratelimit"
	"pewpost/internal/transport"
	telegram "pewpost/internal/transport/telegram/adapter"
	logx "pewpost/pkg/logx"
)

// NewSender builds the telebot-backed Bot API client. Both return values
// are nil when no token is configured.
func NewSender(cfg *config.Config, log logx.Logger) (transport.Sender, transport.ChatLookup, error) {
	tok := strings.TrimSpace(cfg.Telegram.Token)
	if tok == "" {
		return nil, nil, nil
	}
	ad, err := telegram.New(telegram.Config{
		Token:          tok,
		APIURL:         cfg.Telegram.APIURL,
		RequestTimeout: cfg.Telegram.Timeout(),
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return ad, ad, nil
}

// NewDispatcher wires limiter, sender and dispatcher from cfg. It is used by
// the long-running app and by one-shot CLI commands.
func NewDispatcher(cfg *config.Config, log logx.Logger, opts ...delivery.Option) (*delivery.Dispatcher, *ratelimit.Limiter, error) {
	dc, err := config.ToDelivery(cfg)
	if err != nil {
		return nil, nil, err
	}
	sender, lookup, err := NewSender(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if lookup != nil {
		opts = append(opts, delivery.WithLookup(lookup))
	}
	limiter := ratelimit.New(cfg.Delivery.Limiter())
	return delivery.New(dc, sender, limiter, log, opts...), limiter, nil
}
