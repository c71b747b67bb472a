// Package adapter implements transport.Sender on top of telebot.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

type Config struct {
	Token          string
	APIURL         string
	RequestTimeout time.Duration
}

// Adapter sends through a telebot.Bot that never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logx.RegisterSecret(cfg.Token)
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, errors.New(logx.Redact(err.Error()))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}, nil
}

// recipient addresses a chat by numeric id or @username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func sendOptions(parseMode string, to kit.ChatTarget, replyTo int, noPreview bool) *tele.SendOptions {
	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(parseMode),
		DisableWebPagePreview: noPreview,
		ThreadID:              to.ThreadID,
	}
	if replyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: replyTo}
	}
	return opt
}

func (a *Adapter) SendMessage(ctx context.Context, m kit.Message) kit.Outcome {
	if err := ctx.Err(); err != nil {
		return kit.Retryable(err)
	}
	msg, err := a.bot.Send(recipient(m.To.Chat), m.Text, sendOptions(m.ParseMode, m.To, m.ReplyTo, m.DisablePreview))
	return classify(msg, err)
}

func (a *Adapter) SendPhoto(ctx context.Context, p kit.Photo) kit.Outcome {
	if err := ctx.Err(); err != nil {
		return kit.Retryable(err)
	}
	photo := &tele.Photo{Caption: p.Caption}
	switch {
	case len(p.Source.Data) > 0:
		photo.File = tele.FromReader(bytes.NewReader(p.Source.Data))
	case strings.HasPrefix(p.Source.Ref, "http://"), strings.HasPrefix(p.Source.Ref, "https://"):
		photo.File = tele.FromURL(p.Source.Ref)
	case p.Source.Ref != "":
		photo.File = tele.File{FileID: p.Source.Ref}
	default:
		return kit.Fatal(errors.New("telegram: empty photo source"))
	}
	msg, err := a.bot.Send(recipient(p.To.Chat), photo, sendOptions(p.ParseMode, p.To, p.ReplyTo, false))
	return classify(msg, err)
}

func (a *Adapter) LookupChat(ctx context.Context, username string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !strings.HasPrefix(username, "@") {
		username = "@" + username
	}
	chat, err := a.bot.ChatByUsername(username)
	if err != nil {
		return 0, errors.New(logx.Redact(err.Error()))
	}
	return chat.ID, nil
}

// telebot reports API errors it has no sentinel for as "telegram: <desc> (<code>)".
var trailingCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classify(msg *tele.Message, err error) kit.Outcome {
	if err == nil {
		if msg == nil {
			return kit.Retryable(errors.New("telegram: empty response"))
		}
		return kit.Sent(msg.ID)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.Flood(retryAfter(flood.RetryAfter), err)
	}
	var pflood *tele.FloodError
	if errors.As(err, &pflood) && pflood != nil {
		return kit.Flood(retryAfter(pflood.RetryAfter), err)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := trailingCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	clean := errors.New(logx.Redact(err.Error()))
	switch {
	case code == http.StatusTooManyRequests:
		return kit.Flood(time.Second, clean)
	case code >= 500 || code == 0:
		return kit.Retryable(clean)
	default:
		return kit.Fatal(clean)
	}
}

func retryAfter(sec int) time.Duration {
	if sec <= 0 {
		return time.Second
	}
	return time.Duration(sec) * time.Second
}
