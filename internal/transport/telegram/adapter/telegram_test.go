package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

const testToken = "123456:SECRET-token"

func newTestAdapter(t *testing.T, h http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: testToken, APIURL: srv.URL, RequestTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, srv
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestSendMessageSuccess(t *testing.T) {
	t.Parallel()

	var got map[string]any
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bot"+testToken+"/sendMessage") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		reply(http.StatusOK, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`)(w, r)
	})

	out := a.SendMessage(context.Background(), kit.Message{
		To:        kit.ChatTarget{Chat: "-100", ThreadID: 7},
		Text:      "<b>hi</b>",
		ParseMode: "HTML",
	})
	if out.Kind != kit.Success || out.MessageID != 42 {
		t.Fatalf("outcome=%v", out)
	}
	want := map[string]string{"chat_id": "-100", "text": "<b>hi</b>", "parse_mode": "HTML", "message_thread_id": "7"}
	for k, v := range want {
		if fmt.Sprint(got[k]) != v {
			t.Fatalf("%s=%v want %q (body %v)", k, got[k], v, got)
		}
	}
}

func TestSendMessageClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		kind   kit.OutcomeKind
		after  time.Duration
	}{
		{"flood with retry_after", 429, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`, kit.RateLimited, 7 * time.Second},
		{"flood without parameters", 429, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`, kit.RateLimited, time.Second},
		{"server error", 500, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`, kit.Transient, 0},
		{"gateway html", 502, `<html>bad gateway</html>`, kit.Transient, 0},
		{"known bad request", 400, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, kit.Permanent, 0},
		{"unknown bad request", 400, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: odd tag at byte offset 3"}`, kit.Permanent, 0},
		{"forbidden", 403, `{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the channel chat"}`, kit.Permanent, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a, _ := newTestAdapter(t, reply(tc.status, tc.body))
			out := a.SendMessage(context.Background(), kit.Message{To: kit.ChatTarget{Chat: "@news_room"}, Text: "x"})
			if out.Kind != tc.kind {
				t.Fatalf("kind=%v want %v (%v)", out.Kind, tc.kind, out.Err)
			}
			if tc.after > 0 && out.RetryAfter != tc.after {
				t.Fatalf("retry_after=%s want %s", out.RetryAfter, tc.after)
			}
			if out.Err == nil {
				t.Fatalf("failure without error")
			}
		})
	}
}

func TestNetworkErrorIsTransientAndRedacted(t *testing.T) {
	t.Parallel()

	a, srv := newTestAdapter(t, reply(http.StatusOK, `{}`))
	srv.Close()

	out := a.SendMessage(context.Background(), kit.Message{To: kit.ChatTarget{Chat: "1"}, Text: "x"})
	if out.Kind != kit.Transient || out.Err == nil {
		t.Fatalf("outcome=%v", out)
	}
	if strings.Contains(out.Err.Error(), "SECRET-token") {
		t.Fatalf("token leaked: %v", out.Err)
	}
}

func TestCanceledContextSkipsCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		reply(http.StatusOK, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)(w, r)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := a.SendMessage(ctx, kit.Message{To: kit.ChatTarget{Chat: "1"}, Text: "x"})
	if out.Kind != kit.Transient || !errors.Is(out.Err, context.Canceled) || calls.Load() != 0 {
		t.Fatalf("outcome=%v calls=%d", out, calls.Load())
	}
}

const photoReply = `{"ok":true,"result":{"message_id":9,"date":0,"chat":{"id":1,"type":"private"},` +
	`"photo":[{"file_id":"AgAD","file_unique_id":"u1","width":90,"height":90}]}}`

func TestSendPhotoByURL(t *testing.T) {
	t.Parallel()

	var got map[string]any
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendPhoto") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		reply(http.StatusOK, photoReply)(w, r)
	})

	out := a.SendPhoto(context.Background(), kit.Photo{
		To:      kit.ChatTarget{Chat: "1"},
		Source:  kit.PhotoSource{Ref: "https://example.org/a.jpg"},
		Caption: "cap",
	})
	if out.Kind != kit.Success || out.MessageID != 9 {
		t.Fatalf("outcome=%v", out)
	}
	if got["photo"] != "https://example.org/a.jpg" || got["caption"] != "cap" {
		t.Fatalf("body=%v", got)
	}
}

func TestSendPhotoUpload(t *testing.T) {
	t.Parallel()

	var uploaded string
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			http.Error(w, "want multipart", http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("photo")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		uploaded = string(b)
		reply(http.StatusOK, photoReply)(w, r)
	})

	out := a.SendPhoto(context.Background(), kit.Photo{
		To:     kit.ChatTarget{Chat: "1"},
		Source: kit.PhotoSource{Data: []byte("\x89PNG-bytes"), Name: "a.png"},
	})
	if out.Kind != kit.Success || uploaded != "\x89PNG-bytes" {
		t.Fatalf("outcome=%v uploaded=%q", out, uploaded)
	}
}

func TestSendPhotoEmptySourceIsPermanent(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, reply(http.StatusOK, photoReply))
	if out := a.SendPhoto(context.Background(), kit.Photo{To: kit.ChatTarget{Chat: "1"}}); out.Kind != kit.Permanent {
		t.Fatalf("outcome=%v", out)
	}
}

func TestLookupChat(t *testing.T) {
	t.Parallel()

	var asked any
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		asked = body["chat_id"]
		if !strings.HasSuffix(r.URL.Path, "/getChat") {
			http.NotFound(w, r)
			return
		}
		reply(http.StatusOK, `{"ok":true,"result":{"id":-100123,"type":"channel","username":"news_room"}}`)(w, r)
	})

	id, err := a.LookupChat(context.Background(), "news_room")
	if err != nil || id != -100123 {
		t.Fatalf("id=%d err=%v", id, err)
	}
	if asked != "@news_room" {
		t.Fatalf("chat_id=%v", asked)
	}
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  *tele.Message
		err  error
		kind kit.OutcomeKind
	}{
		{"sent", &tele.Message{ID: 3}, nil, kit.Success},
		{"empty response", nil, nil, kit.Transient},
		{"typed forbidden", nil, tele.NewError(403, "Forbidden: bot was kicked"), kit.Permanent},
		{"typed flood without wait", nil, tele.NewError(429, "Too Many Requests"), kit.RateLimited},
		{"formatted bad gateway", nil, fmt.Errorf("telegram: Bad Gateway (502)"), kit.Transient},
		{"formatted bad request", nil, fmt.Errorf("telegram: Bad Request: wrong file id (400)"), kit.Permanent},
		{"no code", nil, errors.New("boom"), kit.Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if out := classify(tc.msg, tc.err); out.Kind != tc.kind {
				t.Fatalf("kind=%v want %v", out.Kind, tc.kind)
			}
		})
	}
}
