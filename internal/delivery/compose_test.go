package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"pewpost/internal/escape"
	"pewpost/internal/markup"
	"pewpost/internal/ratelimit"
	"pewpost/internal/segment"
	"pewpost/internal/transport"
	logx "pewpost/pkg/logx"
)

func TestCompose(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		item Item
		mode escape.Mode
		want string
		seg  segment.Mode
	}{
		{
			name: "html",
			item: Item{Title: "A & B", Body: "<p>Hello</p>", URL: "https://x.io/a?b=1&c=2"},
			mode: escape.ModeHTML,
			want: `<b>A &amp; B</b><br><br>Hello<br><br><a href="https://x.io/a?b=1&amp;c=2">Read more</a>`,
			seg:  segment.ModeHTML,
		},
		{
			name: "html without title or link",
			item: Item{Body: "<div>x</div><script>bad()</script>"},
			mode: escape.ModeHTML,
			want: "x",
			seg:  segment.ModeHTML,
		},
		{
			name: "markdown body",
			item: Item{Title: "T", Body: "**bold** and _it_", Format: markup.FormatMarkdown},
			mode: escape.ModeHTML,
			want: "<b>T</b><br><br><b>bold</b> and <i>it</i>",
			seg:  segment.ModeHTML,
		},
		{
			name: "markdownv2 flattens",
			item: Item{Title: "Hi", Body: "<b>x</b> &amp; y", URL: "https://e.x"},
			mode: escape.ModeMarkdownV2,
			want: "Hi\n\nx & y\n\nRead more: https://e.x",
			seg:  segment.ModePlain,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, seg, err := Compose(tc.item, tc.mode, "")
			if err != nil {
				t.Fatalf("Compose: %v", err)
			}
			if got != tc.want || seg != tc.seg {
				t.Fatalf("got %q (%v) want %q (%v)", got, seg, tc.want, tc.seg)
			}
		})
	}
}

func TestComposeCustomLabel(t *testing.T) {
	t.Parallel()

	got, _, err := Compose(Item{Body: "b", URL: "https://e.x"}, escape.ModeHTML, "Source")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if want := `b<br><br><a href="https://e.x">Source</a>`; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestParseDestination(t *testing.T) {
	t.Parallel()

	ok := []struct {
		in     string
		chat   string
		thread int
	}{
		{"-1001234", "-1001234", 0},
		{"12345", "12345", 0},
		{"@news_room", "@news_room", 0},
		{"news_room", "@news_room", 0},
		{"https://t.me/news_room", "@news_room", 0},
		{"t.me/news_room/42", "@news_room", 42},
		{"https://t.me/c/1234/56", "-1001234", 56},
		{"http://telegram.me/news_room/", "@news_room", 0},
	}
	for _, tc := range ok {
		got, err := ParseDestination(tc.in)
		if err != nil || got.Chat != tc.chat || got.ThreadID != tc.thread {
			t.Fatalf("ParseDestination(%q)=%+v,%v want %s/%d", tc.in, got, err, tc.chat, tc.thread)
		}
	}
	for _, in := range []string{"", "@ab", "t.me/c/x", "t.me/news_room/abc", "bad name!", "t.me/news_room/1/2", "_under"} {
		if _, err := ParseDestination(in); !errors.Is(err, ErrNoDestination) {
			t.Fatalf("ParseDestination(%q) err=%v", in, err)
		}
	}
}

type countingLookup struct {
	calls int
	err   error
}

func (l *countingLookup) LookupChat(_ context.Context, username string) (int64, error) {
	l.calls++
	if l.err != nil {
		return 0, l.err
	}
	if username != "@channel" {
		return 0, errors.New("unexpected username " + username)
	}
	return -100777, nil
}

func TestAliasCache(t *testing.T) {
	t.Parallel()

	lk := &countingLookup{}
	d := New(DefaultConfig(), nil, nil, logx.Nop(), WithLookup(lk))
	for i := 0; i < 3; i++ {
		got, err := d.Resolve(context.Background(), "https://t.me/channel/9")
		if err != nil || got.Chat != "-100777" || got.ThreadID != 9 {
			t.Fatalf("got=%+v err=%v", got, err)
		}
	}
	if lk.calls != 1 {
		t.Fatalf("lookups=%d want 1", lk.calls)
	}
	if got, _ := d.Resolve(context.Background(), "-1005"); got.Chat != "-1005" || lk.calls != 1 {
		t.Fatalf("numeric ids must skip the lookup: %+v", got)
	}
}

func TestAliasCacheFallsBackToUsername(t *testing.T) {
	t.Parallel()

	lk := &countingLookup{err: errors.New("chat not found")}
	d := New(DefaultConfig(), nil, nil, logx.Nop(), WithLookup(lk))
	got, err := d.Resolve(context.Background(), "@channel")
	if err != nil || got != (transport.ChatTarget{Chat: "@channel"}) {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestAliasLookupTakesLimiterPermit(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(0.01, 1)
	if err := lim.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lk := &countingLookup{}
	d := New(DefaultConfig(), nil, lim, logx.Nop(), WithLookup(lk))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := d.Resolve(ctx, "@channel")
	if err != nil || got.Chat != "@channel" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	if lk.calls != 0 {
		t.Fatalf("lookup ran without a permit: calls=%d", lk.calls)
	}

	d = New(DefaultConfig(), nil, ratelimit.New(100, 1), logx.Nop(), WithLookup(lk))
	if got, _ := d.Resolve(context.Background(), "@channel"); got.Chat != "-100777" || lk.calls != 1 {
		t.Fatalf("got=%+v calls=%d", got, lk.calls)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	cases := map[string]Policy{"": PolicyRaise, "retry": PolicyRetry, "IGNORE": PolicyDrop, "drop": PolicyDrop, "raise": PolicyRaise}
	for in, want := range cases {
		if got, err := ParsePolicy(in); err != nil || got != want {
			t.Fatalf("ParsePolicy(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParsePolicy("panic"); err == nil {
		t.Fatalf("expected error")
	}
	if got, err := ParseOverflow("Truncate"); err != nil || got != OverflowTruncate {
		t.Fatalf("ParseOverflow=%q,%v", got, err)
	}
}
