package segment

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"pewpost/internal/escape"
	"pewpost/internal/markup"
)

var (
	words = []string{
		"alpha", "beta", "gamma", "Привет", "мир", "😀😀", "x.y_z", "a&amp;b",
		"&lt;tag&gt;", strings.Repeat("long", 25), "end.",
	}
	tagNames = []string{"b", "i", "u", "s", "a", "code", "pre", "blockquote"}
)

func genMarkup(r *rand.Rand, depth int) string {
	var b strings.Builder
	n := 1 + r.Intn(7)
	for i := 0; i < n; i++ {
		switch k := r.Intn(10); {
		case k < 5:
			b.WriteString(words[r.Intn(len(words))])
			b.WriteByte(' ')
		case k == 5:
			b.WriteString("<br>")
		default:
			if depth > 3 {
				b.WriteString("flat ")
				continue
			}
			tag := tagNames[r.Intn(len(tagNames))]
			open := "<" + tag + ">"
			if tag == "a" {
				open = `<a href="https://example.com/p?q=1&amp;r=2">`
			}
			b.WriteString(open + genMarkup(r, depth+1) + "</" + tag + ">")
		}
	}
	return b.String()
}

func squash(s string) string { return strings.Join(strings.Fields(s), "") }

// checkChunks verifies size, balance and entity integrity of every chunk.
func checkChunks(t *testing.T, chunks []Chunk, opt Options) {
	t.Helper()
	for i, c := range chunks {
		if n := markup.UTF16Len(c.Text); n > opt.limitFor(i) {
			t.Fatalf("chunk %d length %d exceeds %d: %q", i, n, opt.limitFor(i), c.Text)
		}
		var stack []string
		for _, tok := range markup.Tokenize(c.Text) {
			switch tok.Kind {
			case markup.TagOpen:
				stack = append(stack, tok.Name)
			case markup.TagClose:
				if len(stack) == 0 || stack[len(stack)-1] != tok.Name {
					t.Fatalf("chunk %d: unbalanced </%s> in %q", i, tok.Name, c.Text)
				}
				stack = stack[:len(stack)-1]
			case markup.Text:
				for j := 0; j < len(tok.Raw); j++ {
					if tok.Raw[j] == '&' && markup.EntityLen(tok.Raw[j:]) == 0 {
						t.Fatalf("chunk %d: cut entity at %d in %q", i, j, c.Text)
					}
				}
			}
		}
		if len(stack) != 0 {
			t.Fatalf("chunk %d: unclosed %v in %q", i, stack, c.Text)
		}
		if strings.TrimSpace(markup.VisibleText(c.Text)) == "" {
			t.Fatalf("chunk %d has no visible text", i)
		}
	}
}

func TestSplitProperties(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(7))
	limits := []Options{
		{Limit: 64},
		{Limit: 80},
		{Limit: 150},
		{Limit: 300, FirstLimit: 64},
	}
	for iter := 0; iter < 300; iter++ {
		var b strings.Builder
		for b.Len() < 200+r.Intn(1500) {
			b.WriteString(genMarkup(r, 0))
		}
		src := b.String()
		for _, opt := range limits {
			chunks, err := Split(src, opt)
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			checkChunks(t, chunks, opt)

			var got strings.Builder
			for _, c := range chunks {
				got.WriteString(markup.VisibleText(c.Text))
			}
			if squash(got.String()) != squash(markup.VisibleText(src)) {
				t.Fatalf("visible text changed (limit %d) for %q", opt.Limit, src)
			}
		}
	}
}

func TestSplitShortInputIsOneChunk(t *testing.T) {
	t.Parallel()

	chunks, err := Split("<b>hi</b> there", Options{Limit: 4096, Number: true})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "<b>hi</b> there" {
		t.Fatalf("chunks=%#v", chunks)
	}
	if chunks[0].VisibleLength != 8 {
		t.Fatalf("VisibleLength=%d want 8", chunks[0].VisibleLength)
	}
}

func TestSplitKeepsLinkWhole(t *testing.T) {
	t.Parallel()

	link := `<a href="https://e.io">link text here</a>`
	src := strings.Repeat("word ", 6) + link
	chunks, err := Split(src, Options{Limit: 64})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	got := Texts(chunks)
	want := []string{strings.Repeat("word ", 6), link}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSplitOversizedCodeBlockIsReopened(t *testing.T) {
	t.Parallel()

	src := "<pre>" + strings.Repeat("line of code\n", 30) + "</pre>"
	opt := Options{Limit: 100}
	chunks, err := Split(src, opt)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 4 {
		t.Fatalf("expected the block to be split, got %d chunks", len(chunks))
	}
	checkChunks(t, chunks, opt)
	for i, c := range chunks {
		if !strings.HasPrefix(c.Text, "<pre>") || !strings.HasSuffix(c.Text, "</pre>") {
			t.Fatalf("chunk %d not wrapped in pre: %q", i, c.Text)
		}
	}
}

func TestSplitReopensFormatting(t *testing.T) {
	t.Parallel()

	src := "<b><i>" + strings.Repeat("bold ", 40) + "</i></b>"
	chunks, err := Split(src, Options{Limit: 64})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i, c := range chunks {
		if !strings.HasPrefix(c.Text, "<b><i>") || !strings.HasSuffix(c.Text, "</i></b>") {
			t.Fatalf("chunk %d lost formatting: %q", i, c.Text)
		}
	}
}

func TestSplitNeverCutsEntities(t *testing.T) {
	t.Parallel()

	src := strings.Repeat("&amp;", 50)
	opt := Options{Limit: 64}
	chunks, err := Split(src, opt)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	checkChunks(t, chunks, opt)
	total := 0
	for _, c := range chunks {
		total += strings.Count(c.Text, "&amp;")
		if len(c.Text)%5 != 0 {
			t.Fatalf("partial entity in %q", c.Text)
		}
	}
	if total != 50 {
		t.Fatalf("entities=%d want 50", total)
	}
}

func TestSplitEscapesStrayMarkup(t *testing.T) {
	t.Parallel()

	chunks, err := Split("1 < 2 & 3", Options{Limit: 64})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "1 &lt; 2 &amp; 3" {
		t.Fatalf("chunks=%#v", chunks)
	}
}

func TestSplitDiscardsInvisibleChunks(t *testing.T) {
	t.Parallel()

	chunks, err := Split("<b> </b><br><br>", Options{Limit: 64})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %#v", chunks)
	}
}

var numbered = regexp.MustCompile(`^\((\d+)/(\d+)\) `)

func TestSplitNumbersChunks(t *testing.T) {
	t.Parallel()

	src := "<b>Заголовок</b><br><br>" + strings.Repeat("Длинный абзац текста для проверки разбиения. ", 110)
	opt := Options{Limit: 1000, Number: true}
	chunks, err := Split(src, opt)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	checkChunks(t, chunks, opt)
	for i, c := range chunks {
		m := numbered.FindStringSubmatch(c.Text)
		if m == nil {
			t.Fatalf("chunk %d has no number: %.40q", i, c.Text)
		}
		if m[1] != fmt.Sprint(i+1) || m[2] != fmt.Sprint(len(chunks)) {
			t.Fatalf("chunk %d numbered %s/%s", i, m[1], m[2])
		}
	}
}

func TestSplitNumberingWidensWithCount(t *testing.T) {
	t.Parallel()

	src := strings.Repeat("word ", 400)
	opt := Options{Limit: 64, Number: true}
	chunks, err := Split(src, opt)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 10 {
		t.Fatalf("expected two-digit numbering, got %d chunks", len(chunks))
	}
	checkChunks(t, chunks, opt)
	last := chunks[len(chunks)-1].Text
	if !strings.HasPrefix(last, fmt.Sprintf("(%d/%d) ", len(chunks), len(chunks))) {
		t.Fatalf("last chunk prefix: %.20q", last)
	}
}

func TestSplitPlainMode(t *testing.T) {
	t.Parallel()

	src := strings.Repeat("v1.2 (beta) - fix_it! ", 20)
	opt := Options{Limit: 64, Mode: ModePlain}
	chunks, err := Split(src, opt)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	unescape := regexp.MustCompile(`\\(.)`)
	var got strings.Builder
	for i, c := range chunks {
		if n := markup.UTF16Len(c.Text); n > 64 {
			t.Fatalf("chunk %d length %d", i, n)
		}
		if escape.TrimDangling(c.Text) != c.Text {
			t.Fatalf("chunk %d ends mid escape: %q", i, c.Text)
		}
		got.WriteString(unescape.ReplaceAllString(c.Text, "$1"))
	}
	if squash(got.String()) != squash(src) {
		t.Fatalf("text changed")
	}
}

func TestSplitFirstLimit(t *testing.T) {
	t.Parallel()

	opt := Options{Limit: 200, FirstLimit: 64}
	chunks, err := Split(strings.Repeat("caption text ", 60), opt)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	checkChunks(t, chunks, opt)
	if markup.UTF16Len(chunks[0].Text) > 64 || markup.UTF16Len(chunks[1].Text) <= 64 {
		t.Fatalf("first=%d second=%d", markup.UTF16Len(chunks[0].Text), markup.UTF16Len(chunks[1].Text))
	}
}

func TestSplitRejectsTinyLimit(t *testing.T) {
	t.Parallel()

	if _, err := Split("x", Options{Limit: 10}); !errors.Is(err, ErrLimitTooSmall) {
		t.Fatalf("err=%v", err)
	}
	if _, err := Split("x", Options{Limit: 100, FirstLimit: 5}); !errors.Is(err, ErrLimitTooSmall) {
		t.Fatalf("err=%v", err)
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	opt := Options{Limit: 64, MinLength: 5}
	got := merge([]string{"a", "b", "c"}, opt, 0)
	if fmt.Sprint(got) != fmt.Sprint([]string{"a\n\nb", "c"}) {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("x", 63)
	got = merge([]string{"a", long}, opt, 0)
	if len(got) != 2 {
		t.Fatalf("merge exceeded limit: %q", got)
	}

	got = merge([]string{"long enough", "b"}, opt, 0)
	if len(got) != 2 {
		t.Fatalf("merged a chunk above the threshold: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	out, cut, err := Truncate("<b>"+strings.Repeat("bold ", 40)+"</b>", 64, ModeHTML)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if !cut || !strings.HasSuffix(out, "</b>…") || markup.UTF16Len(out) > 64 {
		t.Fatalf("out=%q cut=%v", out, cut)
	}

	out, cut, err = Truncate(strings.Repeat("a.", 60), 64, ModePlain)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	body := strings.TrimSuffix(out, "…")
	if !cut || escape.TrimDangling(body) != body || markup.UTF16Len(out) > 64 {
		t.Fatalf("out=%q cut=%v", out, cut)
	}

	out, cut, _ = Truncate("short", 64, ModeHTML)
	if cut || out != "short" {
		t.Fatalf("out=%q cut=%v", out, cut)
	}
}
