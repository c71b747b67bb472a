package markup

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

type pieceKind uint8

const (
	pieceText pieceKind = iota
	pieceOpen
	pieceClose
	pieceBreak
)

type piece struct {
	kind pieceKind
	name string
	text string
}

type openFrame struct {
	name string
	idx  int // index of the opening piece in out
}

type sanitizer struct {
	out     []piece
	stack   []openFrame
	pending int // line breaks requested by block elements, emitted before the next content
	skip    int // depth inside elements whose content is dropped
	ignored int // malformed or unsupported tags seen
}

// Sanitize reduces s to the allowed vocabulary. Text is NFC-normalized and
// re-escaped so only &amp;, &lt; and &gt; entities remain.
func Sanitize(s string) string {
	out, _ := sanitize(s)
	return out
}

// SanitizeReport is Sanitize that also returns how many tags were stripped.
func SanitizeReport(s string) (string, int) {
	return sanitize(s)
}

func sanitize(s string) (string, int) {
	if s == "" {
		return "", 0
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var st sanitizer
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			st.finish()
			return st.render(), st.ignored
		case html.TextToken:
			if st.skip > 0 {
				continue
			}
			st.text(string(z.Text()))
		case html.StartTagToken, html.SelfClosingTagToken:
			st.start(z.Token(), tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			st.end(z.Token().Data)
		default:
			// comments, doctypes
			st.ignored++
		}
	}
}

func (st *sanitizer) start(tok html.Token, selfClosing bool) {
	name := tok.Data
	if dropContent[name] {
		if !selfClosing {
			st.skip++
		}
		st.ignored++
		return
	}
	if st.skip > 0 {
		return
	}
	if n, ok := blockBreaks[name]; ok {
		st.boundary(n)
		return
	}
	c := Canonical(name)
	switch {
	case c == "":
		st.ignored++
		return
	case c == TagBreak:
		st.lineBreak()
		return
	case selfClosing, !st.permits(c):
		st.ignored++
		return
	}

	rendered := "<" + c + ">"
	switch c {
	case TagLink:
		href := strings.TrimSpace(attr(tok, "href"))
		if !linkAllowed(href) {
			st.ignored++
			return
		}
		rendered = `<a href="` + escapeAttr(href) + `">`
	case TagCode:
		if st.top() == TagPre {
			if lang := strings.TrimSpace(attr(tok, "class")); validLanguage(lang) {
				rendered = `<code class="` + lang + `">`
			}
		}
	}

	st.flushPending()
	st.out = append(st.out, piece{kind: pieceOpen, name: c, text: rendered})
	st.stack = append(st.stack, openFrame{name: c, idx: len(st.out) - 1})
}

func (st *sanitizer) end(name string) {
	if dropContent[name] {
		if st.skip > 0 {
			st.skip--
		}
		return
	}
	if st.skip > 0 {
		return
	}
	if n, ok := blockBreaks[name]; ok {
		st.boundary(n)
		return
	}
	c := Canonical(name)
	if c == "" || c == TagBreak {
		return
	}
	i := len(st.stack) - 1
	for i >= 0 && st.stack[i].name != c {
		i--
	}
	if i < 0 {
		// dangling closer
		st.ignored++
		return
	}
	if c != TagPre {
		for j := i + 1; j < len(st.stack); j++ {
			if st.stack[j].name == TagCode {
				// literal closer inside code
				st.ignored++
				return
			}
		}
	}
	for len(st.stack) > i {
		st.closeTop()
	}
}

// permits reports whether c may be opened at the current nesting.
func (st *sanitizer) permits(c string) bool {
	for _, f := range st.stack {
		switch {
		case f.name == TagCode:
			return false
		case f.name == TagPre && c != TagCode:
			return false
		case f.name == c && (c == TagLink || c == TagBlockquote || c == TagPre):
			return false
		}
	}
	if c == TagCode && st.inside(TagPre) && st.top() != TagPre {
		return false
	}
	return true
}

func (st *sanitizer) inside(name string) bool {
	for _, f := range st.stack {
		if f.name == name {
			return true
		}
	}
	return false
}

func (st *sanitizer) top() string {
	if len(st.stack) == 0 {
		return ""
	}
	return st.stack[len(st.stack)-1].name
}

func (st *sanitizer) closeTop() {
	f := st.stack[len(st.stack)-1]
	st.stack = st.stack[:len(st.stack)-1]
	if f.idx == len(st.out)-1 {
		// empty element
		st.out = st.out[:f.idx]
		return
	}
	st.out = append(st.out, piece{kind: pieceClose, name: f.name})
}

func (st *sanitizer) text(t string) {
	t = norm.NFC.String(t)
	if st.atLineStart() {
		t = strings.TrimLeft(t, " \t\r\n\u00a0")
	}
	if t == "" {
		return
	}
	st.flushPending()
	st.out = append(st.out, piece{kind: pieceText, text: EscapeText(t)})
}

func (st *sanitizer) atLineStart() bool {
	if st.pending > 0 || len(st.out) == 0 {
		return true
	}
	return st.out[len(st.out)-1].kind == pieceBreak
}

func (st *sanitizer) boundary(n int) {
	if n > st.pending {
		st.pending = n
	}
}

func (st *sanitizer) lineBreak() {
	st.flushPending()
	if !st.hasContent() || st.trailingBreaks() >= 2 {
		return
	}
	st.out = append(st.out, piece{kind: pieceBreak})
}

func (st *sanitizer) flushPending() {
	n := st.pending
	if n == 0 {
		return
	}
	st.pending = 0
	if !st.hasContent() {
		return
	}
	for k := st.trailingBreaks(); k < n; k++ {
		st.out = append(st.out, piece{kind: pieceBreak})
	}
}

func (st *sanitizer) hasContent() bool {
	for _, p := range st.out {
		if p.kind == pieceText || p.kind == pieceBreak {
			return true
		}
	}
	return false
}

// trailingBreaks counts line breaks at the end of the output, looking through
// tags.
func (st *sanitizer) trailingBreaks() int {
	n := 0
	for i := len(st.out) - 1; i >= 0; i-- {
		switch st.out[i].kind {
		case pieceBreak:
			n++
		case pieceText:
			return n
		}
	}
	return n
}

func (st *sanitizer) finish() {
	for len(st.stack) > 0 {
		st.closeTop()
	}
	for len(st.out) > 0 {
		last := &st.out[len(st.out)-1]
		if last.kind == pieceBreak {
			st.out = st.out[:len(st.out)-1]
			continue
		}
		if last.kind == pieceText {
			last.text = strings.TrimRight(last.text, " \t\r\n\u00a0")
			if last.text == "" {
				st.out = st.out[:len(st.out)-1]
				continue
			}
		}
		break
	}
}

func (st *sanitizer) render() string {
	var b strings.Builder
	for _, p := range st.out {
		switch p.kind {
		case pieceText, pieceOpen:
			b.WriteString(p.text)
		case pieceClose:
			b.WriteString("</" + p.name + ">")
		case pieceBreak:
			b.WriteString("<br>")
		}
	}
	return b.String()
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func validLanguage(class string) bool {
	lang, ok := strings.CutPrefix(class, "language-")
	if !ok || lang == "" {
		return false
	}
	for _, r := range lang {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '+' || r == '#' || r == '.':
		default:
			return false
		}
	}
	return true
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// EscapeText escapes the three characters meaningful to Telegram HTML.
func EscapeText(s string) string { return textEscaper.Replace(s) }

func escapeAttr(s string) string { return attrEscaper.Replace(s) }
