// Package escape implements the two output encodings a chunk can be sent in.
//
// HTML mode keeps the sanitized tag vocabulary and escapes only the three
// characters meaningful to the markup grammar inside text runs. MarkdownV2
// mode carries no tags at all: every reserved character is backslash
// escaped, and any truncation is followed by TrimDangling so the output
// never ends inside an escape sequence.
package escape

import (
	"strings"
	"unicode/utf16"

	"pewpost/internal/markup"
)

// Mode selects the encoding of outbound text.
type Mode string

const (
	ModeHTML       Mode = "HTML"
	ModeMarkdownV2 Mode = "MarkdownV2"
)

// ParseMode accepts the parse_mode spellings used in config and on the CLI.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "html":
		return ModeHTML, true
	case "markdownv2", "markdown", "mdv2":
		return ModeMarkdownV2, true
	default:
		return "", false
	}
}

// Reserved is the MarkdownV2 reserved character set.
const Reserved = "_*[]()~`>#+-=|{}.!\\"

func isReserved(r rune) bool {
	return r < 0x80 && strings.IndexByte(Reserved, byte(r)) >= 0
}

// HTML escapes &, < and > in literal text.
func HTML(s string) string { return markup.EscapeText(s) }

// Structural escapes stray &, < and > in the text runs of s while leaving
// tags and well-formed character references untouched. It is idempotent.
func Structural(s string) string {
	toks := markup.Tokenize(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, t := range toks {
		if t.Kind != markup.Text {
			b.WriteString(t.Raw)
			continue
		}
		raw := t.Raw
		for i := 0; i < len(raw); {
			switch c := raw[i]; c {
			case '&':
				if n := markup.EntityLen(raw[i:]); n > 0 {
					b.WriteString(raw[i : i+n])
					i += n
					continue
				}
				b.WriteString("&amp;")
			case '<':
				b.WriteString("&lt;")
			case '>':
				b.WriteString("&gt;")
			default:
				b.WriteByte(c)
			}
			i++
		}
	}
	return b.String()
}

// MarkdownV2 backslash-escapes every reserved character in s.
func MarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for _, r := range s {
		if isReserved(r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MarkdownV2Len is the UTF-16 length MarkdownV2(s) will have.
func MarkdownV2Len(s string) int {
	n := 0
	for _, r := range s {
		if isReserved(r) {
			n++
		}
		n += utf16.RuneLen(r)
	}
	return n
}

// TrimDangling strips a trailing lone backslash or a trailing unescaped
// reserved character until the string is stable.
func TrimDangling(s string) string {
	for s != "" {
		last := s[len(s)-1]
		if last >= 0x80 || !isReserved(rune(last)) {
			return s
		}
		run := trailingBackslashes(s[:len(s)-1])
		if last == '\\' {
			// "\\" pairs are complete escapes; an odd total is not.
			if (run+1)%2 == 0 {
				return s
			}
		} else if run%2 == 1 {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}

func trailingBackslashes(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n
}

// TruncateMarkdownV2 cuts already escaped text to at most limit UTF-16
// units on a rune boundary and repairs the tail.
func TruncateMarkdownV2(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if n+w > limit {
			return TrimDangling(s[:i])
		}
		n += w
	}
	return TrimDangling(s)
}
