package markup

import (
	"strings"
	"unicode/utf8"
)

// Kind discriminates tokens.
type Kind uint8

const (
	Text Kind = iota
	TagOpen
	TagClose
	SelfClosing
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case TagOpen:
		return "open"
	case TagClose:
		return "close"
	case SelfClosing:
		return "self-closing"
	default:
		return "unknown"
	}
}

// Token is one lexical unit of sanitized markup. Raw is the exact source
// text, entity references included; Name is the lowercased tag name and is
// empty for Text.
type Token struct {
	Kind Kind
	Name string
	Raw  string
}

// Tokenize splits s into tokens. It is purely lexical: balance is not
// checked, and anything that only looks like a tag (no closing bracket,
// no name, a stray '<' inside) stays text. Concatenating the Raw fields
// reproduces s.
func Tokenize(s string) []Token {
	var (
		out  []Token
		from int // start of the pending text run
	)
	for i := 0; i < len(s); {
		if s[i] != '<' {
			i++
			continue
		}
		n, tok, ok := lexTag(s[i:])
		if !ok {
			i++
			continue
		}
		if from < i {
			out = append(out, Token{Kind: Text, Raw: s[from:i]})
		}
		out = append(out, tok)
		i += n
		from = i
	}
	if from < len(s) {
		out = append(out, Token{Kind: Text, Raw: s[from:]})
	}
	return out
}

// lexTag reads a tag at the start of s.
func lexTag(s string) (int, Token, bool) {
	end := strings.IndexByte(s[1:], '>')
	if end < 0 {
		return 0, Token{}, false
	}
	inner := s[1 : 1+end]
	if strings.IndexByte(inner, '<') >= 0 {
		return 0, Token{}, false
	}
	raw := s[:end+2]

	kind := TagOpen
	if strings.HasPrefix(inner, "/") {
		kind = TagClose
		inner = inner[1:]
	} else if strings.HasSuffix(inner, "/") {
		kind = SelfClosing
		inner = inner[:len(inner)-1]
	}

	name := tagName(inner)
	if name == "" {
		return 0, Token{}, false
	}
	rest := inner[len(name):]
	if rest != "" && !isSpace(rest[0]) {
		return 0, Token{}, false
	}
	name = strings.ToLower(name)
	if name == TagBreak && kind == TagOpen {
		kind = SelfClosing
	}
	return len(raw), Token{Kind: kind, Name: name, Raw: raw}, true
}

func tagName(s string) string {
	if s == "" || !isLetter(s[0]) {
		return ""
	}
	i := 1
	for i < len(s) && (isLetter(s[i]) || (s[i] >= '0' && s[i] <= '9') || s[i] == '-') {
		i++
	}
	return s[:i]
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' }

// Render is the text a token contributes to a chunk. Line breaks render as
// a newline; other self-closing tags render as nothing.
func (t Token) Render() string {
	switch t.Kind {
	case SelfClosing:
		if t.Name == TagBreak {
			return "\n"
		}
		return ""
	default:
		return t.Raw
	}
}

const maxEntityLen = 32

// EntityLen returns the byte length of the character reference at the start
// of s, or 0 when s does not start with a terminated reference.
func EntityLen(s string) int {
	if len(s) < 3 || s[0] != '&' {
		return 0
	}
	for i := 1; i < len(s) && i < maxEntityLen; i++ {
		c := s[i]
		switch {
		case c == ';':
			if i == 1 || (i == 2 && s[1] == '#') {
				return 0
			}
			return i + 1
		case isLetter(c), c >= '0' && c <= '9':
		case c == '#' && i == 1:
		default:
			return 0
		}
	}
	return 0
}

// UnitLen is the byte length of the smallest piece of s that may not be
// split: a character reference or a single rune.
func UnitLen(s string) int {
	if n := EntityLen(s); n > 0 {
		return n
	}
	_, n := utf8.DecodeRuneInString(s)
	return n
}
