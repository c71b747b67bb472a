package markup

import (
	"strings"
	"unicode/utf16"

	"golang.org/x/net/html"
)

// VisibleText strips tags from markup and decodes entity references,
// rendering line breaks as newlines.
func VisibleText(s string) string {
	var b strings.Builder
	for _, t := range Tokenize(s) {
		switch t.Kind {
		case Text:
			b.WriteString(html.UnescapeString(t.Raw))
		case SelfClosing:
			b.WriteString(t.Render())
		}
	}
	return b.String()
}

// UTF16Len counts s the way Telegram counts message length.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Balance rewrites closing tags that do not match the innermost open
// element into literal text, so the result nests properly up to elements
// left open at the end.
func Balance(toks []Token) []Token {
	out := make([]Token, 0, len(toks))
	var stack []string
	for _, t := range toks {
		switch t.Kind {
		case TagOpen:
			stack = append(stack, t.Name)
		case TagClose:
			if len(stack) == 0 || stack[len(stack)-1] != t.Name {
				t = Token{Kind: Text, Raw: EscapeText(t.Raw)}
				break
			}
			stack = stack[:len(stack)-1]
		}
		out = append(out, t)
	}
	return out
}
