package markup

import "strings"

// Canonical tag names of the allowed vocabulary.
const (
	TagBold       = "b"
	TagItalic     = "i"
	TagUnderline  = "u"
	TagStrike     = "s"
	TagLink       = "a"
	TagCode       = "code"
	TagPre        = "pre"
	TagBlockquote = "blockquote"
	TagBreak      = "br"
)

// aliases maps accepted HTML names onto the canonical vocabulary.
var aliases = map[string]string{
	"b":          TagBold,
	"strong":     TagBold,
	"i":          TagItalic,
	"em":         TagItalic,
	"u":          TagUnderline,
	"ins":        TagUnderline,
	"s":          TagStrike,
	"strike":     TagStrike,
	"del":        TagStrike,
	"a":          TagLink,
	"code":       TagCode,
	"pre":        TagPre,
	"blockquote": TagBlockquote,
	"br":         TagBreak,
}

// blockBreaks lists block-level elements and the number of line breaks they
// separate content with.
var blockBreaks = map[string]int{
	"p":       2,
	"section": 2,
	"article": 2,
	"header":  2,
	"footer":  2,
	"ul":      2,
	"ol":      2,
	"dl":      2,
	"table":   2,
	"figure":  2,
	"h1":      2,
	"h2":      2,
	"h3":      2,
	"h4":      2,
	"h5":      2,
	"h6":      2,
	"hr":      2,
	"div":     1,
	"li":      1,
	"dt":      1,
	"dd":      1,
	"tr":      1,
	"caption": 1,
}

// dropContent lists elements whose content never reaches the output.
var dropContent = map[string]bool{
	"script":   true,
	"style":    true,
	"head":     true,
	"title":    true,
	"noscript": true,
	"iframe":   true,
	"template": true,
	"svg":      true,
	"object":   true,
	"textarea": true,
	"select":   true,
}

var blocking = map[string]bool{
	TagLink:       true,
	TagCode:       true,
	TagPre:        true,
	TagBlockquote: true,
}

// Canonical returns the vocabulary name for an HTML tag name, or "" when the
// tag is not allowed.
func Canonical(name string) string {
	return aliases[strings.ToLower(name)]
}

// IsAllowed reports whether name is part of the canonical vocabulary.
func IsAllowed(name string) bool {
	c, ok := aliases[name]
	return ok && c == name
}

// IsBlocking reports whether a chunk must not be split inside the element.
func IsBlocking(name string) bool { return blocking[name] }

var allowedSchemes = []string{"http://", "https://", "tg://", "mailto:"}

func linkAllowed(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	for _, p := range allowedSchemes {
		if strings.HasPrefix(h, p) && len(h) > len(p) {
			return true
		}
	}
	return false
}
