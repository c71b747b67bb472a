package markup

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Format names the markup flavour of an incoming body.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// ParseFormat maps user input onto a Format; the empty string means HTML.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatMarkdown, FormatText:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	case "plain":
		return FormatText, nil
	default:
		return "", fmt.Errorf("markup: unknown format %q", s)
	}
}

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// FromMarkdown renders Markdown and sanitizes the resulting HTML. Raw HTML
// embedded in the source is not passed through.
func FromMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("markup: render markdown: %w", err)
	}
	return Sanitize(buf.String()), nil
}

// FromText turns plain text into sanitized markup.
func FromText(s string) string {
	return Sanitize(EscapeText(s))
}

// Prepare converts a body in the given format into sanitized markup.
func Prepare(body string, f Format) (string, error) {
	switch f {
	case FormatMarkdown:
		return FromMarkdown(body)
	case FormatText:
		return FromText(body), nil
	default:
		return Sanitize(body), nil
	}
}
