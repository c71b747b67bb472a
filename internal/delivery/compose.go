package delivery

import (
	"strings"

	"pewpost/internal/escape"
	"pewpost/internal/markup"
	"pewpost/internal/segment"
	"pewpost/internal/transport"
	"pewpost/pkg/tgui"
)

// Item is a structured post: a title, a body, a link and an optional image.
type Item struct {
	Title string
	Body  string
	// Format of Body; empty means HTML.
	Format markup.Format
	URL    string
	Image  transport.PhotoSource
}

// Compose renders an item as one document ready for segmentation.
//
// In HTML mode the result is sanitized markup: a bold title, the body and a
// labelled link, separated by blank lines. In MarkdownV2 mode it is plain
// visible text with the link spelled out as "label: url"; escaping happens
// per chunk.
func Compose(it Item, mode escape.Mode, label string) (string, segment.Mode, error) {
	body, err := markup.Prepare(it.Body, it.Format)
	if err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(label) == "" {
		label = DefaultLinkLabel
	}
	title := strings.TrimSpace(it.Title)
	url := strings.TrimSpace(it.URL)

	if mode == escape.ModeMarkdownV2 {
		parts := make([]string, 0, 3)
		if title != "" {
			parts = append(parts, title)
		}
		if vis := strings.TrimSpace(markup.VisibleText(body)); vis != "" {
			parts = append(parts, vis)
		}
		if url != "" {
			parts = append(parts, label+": "+url)
		}
		return strings.Join(parts, "\n\n"), segment.ModePlain, nil
	}

	parts := make([]tgui.H, 0, 3)
	if title != "" {
		parts = append(parts, tgui.B(title))
	}
	parts = append(parts, tgui.Raw(body))
	if url != "" {
		parts = append(parts, tgui.Link(label, url))
	}
	return markup.Sanitize(tgui.JoinH("<br><br>", parts...).String()), segment.ModeHTML, nil
}

// prepareText readies a text for segmentation. Markup input is sanitized;
// literal input is escaped. MarkdownV2 drops the tags and keeps the
// visible text.
func prepareText(s string, mode escape.Mode, literal bool) (string, segment.Mode) {
	if mode == escape.ModeMarkdownV2 {
		if literal {
			return s, segment.ModePlain
		}
		return markup.VisibleText(markup.Sanitize(s)), segment.ModePlain
	}
	if literal {
		return markup.FromText(s), segment.ModeHTML
	}
	return markup.Sanitize(s), segment.ModeHTML
}
