// Package segment cuts sanitized markup into chunks that each fit a
// message size limit and render on their own.
//
// Every chunk closes the tags it opened and the next chunk reopens them, so
// formatting survives a cut. Links, code and quotes are never split while a
// cut outside them is still possible; a construct larger than a whole chunk
// is closed and reopened like any other tag. Character references are never
// cut. Lengths are counted in UTF-16 units of the text actually sent, markup
// included.
package segment

import (
	"fmt"
	"strconv"
	"strings"

	"pewpost/internal/escape"
	"pewpost/internal/markup"
)

// MinLimit is the smallest accepted chunk limit. Below it the reopened tags
// and the chunk number can leave no room for text.
const MinLimit = 64

var ErrLimitTooSmall = fmt.Errorf("segment: limit below %d", MinLimit)

// Mode selects what a chunk contains.
type Mode uint8

const (
	// ModeHTML packs sanitized markup; chunks carry tags.
	ModeHTML Mode = iota
	// ModePlain packs unescaped plain text and escapes every chunk for
	// MarkdownV2 afterwards. Lengths are measured after escaping.
	ModePlain
)

// Options configures Split.
type Options struct {
	Limit      int // per chunk, in UTF-16 units
	FirstLimit int // limit for the first chunk when > 0 (photo captions)
	Mode       Mode
	MinLength  int  // chunks with less visible text merge with the next one
	Number     bool // prefix "(i/N) " when there is more than one chunk
}

func (o Options) validate() error {
	if o.Limit < MinLimit {
		return ErrLimitTooSmall
	}
	if o.FirstLimit != 0 && o.FirstLimit < MinLimit {
		return ErrLimitTooSmall
	}
	return nil
}

func (o Options) limitFor(i int) int {
	if i == 0 && o.FirstLimit > 0 {
		return o.FirstLimit
	}
	return o.Limit
}

func (o Options) measure(s string) int {
	if o.Mode == ModePlain {
		return escape.MarkdownV2Len(s)
	}
	return markup.UTF16Len(s)
}

// Chunk is one self-contained piece of output.
type Chunk struct {
	Text          string
	VisibleLength int
}

// Split packs s into chunks. In ModeHTML s must be sanitized markup; stray
// '&', '<' and '>' in its text are escaped first. An input without visible
// text yields no chunks.
func Split(s string, opt Options) ([]Chunk, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	toks := tokens(s, opt.Mode)

	digits := 0
	for {
		reserve := 0
		if opt.Number && digits > 0 {
			reserve = prefixLen(digits, opt.Mode)
		}
		texts := pack(toks, opt, reserve)
		texts = merge(texts, opt, reserve)
		if !opt.Number || len(texts) < 2 {
			return finish(texts, opt.Mode, false), nil
		}
		if d := len(strconv.Itoa(len(texts))); d > digits {
			digits = d
			continue
		}
		return finish(texts, opt.Mode, true), nil
	}
}

func tokens(s string, mode Mode) []markup.Token {
	if mode == ModePlain {
		if s == "" {
			return nil
		}
		return []markup.Token{{Kind: markup.Text, Raw: s}}
	}
	return markup.Balance(markup.Tokenize(escape.Structural(s)))
}

func prefix(i, n int) string { return "(" + strconv.Itoa(i) + "/" + strconv.Itoa(n) + ") " }

// prefixLen is the widest numbering prefix with d-digit counters.
func prefixLen(d int, mode Mode) int {
	n := 2*d + 4
	if mode == ModePlain {
		n += 2 // escaped parentheses
	}
	return n
}

func finish(texts []string, mode Mode, number bool) []Chunk {
	out := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		if number {
			t = prefix(i+1, len(texts)) + t
		}
		c := Chunk{Text: t}
		if mode == ModePlain {
			c.VisibleLength = markup.UTF16Len(t)
			c.Text = escape.MarkdownV2(t)
		} else {
			c.VisibleLength = markup.UTF16Len(markup.VisibleText(t))
		}
		out = append(out, c)
	}
	return out
}

// Texts returns the text of every chunk.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

const ellipsis = "…"

// Truncate returns the first chunk of s that fits limit with an ellipsis
// appended when anything was cut. The boolean reports a cut.
func Truncate(s string, limit int, mode Mode) (string, bool, error) {
	chunks, err := Split(s, Options{Limit: limit - markup.UTF16Len(ellipsis), Mode: mode})
	if err != nil {
		return "", false, err
	}
	if len(chunks) == 0 {
		return "", false, nil
	}
	head := chunks[0].Text
	if mode == ModePlain {
		head = escape.TrimDangling(head)
	}
	if len(chunks) == 1 {
		return head, false, nil
	}
	return strings.TrimRight(head, " \n") + ellipsis, true, nil
}
