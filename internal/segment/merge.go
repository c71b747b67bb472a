package segment

import (
	"pewpost/internal/markup"
)

const mergeSep = "\n\n"

// merge joins a short non-final chunk with its successor when the pair
// still fits. Each chunk takes part in at most one merge.
func merge(texts []string, opt Options, reserve int) []string {
	if opt.MinLength <= 0 || len(texts) < 2 {
		return texts
	}
	out := make([]string, 0, len(texts))
	for i := 0; i < len(texts); i++ {
		t := texts[i]
		if i+1 < len(texts) && visibleLen(t, opt.Mode) < opt.MinLength {
			joined := t + mergeSep + texts[i+1]
			if opt.measure(joined) <= opt.limitFor(len(out))-reserve {
				out = append(out, joined)
				i++
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func visibleLen(s string, mode Mode) int {
	if mode == ModePlain {
		return markup.UTF16Len(s)
	}
	return markup.UTF16Len(markup.VisibleText(s))
}
