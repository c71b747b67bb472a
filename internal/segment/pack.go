package segment

import (
	"strings"
	"unicode/utf8"

	"pewpost/internal/markup"
)

type frame struct {
	name    string
	open    string
	at      int  // offset of the opening tag in the chunk buffer
	dropped bool // formatting given up; neither opened nor closed
}

func (f frame) closer() string { return "</" + f.name + ">" }

type cursor struct {
	tok int
	off int // byte offset into a partly consumed text token
}

// snapshot is a point at which the chunk can be cut without splitting a
// blocking construct.
type snapshot struct {
	cur   cursor
	size  int
	n     int
	stack []frame
}

type packer struct {
	toks    []markup.Token
	opt     Options
	reserve int

	buf   []byte
	n     int // measured length of buf
	start int // n right after the reopened tags
	stack []frame
	safe  snapshot
	cur   cursor
	force bool

	out []string
}

// pack runs the single pass over toks and returns raw chunk texts.
func pack(toks []markup.Token, opt Options, reserve int) []string {
	p := &packer{toks: toks, opt: opt, reserve: reserve}
	p.mark()
	for p.cur.tok < len(p.toks) {
		t := p.toks[p.cur.tok]
		switch t.Kind {
		case markup.Text:
			p.text(t.Raw[p.cur.off:])
		case markup.TagOpen:
			p.open(t)
		case markup.TagClose:
			p.close()
		case markup.SelfClosing:
			p.selfClosing(t)
		}
	}
	p.emit()
	return p.out
}

func (p *packer) capacity() int {
	return p.opt.limitFor(len(p.out)) - p.reserve - p.suffix()
}

func (p *packer) suffix() int {
	n := 0
	for _, f := range p.stack {
		if !f.dropped {
			n += p.opt.measure(f.closer())
		}
	}
	return n
}

func (p *packer) write(s string) {
	p.buf = append(p.buf, s...)
	p.n += p.opt.measure(s)
}

func (p *packer) advance() { p.cur = cursor{tok: p.cur.tok + 1} }

func (p *packer) inBlocking() bool {
	for _, f := range p.stack {
		if markup.IsBlocking(f.name) {
			return true
		}
	}
	return false
}

func (p *packer) mark() {
	p.safe = snapshot{
		cur:   p.cur,
		size:  len(p.buf),
		n:     p.n,
		stack: append([]frame(nil), p.stack...),
	}
}

// canRollback reports whether the snapshot lies past the start of the
// current chunk, so cutting there makes progress.
func (p *packer) canRollback() bool {
	return p.inBlocking() && p.safe.n > p.start
}

func (p *packer) rollback() {
	p.buf = p.buf[:p.safe.size]
	p.n = p.safe.n
	p.stack = append(p.stack[:0], p.safe.stack...)
	p.cur = p.safe.cur
	p.flush()
}

// overflow handles a token that does not fit at all.
func (p *packer) overflow() {
	switch {
	case p.n > p.start:
		p.flush()
	case p.n > 0 || p.suffix() > 0:
		p.degrade()
	default:
		p.force = true
	}
}

// degrade gives up the formatting of every open tag so the chunk has room
// for text. Only reached when the reopened tags alone exhaust the limit.
func (p *packer) degrade() {
	for i := range p.stack {
		p.stack[i].dropped = true
	}
	p.buf = p.buf[:0]
	p.n, p.start = 0, 0
	p.mark()
}

func (p *packer) text(raw string) {
	room := p.capacity() - p.n
	if p.opt.measure(raw) <= room {
		p.force = false
		p.write(raw)
		p.advance()
		if len(p.stack) == 0 {
			p.mark()
		}
		return
	}
	if p.canRollback() {
		p.rollback()
		return
	}
	cut := p.fit(raw, room)
	if cut == 0 {
		if !p.force {
			p.overflow()
			return
		}
		cut = p.unit(raw)
	}
	p.force = false
	p.write(raw[:cut])
	p.cur.off += cut
	p.flush()
}

func (p *packer) unit(s string) int {
	if p.opt.Mode == ModePlain {
		_, n := utf8.DecodeRuneInString(s)
		return n
	}
	return markup.UnitLen(s)
}

// fit returns the byte length of the longest prefix of s that measures at
// most room and does not cut a character reference, moved back to the last
// line break or space when one lies in the second half.
func (p *packer) fit(s string, room int) int {
	var cut, w, nl, sp int
	for cut < len(s) {
		u := p.unit(s[cut:])
		uw := p.opt.measure(s[cut : cut+u])
		if w+uw > room {
			break
		}
		w += uw
		cut += u
		switch s[cut-1] {
		case '\n':
			nl = cut
		case ' ':
			sp = cut
		}
	}
	switch {
	case nl > cut/2:
		return nl
	case sp > cut/2:
		return sp
	}
	return cut
}

func (p *packer) open(t markup.Token) {
	f := frame{name: t.Name, open: t.Raw}
	blocking := markup.IsBlocking(t.Name)
	if blocking && !p.inBlocking() {
		p.mark()
	}
	need := p.opt.measure(f.open) + p.opt.measure(f.closer())
	if p.n+need > p.capacity() {
		switch {
		case p.canRollback():
			p.rollback()
			return
		case p.n > p.start:
			p.flush()
			return
		default:
			f.dropped = true
		}
	}
	f.at = len(p.buf)
	if !f.dropped {
		p.write(f.open)
	}
	p.stack = append(p.stack, f)
	p.advance()
}

func (p *packer) close() {
	p.advance()
	if len(p.stack) == 0 {
		return
	}
	f := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	if !f.dropped {
		p.write(f.closer())
	}
	if len(p.stack) == 0 || (markup.IsBlocking(f.name) && !p.inBlocking()) {
		p.mark()
	}
}

func (p *packer) selfClosing(t markup.Token) {
	r := t.Render()
	if !p.force && p.n+p.opt.measure(r) > p.capacity() {
		switch {
		case p.canRollback():
			p.rollback()
		default:
			p.overflow()
		}
		return
	}
	p.force = false
	p.write(r)
	p.advance()
	if !p.inBlocking() {
		p.mark()
	}
}

// emit closes the current chunk and appends it to the output unless it has
// no visible text. Tags opened at the very end of the buffer are left out;
// they are reopened in the next chunk anyway.
func (p *packer) emit() {
	end := len(p.buf)
	k := len(p.stack)
	for ; k > 0; k-- {
		f := p.stack[k-1]
		if f.dropped {
			continue
		}
		if f.at+len(f.open) != end {
			break
		}
		end = f.at
	}
	var b strings.Builder
	b.Write(p.buf[:end])
	for i := k - 1; i >= 0; i-- {
		if !p.stack[i].dropped {
			b.WriteString(p.stack[i].closer())
		}
	}
	chunk := b.String()
	if strings.TrimSpace(p.visible(chunk)) != "" {
		p.out = append(p.out, chunk)
	}
}

func (p *packer) visible(s string) string {
	if p.opt.Mode == ModePlain {
		return s
	}
	return markup.VisibleText(s)
}

// flush emits the chunk and starts the next one with every open tag
// reopened.
func (p *packer) flush() {
	p.emit()
	p.buf = p.buf[:0]
	p.n = 0
	for i := range p.stack {
		if p.stack[i].dropped {
			continue
		}
		p.stack[i].at = len(p.buf)
		p.write(p.stack[i].open)
	}
	p.start = p.n
	if p.n >= p.capacity() {
		p.degrade()
		return
	}
	p.mark()
}
