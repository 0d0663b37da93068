package channellist

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	listPrefix = "(@"
	listSuffix = ")"
)

// Parse reads a channel list such as "(@1!1:1!10, M2)".
func Parse(text string) (ScanList, error) {
	p := &parser{src: text}
	return p.list()
}

// Format writes the canonical form of a list. Parse(Format(l)) equals l for
// every list whose items pass Span/Validate.
func Format(list ScanList) string {
	var b strings.Builder
	b.WriteString(listPrefix)
	for i, it := range list {
		if i > 0 {
			b.WriteByte(',')
		}
		it.writeTo(&b)
	}
	b.WriteString(listSuffix)
	return b.String()
}

type parser struct {
	src string
	pos int
}

func (p *parser) list() (ScanList, error) {
	p.skipSpace()
	if !strings.HasPrefix(p.src[p.pos:], listPrefix) {
		return nil, p.syntax(p.pos, "expected %q", listPrefix)
	}
	p.pos += len(listPrefix)
	p.skipSpace()

	var list ScanList
	if p.peek() == ')' {
		p.pos++
		return list, p.end()
	}

	for {
		item, err := p.item()
		if err != nil {
			return nil, err
		}
		list = append(list, item)

		p.skipSpace()
		switch c := p.peek(); {
		case c == ',':
			p.pos++
			p.skipSpace()
		case c == ')':
			p.pos++
			if err := p.end(); err != nil {
				return nil, err
			}
			return list, nil
		case p.eof():
			return nil, p.syntax(p.pos, "missing closing %q", listSuffix)
		default:
			return nil, p.syntax(p.pos, "expected ',' or ')' but found %q", c)
		}
	}
}

func (p *parser) end() error {
	p.skipSpace()
	if !p.eof() {
		return p.syntax(p.pos, "unexpected trailing input %q", p.src[p.pos:])
	}
	return nil
}

func (p *parser) item() (Item, error) {
	at := p.pos
	start, err := p.spec()
	if err != nil {
		return Item{}, err
	}
	p.skipSpace()
	if p.peek() != ':' {
		return Single(start), nil
	}
	p.pos++
	p.skipSpace()
	end, err := p.spec()
	if err != nil {
		return Item{}, err
	}
	if err := checkRange(start, end); err != nil {
		if ge, ok := err.(*GrammarError); ok {
			ge.Offset = at
		}
		return Item{}, err
	}
	return Item{Start: start, End: end, Range: true}, nil
}

func (p *parser) spec() (Specifier, error) {
	if c := p.peek(); c == 'M' || c == 'm' {
		p.pos++
		at := p.pos
		for !p.eof() && isDigit(p.src[p.pos]) {
			p.pos++
		}
		if p.pos == at {
			return Specifier{}, p.syntax(at, "memory location needs digits")
		}
		return Specifier{Kind: KindMemory, Location: p.src[at:p.pos]}, nil
	}

	var segs [3]uint32
	n := 0
	for {
		v, err := p.number()
		if err != nil {
			return Specifier{}, err
		}
		segs[n] = v
		n++
		if p.peek() != '!' {
			break
		}
		if n == len(segs) {
			return Specifier{}, p.syntax(p.pos, "too many '!' segments")
		}
		p.pos++
	}

	switch n {
	case 1:
		return Channel(segs[0]), nil
	case 2:
		return SlotChannel(segs[0], segs[1]), nil
	default:
		return SubChannel(segs[0], segs[1], segs[2]), nil
	}
}

func (p *parser) number() (uint32, error) {
	at := p.pos
	for !p.eof() && isDigit(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == at {
		if p.eof() {
			return 0, p.syntax(at, "unexpected end of input")
		}
		return 0, p.syntax(at, "expected digit but found %q", p.src[at])
	}
	v, err := strconv.ParseUint(p.src[at:p.pos], 10, 32)
	if err != nil {
		return 0, p.syntax(at, "number %s out of range", p.src[at:p.pos])
	}
	return uint32(v), nil
}

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *parser) syntax(at int, format string, args ...any) *GrammarError {
	return &GrammarError{Kind: SyntaxError, Offset: at, Msg: fmt.Sprintf(format, args...)}
}

// checkRange enforces same arity, same fixed components and ascending
// varying components. Three-segment ranges fix the slot and describe a
// row-major block over channel and sub-channel.
func checkRange(start, end Specifier) error {
	invalid := func(format string, args ...any) error {
		return &GrammarError{Kind: InvalidRangeError, Msg: fmt.Sprintf(format, args...)}
	}

	if start.IsMemory() || end.IsMemory() {
		return invalid("memory location cannot bound a range")
	}
	if err := start.Validate(); err != nil {
		return err
	}
	if err := end.Validate(); err != nil {
		return err
	}
	if start.Arity() != end.Arity() {
		return invalid("range %s:%s mixes %d and %d segments", start, end, start.Arity(), end.Arity())
	}
	if start.HasSlot && start.Slot != end.Slot {
		return invalid("range %s:%s spans slots %d and %d", start, end, start.Slot, end.Slot)
	}
	if start.Channel > end.Channel {
		return invalid("range %s:%s is descending", start, end)
	}
	if start.HasSubchannel && start.Subchannel > end.Subchannel {
		return invalid("range %s:%s is descending", start, end)
	}
	return nil
}
