package channellist

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindChannel Kind = iota
	KindMemory
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Specifier addresses either a single channel (optionally qualified by slot
// and sub-channel) or a list stored in an instrument memory location.
// A sub-channel is only meaningful together with a slot.
type Specifier struct {
	Kind          Kind   `json:"kind"`
	HasSlot       bool   `json:"has_slot,omitempty"`
	Slot          uint32 `json:"slot,omitempty"`
	Channel       uint32 `json:"channel"`
	HasSubchannel bool   `json:"has_subchannel,omitempty"`
	Subchannel    uint32 `json:"subchannel,omitempty"`
	Location      string `json:"location,omitempty"` // digits of Mnn
}

// Channel returns a bare channel specifier.
func Channel(channel uint32) Specifier {
	return Specifier{Kind: KindChannel, Channel: channel}
}

// SlotChannel returns a slot!channel specifier.
func SlotChannel(slot, channel uint32) Specifier {
	return Specifier{Kind: KindChannel, HasSlot: true, Slot: slot, Channel: channel}
}

// SubChannel returns a slot!channel!subchannel specifier.
func SubChannel(slot, channel, subchannel uint32) Specifier {
	return Specifier{
		Kind:          KindChannel,
		HasSlot:       true,
		Slot:          slot,
		Channel:       channel,
		HasSubchannel: true,
		Subchannel:    subchannel,
	}
}

// Memory returns a memory-location reference. Both "M12" and "12" are
// accepted; the digits are kept as written.
func Memory(id string) (Specifier, error) {
	loc := strings.TrimSpace(id)
	if len(loc) > 0 && (loc[0] == 'M' || loc[0] == 'm') {
		loc = loc[1:]
	}
	if loc == "" {
		return Specifier{}, &GrammarError{Kind: SyntaxError, Offset: 0, Msg: "memory location needs digits"}
	}
	for i := 0; i < len(loc); i++ {
		if !isDigit(loc[i]) {
			return Specifier{}, &GrammarError{Kind: SyntaxError, Offset: i, Msg: fmt.Sprintf("unexpected %q in memory location", loc[i])}
		}
	}
	return Specifier{Kind: KindMemory, Location: loc}, nil
}

func (s Specifier) IsMemory() bool {
	return s.Kind == KindMemory
}

// Arity is the number of '!'-separated segments of a channel specifier.
func (s Specifier) Arity() int {
	if s.Kind == KindMemory {
		return 0
	}
	n := 1
	if s.HasSlot {
		n++
	}
	if s.HasSubchannel {
		n++
	}
	return n
}

// Validate reports specifiers that cannot be written in the grammar.
func (s Specifier) Validate() error {
	switch s.Kind {
	case KindMemory:
		if s.Location == "" {
			return &GrammarError{Kind: SyntaxError, Msg: "memory location needs digits"}
		}
		for i := 0; i < len(s.Location); i++ {
			if !isDigit(s.Location[i]) {
				return &GrammarError{Kind: SyntaxError, Offset: i, Msg: "memory location must be numeric"}
			}
		}
	case KindChannel:
		if s.HasSubchannel && !s.HasSlot {
			return &GrammarError{Kind: SyntaxError, Msg: "sub-channel requires a slot"}
		}
	default:
		return &GrammarError{Kind: SyntaxError, Msg: fmt.Sprintf("unknown specifier kind %d", s.Kind)}
	}
	return nil
}

func (s Specifier) String() string {
	var b strings.Builder
	s.writeTo(&b)
	return b.String()
}

func (s Specifier) writeTo(b *strings.Builder) {
	if s.Kind == KindMemory {
		b.WriteByte('M')
		b.WriteString(s.Location)
		return
	}
	if s.HasSlot {
		b.WriteString(strconv.FormatUint(uint64(s.Slot), 10))
		b.WriteByte('!')
	}
	b.WriteString(strconv.FormatUint(uint64(s.Channel), 10))
	if s.HasSubchannel {
		b.WriteByte('!')
		b.WriteString(strconv.FormatUint(uint64(s.Subchannel), 10))
	}
}

// Item is one entry of a scan list: a single specifier or an inclusive range.
type Item struct {
	Start Specifier `json:"start"`
	End   Specifier `json:"end"`
	Range bool      `json:"range,omitempty"`
}

// Single wraps a specifier as a list item.
func Single(s Specifier) Item {
	return Item{Start: s}
}

// Span builds a range item, enforcing the same rules as the parser.
func Span(start, end Specifier) (Item, error) {
	if err := checkRange(start, end); err != nil {
		return Item{}, err
	}
	return Item{Start: start, End: end, Range: true}, nil
}

func (it Item) String() string {
	var b strings.Builder
	it.writeTo(&b)
	return b.String()
}

func (it Item) writeTo(b *strings.Builder) {
	it.Start.writeTo(b)
	if it.Range {
		b.WriteByte(':')
		it.End.writeTo(b)
	}
}

// ScanList is an ordered channel list; order is the instrument scan order.
type ScanList []Item

// Equal compares two lists item by item. A nil list equals an empty one.
func (l ScanList) Equal(other ScanList) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share backing storage with l.
func (l ScanList) Clone() ScanList {
	if len(l) == 0 {
		return nil
	}
	out := make(ScanList, len(l))
	copy(out, l)
	return out
}

func (l ScanList) String() string {
	return Format(l)
}

// MemoryLocations returns the memory references of the list in order.
func (l ScanList) MemoryLocations() []string {
	var locs []string
	for _, it := range l {
		if it.Start.IsMemory() {
			locs = append(locs, "M"+it.Start.Location)
		}
	}
	return locs
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
