package channellist

import (
	"sync"
)

// Builder assembles a scan list incrementally and keeps its canonical text
// in step with every mutation.
type Builder struct {
	mu   sync.RWMutex
	list ScanList
	text string
}

func NewBuilder() *Builder {
	return &Builder{text: Format(nil)}
}

type addOptions struct {
	dedup bool
}

type AddOption func(*addOptions)

// Deduplicate skips the append when the same specifier is already last.
func Deduplicate() AddOption {
	return func(o *addOptions) {
		o.dedup = true
	}
}

// AddChannel appends a channel specifier. Duplicates are kept unless
// Deduplicate is passed, since repeated scans are legitimate.
func (b *Builder) AddChannel(spec Specifier, opts ...AddOption) error {
	if spec.IsMemory() {
		return &GrammarError{Kind: SyntaxError, Msg: "use AddMemoryLocation for memory references"}
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	return b.append(Single(spec), opts)
}

// AddRange appends an inclusive range.
func (b *Builder) AddRange(start, end Specifier) error {
	item, err := Span(start, end)
	if err != nil {
		return err
	}
	return b.append(item, nil)
}

// AddMemoryLocation appends a reference such as "M3" (or just "3").
func (b *Builder) AddMemoryLocation(id string, opts ...AddOption) error {
	spec, err := Memory(id)
	if err != nil {
		return err
	}
	return b.append(Single(spec), opts)
}

func (b *Builder) append(item Item, opts []AddOption) error {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if o.dedup && len(b.list) > 0 && b.list[len(b.list)-1] == item {
		return nil
	}
	b.list = append(b.list, item)
	b.text = Format(b.list)
	return nil
}

func (b *Builder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.list = nil
	b.text = Format(nil)
}

// Text returns the canonical string of the current list.
func (b *Builder) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.text
}

// SetFromText replaces the list with a parsed one. On error the current
// list is left untouched.
func (b *Builder) SetFromText(text string) error {
	list, err := Parse(text)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.list = list
	b.text = Format(list)
	return nil
}

// List returns a copy of the current list.
func (b *Builder) List() ScanList {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.list.Clone()
}

func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.list)
}
