package channellist

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	SyntaxError ErrorKind = iota + 1
	InvalidRangeError
)

func (k ErrorKind) String() string {
	switch k {
	case SyntaxError:
		return "syntax"
	case InvalidRangeError:
		return "invalid_range"
	default:
		return "unknown"
	}
}

var (
	ErrSyntax       = errors.New("channel list syntax error")
	ErrInvalidRange = errors.New("invalid channel range")
)

// GrammarError carries the byte offset into the parsed text.
type GrammarError struct {
	Kind   ErrorKind
	Offset int
	Msg    string
}

func (e *GrammarError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", e.sentinel().Error(), e.Offset, e.Msg)
}

func (e *GrammarError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *GrammarError) sentinel() error {
	if e.Kind == InvalidRangeError {
		return ErrInvalidRange
	}
	return ErrSyntax
}
