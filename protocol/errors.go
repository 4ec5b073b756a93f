package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedTag  = errors.New("unexpected type tag")
	ErrBadTerminator  = errors.New("line terminator mismatch")
	ErrInvalidLength  = errors.New("invalid count or length field")
	ErrLineTooLong    = errors.New("line exceeds the maximum length")
	ErrDecoderFailed  = errors.New("decoder already failed, reset required")
	ErrUnknownCommand = errors.New("unknown command")
	ErrWrongArgCount  = errors.New("wrong number of arguments for command")
	ErrUnknownDialect = errors.New("unknown dialect")
)

// FramingError is a fatal decode failure. The connection that produced it
// is no longer usable.
type FramingError struct {
	State  State
	Offset int
	Err    error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error in state %s at offset %d: %v", e.State, e.Offset, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}
