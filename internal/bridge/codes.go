package bridge

import (
	"context"
	"errors"

	"viiru.dev/internal/editor"
	"viiru.dev/internal/protocol"
)

var codes = []struct {
	err  error
	code string
}{
	{editor.ErrNoTarget, protocol.ErrNoTarget},
	{editor.ErrNotFound, protocol.ErrNotFound},
	{editor.ErrConflict, protocol.ErrConflict},
	{editor.ErrSlotOccupied, protocol.ErrSlotOccupied},
	{editor.ErrInvalidState, protocol.ErrInvalidState},
	{editor.ErrInvalidMutation, protocol.ErrInvalidMutation},
	{editor.ErrUnknownOpcode, protocol.ErrUnknownOpcode},
	{editor.ErrProjectIO, protocol.ErrProjectIO},
	{editor.ErrBadRequest, protocol.ErrBadRequest},
}

// CodeFor maps an API error to its wire code. ErrProjectIO is checked before
// the others it may wrap.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, editor.ErrProjectIO) {
		return protocol.ErrProjectIO
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	var ce *CallError
	if errors.As(err, &ce) && protocol.IsKnownCode(ce.Code) {
		return ce.Code
	}
	return protocol.ErrInternal
}

// CallError is an error reported by a remote peer. It unwraps to the
// matching editor sentinel so errors.Is works across the wire.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *CallError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

// ErrorFor rebuilds an error from a wire code.
func ErrorFor(code, msg string) error {
	if code == "" {
		return nil
	}
	return &CallError{Code: code, Message: msg}
}

// Cancelled reports whether err came from the caller's context rather than
// the editor.
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
