// Package engine is the transaction executor: the single entry point that
// turns an ordered batch of client row requests into durable, tick-stamped,
// cache-consistent state, with idempotent replay protection.
package engine

import (
	"errors"
	"fmt"
)

// Stable client-facing error codes. Clients branch on these: refused means
// give up, already-executed means drop the retry, desynchronized means a
// full resync is required.
const (
	CodeConnectionRefused      = "ERR_CONNECTION_REFUSED"
	CodeRequestAlreadyExecuted = "ERR_REQUEST_ALREADY_EXECUTED"
	CodeRequestDesynchronized  = "ERR_REQUEST_DESYNCHRONIZED"
	CodeInternal               = "ERR_INTERNAL"
)

var (
	// ErrConnectionRefused covers every authorization gate failure: missing
	// connection row, Allow false, handshake incomplete, no area.
	ErrConnectionRefused = errors.New(CodeConnectionRefused)
	// ErrRequestAlreadyExecuted marks a stale replay; the client may safely
	// discard the request.
	ErrRequestAlreadyExecuted = errors.New(CodeRequestAlreadyExecuted)
	// ErrRequestDesynchronized marks an out-of-order request id; the client
	// must resynchronize from scratch.
	ErrRequestDesynchronized = errors.New(CodeRequestDesynchronized)
)

// Code maps an error to its stable client-facing code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConnectionRefused):
		return CodeConnectionRefused
	case errors.Is(err, ErrRequestAlreadyExecuted):
		return CodeRequestAlreadyExecuted
	case errors.Is(err, ErrRequestDesynchronized):
		return CodeRequestDesynchronized
	default:
		return CodeInternal
	}
}

// SyncError carries a stable dotted operation.reason code for internal
// failures, in addition to the wrapped cause.
type SyncError struct {
	code string
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

func (e *SyncError) Code() string {
	return e.code
}

func newSyncError(operation, reason string, cause error) error {
	return &SyncError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
