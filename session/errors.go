package session

import (
	"errors"
	"fmt"

	"duplex-rpc/message"
)

var (
	// ErrNotCallable is returned for calls issued after the caller side has
	// started shutting down.
	ErrNotCallable = errors.New("session: not callable")

	// ErrAbortedBeforeResponse fails a call that had no response when the
	// session ended.
	ErrAbortedBeforeResponse = errors.New("session: aborted before response")
	// ErrAbortedAfterAccept fails a call the remote had accepted as pending
	// but never settled. The remote may have run part of it.
	ErrAbortedAfterAccept = errors.New("session: aborted after accept")

	ErrRedundantResponse  = errors.New("session: response without outstanding call")
	ErrDuplicatePendingID = errors.New("session: duplicate pending id")
	ErrInvalidPendingID   = errors.New("session: pending id without outstanding call")
	ErrUnknownPendingID   = errors.New("session: unknown pending id")
	ErrUnexpectedFrame    = errors.New("session: unexpected frame")

	// ErrConnectionLost is the dispose reason when the transport ends before
	// both sides finished.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrDisposed is the default reason passed to Dispose.
	ErrDisposed = errors.New("session: disposed")
	// ErrNilDeferred is thrown when a command answers with a nil *Deferred.
	ErrNilDeferred = errors.New("session: nil deferred result")

	errTooManyPending = errors.New("too many pending results")
	errMissingCommand = errors.New("missing command name")
	errNilRejection   = errors.New("deferred rejected without error")
)

// ProtocolError reports a frame that does not fit the current call state.
// The session keeps running after reporting it.
type ProtocolError struct {
	Err   error
	Frame *message.Frame
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v (%s)", e.Err, e.Frame)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RemoteError carries the value sent with Throw or Reject. Decoded remote
// errors are *codec.Error and can be reached with errors.As.
type RemoteError struct {
	Value any
}

func (e *RemoteError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "remote: " + err.Error()
	}
	return fmt.Sprintf("remote: %v", e.Value)
}

func (e *RemoteError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// CommandNotFoundError is thrown back to the caller for an unknown command.
type CommandNotFoundError struct {
	Name string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %q not found", e.Name)
}

func (e *CommandNotFoundError) ErrorName() string {
	return "CommandNotFoundError"
}

type abortError struct {
	kind  error
	cause error
}

func aborted(kind, cause error) error {
	return &abortError{kind: kind, cause: cause}
}

func (e *abortError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *abortError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}
