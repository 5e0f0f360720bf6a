package gtp2ogs

import (
	"errors"
	"strconv"
)

// Sentinel errors for engine and session operations.
var (
	// ErrDeadEngine indicates a command was issued to an adapter that has
	// already reached its terminal state.
	ErrDeadEngine = errors.New("gtp2ogs: engine is dead")

	// ErrEngineExited indicates the engine process exited while a command
	// was still pending.
	ErrEngineExited = errors.New("gtp2ogs: engine exited")

	// ErrAuthFailed indicates the server rejected the bot credentials or
	// the bot account is unknown. Fatal — the process exits with code 1.
	ErrAuthFailed = errors.New("gtp2ogs: authentication failed")
)

// ProtocolError is a GTP failure reply: the engine answered a command with
// a '?' frame. Reason is the engine-supplied text after the marker.
//
// A ProtocolError marks the adapter as failed; the game layer counts
// failures and resigns the affected game past its retry threshold.
type ProtocolError struct {
	Command string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return "gtp2ogs: engine rejected " + strconv.Quote(e.Command) + ": " + e.Reason
}

// UnexpectedOutputError is a protocol violation: a response frame began
// with something other than '=' or '?'.
type UnexpectedOutputError struct {
	Command string
	Output  string
}

func (e *UnexpectedOutputError) Error() string {
	return "gtp2ogs: unexpected engine output for " + strconv.Quote(e.Command) + ": " + strconv.Quote(e.Output)
}

// TransportError wraps a stdin write failure on the engine pipe.
// Wraps the underlying error to preserve the chain — consumers can
// errors.Is to the OS-level cause.
type TransportError struct {
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	return "gtp2ogs: write " + strconv.Quote(e.Command) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExitError represents an engine process that exited with a non-zero
// status while work was pending. Wraps the underlying error to preserve
// the error chain — consumers can errors.As to *exec.ExitError for
// OS-level detail (signal info, etc.).
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
// ExitError always matches [ErrEngineExited] via errors.Is.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return "gtp2ogs: engine exited: " + e.Err.Error()
	}
	return "gtp2ogs: engine exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Is reports whether target is ErrEngineExited, so callers can test for
// the broad condition without caring about the exit code.
func (e *ExitError) Is(target error) bool { return target == ErrEngineExited }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
