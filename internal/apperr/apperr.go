// Package apperr defines the error taxonomy shared by the browser driver,
// the session manager and the HTTP surface. Every failure a caller can see
// carries a Kind, and every Kind maps to an Action telling the operator
// whether to retry, restart the session, wait, or fix the request.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are strings so they serialize
// naturally into API responses and log fields.
type Kind string

const (
	// KindLaunchFailure means the browser process or tab could not be started.
	KindLaunchFailure Kind = "LAUNCH_FAILURE"

	// KindNavigationTimeout means a navigation or input dispatch did not
	// complete within its deadline.
	KindNavigationTimeout Kind = "NAVIGATION_TIMEOUT"

	// KindCaptureFailure means a screenshot or DOM read failed.
	KindCaptureFailure Kind = "CAPTURE_FAILURE"

	// KindInvalidCoordinate means a click fell outside the reported viewport.
	KindInvalidCoordinate Kind = "INVALID_COORDINATE"

	// KindSessionExpired means the session does not exist or was swept.
	KindSessionExpired Kind = "SESSION_EXPIRED"

	// KindConcurrentSessionConflict means the owner already has a live session.
	KindConcurrentSessionConflict Kind = "CONCURRENT_SESSION_CONFLICT"

	// KindBrowserCrashed means the browser process or target died unexpectedly.
	KindBrowserCrashed Kind = "BROWSER_CRASHED"

	// KindExtractionParseError means the earnings view could not be parsed.
	KindExtractionParseError Kind = "EXTRACTION_PARSE_ERROR"

	// KindInvalidState means the operation is not allowed in the session's current state.
	KindInvalidState Kind = "INVALID_STATE"

	// KindInvalidInput means the request itself is malformed.
	KindInvalidInput Kind = "INVALID_INPUT"

	// KindInternal is used for anything unclassified.
	KindInternal Kind = "INTERNAL_ERROR"
)

// Action tells the operator what to do next after a failure.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionRestart  Action = "restart"
	ActionWait     Action = "wait"
	ActionFixInput Action = "fix_input"
)

// ActionFor returns the recommended follow-up for a kind.
func ActionFor(k Kind) Action {
	switch k {
	case KindNavigationTimeout, KindCaptureFailure, KindExtractionParseError, KindInternal:
		return ActionRetry
	case KindSessionExpired, KindBrowserCrashed:
		return ActionRestart
	case KindLaunchFailure, KindInvalidState:
		return ActionWait
	case KindInvalidCoordinate, KindInvalidInput, KindConcurrentSessionConflict:
		return ActionFixInput
	default:
		return ActionRetry
	}
}

// Retryable reports whether an automatic retry of the same call is sensible.
// Caller-input errors and crashes are never retried automatically.
func Retryable(k Kind) bool {
	switch k {
	case KindNavigationTimeout, KindCaptureFailure:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried through the service.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrLaunchFailure             = &Error{Kind: KindLaunchFailure}
	ErrNavigationTimeout         = &Error{Kind: KindNavigationTimeout}
	ErrCaptureFailure            = &Error{Kind: KindCaptureFailure}
	ErrInvalidCoordinate         = &Error{Kind: KindInvalidCoordinate}
	ErrSessionExpired            = &Error{Kind: KindSessionExpired}
	ErrConcurrentSessionConflict = &Error{Kind: KindConcurrentSessionConflict}
	ErrBrowserCrashed            = &Error{Kind: KindBrowserCrashed}
	ErrExtractionParseError      = &Error{Kind: KindExtractionParseError}
	ErrInvalidState              = &Error{Kind: KindInvalidState}
	ErrInvalidInput              = &Error{Kind: KindInvalidInput}
)

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. If err already carries a
// kind it is returned unchanged so the innermost classification wins.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
