// Package apierr defines the error kinds shared by every layer of askbridge.
// Callers branch on Kind rather than on message text.
package apierr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide between re-acquisition,
// escalation, retry and surfacing.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthentication means the credentials were rejected or expired.
	KindAuthentication
	// KindBotProtection means an anti-automation interstitial blocked the request.
	KindBotProtection
	// KindRateLimit is never retried silently.
	KindRateLimit
	// KindInvalidParameter is raised before any network call.
	KindInvalidParameter
	// KindNetwork covers transport failures that survived the retry budget.
	KindNetwork
	KindChallengeUnsolved
	KindNoSession
	KindNotFound
	// KindUpstream is any other non-success status from the target.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindBotProtection:
		return "bot_protection"
	case KindRateLimit:
		return "rate_limit"
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindNetwork:
		return "network"
	case KindChallengeUnsolved:
		return "challenge_unsolved"
	case KindNoSession:
		return "no_session"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Status int
	// Attempts holds a human-readable connection-attempt summary when the
	// failure came out of session acquisition.
	Attempts string
	// RequestID is the upstream correlation id, if the target returned one.
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request %s]", e.RequestID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New builds an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a generic retry loop may try again.
// Authentication is handled by re-acquisition, not by retry.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// Escalatable reports whether the caller should fall through to the browser path.
func Escalatable(err error) bool {
	switch KindOf(err) {
	case KindBotProtection, KindNetwork, KindUpstream, KindAuthentication, KindNoSession:
		return true
	}
	return false
}
