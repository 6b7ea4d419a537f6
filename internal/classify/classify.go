package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the failure classification. Every raw failure maps to exactly one
// kind; anything not explicitly matched is Permanent (fail closed, never
// silently retry the unknown).
type Kind string

const (
	KindRetriable Kind = "RETRIABLE"
	KindPermanent Kind = "PERMANENT"
	KindCritical  Kind = "CRITICAL"
	KindSecurity  Kind = "SECURITY"
)

// Retriable reports whether the kind is eligible for bounded automatic retry.
func (k Kind) Retriable() bool { return k == KindRetriable }

// Alarms reports whether the kind must raise an immediate out-of-band alarm.
func (k Kind) Alarms() bool { return k == KindCritical || k == KindSecurity }

// Error is a classified failure. It carries the kind, the channel the failure
// occurred on (empty when not channel-specific), and the HTTP status when the
// failure came from an endpoint response.
type Error struct {
	Kind    Kind
	Channel string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with an explicit kind.
func NewError(kind Kind, channel, message string, err error) *Error {
	return &Error{Kind: kind, Channel: channel, Message: message, Err: err}
}

// Status classifies an HTTP response status from a channel endpoint.
// 2xx never reaches here; callers treat it as success.
//
//	429, 408, 5xx        -> Retriable
//	401, 403             -> Critical (credential invalid or revoked)
//	remaining 4xx, other -> Permanent
func Status(status int) Kind {
	switch {
	case status == 429 || status == 408:
		return KindRetriable
	case status >= 500 && status <= 599:
		return KindRetriable
	case status == 401 || status == 403:
		return KindCritical
	default:
		return KindPermanent
	}
}

// StatusError classifies a non-2xx endpoint response into an *Error. The body
// is truncated and kept only as diagnostics; classification depends solely on
// the status code.
func StatusError(channel string, status int, body string) *Error {
	const maxBody = 200
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{
		Kind:    Status(status),
		Channel: channel,
		Status:  status,
		Message: strings.TrimSpace("endpoint rejected request: " + body),
	}
}

// TransportError classifies a transport-level failure (dial, TLS, timeout).
// Timeouts and connection errors are Retriable; a cancelled context keeps its
// cause classification out of the retry loop by mapping to Permanent.
func TransportError(channel string, err error) *Error {
	kind := KindRetriable
	if errors.Is(err, context.Canceled) {
		kind = KindPermanent
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		kind = KindRetriable
	}
	return &Error{Kind: kind, Channel: channel, Message: "request failed", Err: err}
}

// KindOf extracts the classification from any error. Unclassified errors are
// Permanent.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPermanent
}

// AsError returns err as a classified *Error, wrapping unclassified errors as
// Permanent so every failure leaving the dispatcher carries exactly one kind.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindPermanent, Message: "unclassified failure", Err: err}
}
