package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed taxonomy of failures the pipeline reacts to.
type Kind int

// Failure kinds. Retryable kinds are absorbed by the orchestrator up to the
// consecutive-error cap; the rest terminate the run or are logged only.
const (
	KindUnexpected Kind = iota
	KindRateLimited
	KindTransientNetwork
	KindFatalStatus
	KindMalformedPayload
	KindSinkWrite
	KindUpload
)

var kindNames = map[Kind]string{
	KindUnexpected:       "unexpected",
	KindRateLimited:      "rate_limited",
	KindTransientNetwork: "transient_network",
	KindFatalStatus:      "fatal_status",
	KindMalformedPayload: "malformed_payload",
	KindSinkWrite:        "sink_write",
	KindUpload:           "upload",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the orchestrator retries the same cursor.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransientNetwork, KindFatalStatus, KindMalformedPayload:
		return true
	default:
		return false
	}
}

// Error is a classified failure. StatusCode is zero when no response exists.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Detail     string
	Err        error
}

// NewError builds a classified error wrapping err.
func NewError(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Err: err, Detail: detail}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, defaulting to KindUnexpected.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnexpected
}
