// Package errs provides structured error types and helpers for luxgrid components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeUsage indicates an API misuse such as calling a destroyed provider.
	CodeUsage Code = "usage"
	// CodeInvalid indicates invalid input provided by the caller or the peer.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates an operation abandoned after its liveness window.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates a missing resource or channel handler.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is temporarily unable to serve the call.
	CodeUnavailable Code = "unavailable"
	// CodeNotImplemented marks a reserved capability without behaviour.
	CodeNotImplemented Code = "not_implemented"
)

// E captures structured error information produced across luxgrid.
type E struct {
	Component string
	Code      Code
	Channel   string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Channel:   "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithChannel records the channel the failing operation targeted.
func WithChannel(channel string) Option {
	trimmed := strings.TrimSpace(channel)
	return func(e *E) {
		e.Channel = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Channel != "" {
		parts = append(parts, "channel="+strconv.Quote(e.Channel))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err carries an *E envelope with the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// IsUsage reports whether err signals API misuse rather than a transport failure.
func IsUsage(err error) bool {
	return IsCode(err, CodeUsage)
}

// NotImplemented returns a standardized error for reserved capabilities.
func NotImplemented(component, msg string) *E {
	return New(component, CodeNotImplemented, WithMessage(msg))
}
