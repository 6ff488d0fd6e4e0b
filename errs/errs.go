// Package errs provides structured error types and helpers for Weir services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category from the pipeline taxonomy.
type Code string

const (
	// CodeTransport indicates a venue connect/subscribe/read failure.
	CodeTransport Code = "transport"
	// CodeDataQuality indicates a gap, duplicate, out-of-order, latency,
	// stale, or mismatch condition detected on a stream.
	CodeDataQuality Code = "data_quality"
	// CodeInvariant indicates a normalized-event contract violation
	// (unknown market type, missing stream identity).
	CodeInvariant Code = "invariant"
	// CodeStorage indicates a journal or snapshot persistence failure.
	CodeStorage Code = "storage"
	// CodeReplay indicates a journal replay failure.
	CodeReplay Code = "replay"
	// CodeLifecycle indicates a start/stop/cleanup failure.
	CodeLifecycle Code = "lifecycle"
	// CodeConfig indicates invalid or missing configuration.
	CodeConfig Code = "config"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Weir stack.
type E struct {
	Component string
	Code      Code
	Venue     string
	StreamID  string
	Topic     string
	Symbol    string
	HTTP      int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating component and code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
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

// WithVenue records the venue the error originated from.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithStream records the stream identity associated with the error.
func WithStream(streamID string) Option {
	trimmed := strings.TrimSpace(streamID)
	return func(e *E) {
		e.StreamID = trimmed
	}
}

// WithTopic records the bus topic associated with the error.
func WithTopic(topic string) Option {
	trimmed := strings.TrimSpace(topic)
	return func(e *E) {
		e.Topic = trimmed
	}
}

// WithSymbol records the canonical symbol associated with the error.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.StreamID != "" {
		parts = append(parts, "stream="+e.StreamID)
	}
	if e.Topic != "" {
		parts = append(parts, "topic="+e.Topic)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Returns an empty Code when err carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
