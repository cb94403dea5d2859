package errutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind string

const (
	KindUnknown              Kind = ""
	KindValidation           Kind = "VALIDATION"
	KindTemporalOrder        Kind = "TEMPORAL_ORDER"
	KindCapacity             Kind = "CAPACITY"
	KindDependency           Kind = "DEPENDENCY"
	KindComputationInvariant Kind = "COMPUTATION_INVARIANT"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code       CoreStatus    `json:"code"`
	Kind       Kind          `json:"kind,omitempty"`
	Message    string        `json:"message"`
	Details    []Detail      `json:"details,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	body := map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
		"details": e.Details,
	}
	if e.Kind != KindUnknown {
		body["kind"] = e.Kind
	}
	if e.RetryAfter > 0 {
		body["retry_after_seconds"] = int64(e.RetryAfter.Round(time.Second) / time.Second)
	}
	return map[string]interface{}{"error": body}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		parts := make([]string, 0, len(e.Details))
		for _, d := range e.Details {
			parts = append(parts, strings.TrimSpace(d.Field)+": "+d.Message)
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, "; "))
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Public renders the error without the wrapped cause so dependency details
// stay inside the process boundary.
func (e BaseError) Public() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = append(be.Details, details...) }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func WithRetryAfter(d time.Duration) Option {
	return func(be *BaseError) { be.RetryAfter = d }
}

func WithKind(k Kind) Option {
	return func(be *BaseError) { be.Kind = k }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func NotFound(msg string, err error, options ...Option) error {
	return New(StatusNotFound, msg, append(options, WithErr(err))...)
}

func BadRequest(msg string, err error, options ...Option) error {
	return New(StatusBadRequest, msg, append(options, WithErr(err))...)
}

func Internal(msg string, err error, options ...Option) error {
	return New(StatusInternal, msg, append(options, WithErr(err))...)
}

// Validation reports malformed input: bad event shape, bad model config,
// empty journey. Never retried.
func Validation(msg string, err error, options ...Option) error {
	return New(StatusValidationFailed, msg, append(options, WithErr(err), WithKind(KindValidation))...)
}

// TemporalOrder reports events supplied out of timestamp order. Never retried.
func TemporalOrder(msg string, err error, options ...Option) error {
	return New(StatusUnprocessableEntity, msg, append(options, WithErr(err), WithKind(KindTemporalOrder))...)
}

// Capacity reports a rate limit or a full queue. Carries retry-after.
func Capacity(msg string, retryAfter time.Duration, options ...Option) error {
	return New(StatusTooManyRequests, msg, append(options, WithRetryAfter(retryAfter), WithKind(KindCapacity))...)
}

// Dependency reports an unreachable broker or store.
func Dependency(msg string, err error, options ...Option) error {
	return New(StatusServiceUnavailable, msg, append(options, WithErr(err), WithKind(KindDependency))...)
}

// ComputationInvariant reports a model run that failed its own postcondition.
func ComputationInvariant(msg string, options ...Option) error {
	return New(StatusInternal, msg, append(options, WithKind(KindComputationInvariant))...)
}

// KindOf returns the kind of the first BaseError in err's chain.
func KindOf(err error) Kind {
	var be BaseError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether a failure is transient. Validation and
// temporal-order failures are permanent; everything else may succeed later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindTemporalOrder, KindComputationInvariant:
		return false
	default:
		return true
	}
}

// RetryAfter returns the retry hint carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var be BaseError
	if errors.As(err, &be) && be.RetryAfter > 0 {
		return be.RetryAfter
	}
	return 0
}
