// Package errors provides the error classification used across the agent.
//
// Every error crossing a component boundary carries two orthogonal labels:
// the handling Class (transient, invalid, fatal) that drives retry decisions,
// and the domain Kind (validation, not-found, conflict, upstream-unavailable,
// storage, corrupted-state) that the HTTP boundary maps to a status code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind is the domain category of a failure as seen by callers of the agent.
type Kind int

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = iota
	// KindValidation means missing or malformed input.
	KindValidation
	// KindNotFound means an unknown OID, adapterId or mapping.
	KindNotFound
	// KindConflict means adapterId reuse or an attempt to change an immutable field.
	KindConflict
	// KindUpstreamUnavailable means the registry or a peer was unreachable or failed.
	KindUpstreamUnavailable
	// KindStorage means a local key-value store operation failed.
	KindStorage
	// KindCorruptedState means a stored document could not be parsed.
	KindCorruptedState
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindUpstreamUnavailable:
		return "upstream-unavailable"
	case KindStorage:
		return "storage"
	case KindCorruptedState:
		return "corrupted-state"
	default:
		return "unknown"
	}
}

// Class returns the handling class implied by a kind.
func (k Kind) Class() ErrorClass {
	switch k {
	case KindValidation, KindNotFound, KindConflict:
		return ErrorInvalid
	case KindCorruptedState:
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// HTTPStatus maps a kind to the status code reported to API callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// kindError is a sentinel that knows its kind.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Kind reports the sentinel's kind.
func (e *kindError) Kind() Kind { return e.kind }

// New returns a sentinel error of the given kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Standard error variables for common conditions
var (
	// Input errors
	ErrMissingParameters = New(KindValidation, "missing parameters")
	ErrInvalidData       = New(KindValidation, "invalid data format")
	ErrQueryShape        = New(KindValidation, "query must contain exactly one top-level block")
	ErrWrongTarget       = New(KindValidation, "request is not addressed to this node")

	// Lookup errors
	ErrObjectNotFound  = New(KindNotFound, "object not found")
	ErrMappingNotFound = New(KindNotFound, "mapping not found")
	ErrKeyNotFound     = New(KindNotFound, "key not found")

	// Conflict errors
	ErrAdapterIDTaken     = New(KindConflict, "adapterId already registered")
	ErrAdapterIDImmutable = New(KindConflict, "adapterId cannot be changed")
	ErrOIDTaken           = New(KindConflict, "oid already registered")

	// Upstream errors
	ErrRegistryUnavailable = New(KindUpstreamUnavailable, "registry unavailable")
	ErrPeerUnavailable     = New(KindUpstreamUnavailable, "peer agent unavailable")
	ErrLoginExhausted      = New(KindUpstreamUnavailable, "login attempts exhausted")
	ErrNoVisibleItems      = New(KindValidation, "no items visible for your organisation in this query")

	// Storage errors
	ErrStorageUnavailable = New(KindStorage, "storage unavailable")

	// Corruption errors
	ErrCorruptedMapping = New(KindCorruptedState, "corrupted mapping")
	ErrDataCorrupted    = New(KindCorruptedState, "data corrupted")

	// Configuration errors
	ErrInvalidConfig = New(KindValidation, "invalid configuration")
	ErrMissingConfig = New(KindValidation, "missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// KindOf returns the domain kind recorded anywhere in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Kind != KindUnknown {
		return ce.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	if k := KindOf(err); k != KindUnknown {
		return k.Class() == ErrorTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return KindOf(err).Class() == ErrorFatal
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return KindOf(err).Class() == ErrorInvalid
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Unknown errors default to transient so callers may retry
	return ErrorTransient
}

func newClassified(class ErrorClass, kind Kind, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps err with context and tags it with kind. The class follows the kind.
func WrapKind(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(kind.Class(), kind, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransient wraps an error as transient with context. The kind of err is preserved.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindValidation
	}
	return newClassified(ErrorInvalid, kind, wrappedErr, component, method, wrappedErr.Error())
}

// Storage tags a key-value store failure.
func Storage(err error, component, method, action string) error {
	return WrapKind(err, KindStorage, component, method, action)
}

// Upstream tags a registry, peer or semantic service failure.
func Upstream(err error, component, method, action string) error {
	return WrapKind(err, KindUpstreamUnavailable, component, method, action)
}

// Is, As and Join re-export the standard library helpers so callers need a single import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
