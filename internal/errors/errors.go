// Package errors defines the gateway's canonical error taxonomy.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindReauthRequired
	KindBrokerUnreachable
	KindBrokerRejected
	KindSymbolNotFound
	KindNotConfigured
	KindInternalMapping
	KindBadRequest
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	KindInvalidCredentials: "InvalidCredentials",
	KindReauthRequired:     "ReauthRequired",
	KindBrokerUnreachable:  "BrokerUnreachable",
	KindBrokerRejected:     "BrokerRejected",
	KindSymbolNotFound:     "SymbolNotFound",
	KindNotConfigured:      "NotConfigured",
	KindInternalMapping:    "InternalMappingError",
	KindBadRequest:         "BadRequest",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidCredentials = &GatewayError{Kind: KindInvalidCredentials, sentinel: true}
	ErrReauthRequired     = &GatewayError{Kind: KindReauthRequired, sentinel: true}
	ErrBrokerUnreachable  = &GatewayError{Kind: KindBrokerUnreachable, sentinel: true}
	ErrBrokerRejected     = &GatewayError{Kind: KindBrokerRejected, sentinel: true}
	ErrSymbolNotFound     = &GatewayError{Kind: KindSymbolNotFound, sentinel: true}
	ErrNotConfigured      = &GatewayError{Kind: KindNotConfigured, sentinel: true}
	ErrInternalMapping    = &GatewayError{Kind: KindInternalMapping, sentinel: true}
	ErrBadRequest         = &GatewayError{Kind: KindBadRequest, sentinel: true}
)

// GatewayError is the single error type surfaced by the gateway core.
type GatewayError struct {
	Kind       Kind
	Broker     string
	Op         string
	Message    string
	BrokerCode string
	// OutcomeUnknown is set when a write may or may not have reached the broker.
	OutcomeUnknown bool
	Err            error

	sentinel bool
}

func (e *GatewayError) Error() string {
	msg := e.Kind.String()
	if e.Broker != "" {
		msg += " [" + e.Broker
		if e.Op != "" {
			msg += " " + e.Op
		}
		msg += "]"
	}
	if e.BrokerCode != "" {
		msg += " (" + e.BrokerCode + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a GatewayError of the given kind.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Newf creates a GatewayError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// Unreachable reports a network or timeout failure talking to a broker.
// For writes the outcome at the broker is unknown.
func Unreachable(broker, op string, err error, write bool) *GatewayError {
	ge := &GatewayError{
		Kind:           KindBrokerUnreachable,
		Broker:         broker,
		Op:             op,
		Err:            err,
		OutcomeUnknown: write,
	}
	if write {
		ge.Message = "outcome unknown, reconcile via order book before retrying"
	}
	return ge
}

// Rejected reports a business rejection by the broker, preserving its message.
func Rejected(broker, op, code, message string) *GatewayError {
	return &GatewayError{
		Kind:       KindBrokerRejected,
		Broker:     broker,
		Op:         op,
		BrokerCode: code,
		Message:    message,
	}
}

// Reauth reports that the user must authenticate with the broker again.
func Reauth(broker, message string, err error) *GatewayError {
	return &GatewayError{Kind: KindReauthRequired, Broker: broker, Message: message, Err: err}
}

// Mapping reports a canonical field value with no broker encoding.
func Mapping(broker, field string, value interface{}) *GatewayError {
	return &GatewayError{
		Kind:    KindInternalMapping,
		Broker:  broker,
		Message: fmt.Sprintf("no %s mapping for %v", field, value),
	}
}

// NotConfigured reports missing credentials for a broker.
func NotConfigured(broker, message string) *GatewayError {
	return &GatewayError{Kind: KindNotConfigured, Broker: broker, Message: message}
}

// KindOf returns the kind of the first GatewayError in err's chain.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a read may be retried after err.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindBrokerUnreachable
}

// IsOutcomeUnknown reports whether err is an ambiguous write failure.
func IsOutcomeUnknown(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.OutcomeUnknown
}

// HTTPStatus maps a kind to the status code used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidCredentials, KindReauthRequired:
		return http.StatusUnauthorized
	case KindBrokerUnreachable:
		return http.StatusBadGateway
	case KindBrokerRejected:
		return http.StatusUnprocessableEntity
	case KindSymbolNotFound:
		return http.StatusNotFound
	case KindNotConfigured:
		return http.StatusPreconditionFailed
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
