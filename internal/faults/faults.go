package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure seen by the offline layer.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that carry no Kind.
	KindUnknown Kind = iota
	// NetworkUnreachable indicates the remote peer could not be reached.
	NetworkUnreachable
	// Timeout indicates a bounded network call exceeded its deadline.
	Timeout
	// NonSuccessStatus indicates the peer answered with a non-2xx status.
	NonSuccessStatus
	// CacheMiss indicates the store holds no entry for the key.
	CacheMiss
	// StoreIOFailure indicates the store backend failed to read or write.
	StoreIOFailure
	// Canceled indicates the caller gave up before the call finished.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case NetworkUnreachable:
		return "NETWORK_UNREACHABLE"
	case Timeout:
		return "TIMEOUT"
	case NonSuccessStatus:
		return "NON_SUCCESS_STATUS"
	case CacheMiss:
		return "CACHE_MISS"
	case StoreIOFailure:
		return "STORE_IO_FAILURE"
	case Canceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Error is a failure with a Kind and the resource it concerns.
type Error struct {
	Kind    Kind
	Key     string
	Message string
	Status  int // set for NonSuccessStatus
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Key != "" {
		return fmt.Sprintf("%s for %q: %s", e.Kind, e.Key, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same Kind, so errors.Is(err, &Error{Kind: Timeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, key, message string, cause error) *Error {
	return &Error{Kind: kind, Key: key, Message: message, Cause: cause}
}

func NewTimeout(key string, cause error) *Error {
	return New(Timeout, key, "request timed out", cause)
}

func NewUnreachable(key string, cause error) *Error {
	return New(NetworkUnreachable, key, "network unreachable", cause)
}

func NewStatus(key string, status int) *Error {
	e := New(NonSuccessStatus, key, fmt.Sprintf("unexpected status %d", status), nil)
	e.Status = status
	return e
}

func NewMiss(key string) *Error {
	return New(CacheMiss, key, "no cached entry", nil)
}

func NewStoreIO(key, message string, cause error) *Error {
	return New(StoreIOFailure, key, message, cause)
}

func NewCanceled(key string, cause error) *Error {
	return New(Canceled, key, "request canceled", cause)
}

// FromContext maps a transport error to Canceled, Timeout or NetworkUnreachable.
func FromContext(key string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return NewCanceled(key, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(key, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewTimeout(key, err)
	}
	return NewUnreachable(key, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
