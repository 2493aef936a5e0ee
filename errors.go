package commentsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinels
// ============================================================================

var (
	// ErrNetwork matches request errors caused by the transport layer.
	ErrNetwork = errors.New("commentsync: network error")
	// ErrDecode matches request errors caused by an undecodable response body.
	ErrDecode = errors.New("commentsync: decode error")
	// ErrServerStatus matches request errors caused by a non-2xx response.
	ErrServerStatus = errors.New("commentsync: unexpected server status")
	// ErrTimeout matches request errors caused by the per-call deadline.
	ErrTimeout = errors.New("commentsync: request timed out")

	// ErrNotConnected is returned by RealtimeClient.Send without an open stream.
	ErrNotConnected = errors.New("commentsync: stream not connected")

	ErrEmptyMessage   = errors.New("commentsync: message text is empty")
	ErrStopped        = errors.New("commentsync: engine stopped")
	ErrAlreadyStarted = errors.New("commentsync: engine already started")
)

// ============================================================================
// Request errors (fetch / publish)
// ============================================================================

// ErrorKind classifies a RequestError.
type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindDecode  ErrorKind = "decode"
	KindStatus  ErrorKind = "status"
	KindTimeout ErrorKind = "timeout"
	KindEncode  ErrorKind = "encode"
)

// Request operations.
const (
	OpFetch   = "fetch"
	OpPublish = "publish"
)

// RequestError is returned by FetchHistory (Op "fetch") and Publish
// (Op "publish").
type RequestError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int // set when Kind is KindStatus
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is lets errors.Is match a RequestError against the kind sentinels.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrDecode:
		return e.Kind == KindDecode
	case ErrServerStatus:
		return e.Kind == KindStatus
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// ============================================================================
// Transport errors
// ============================================================================

// TransportErrorKind classifies a TransportError.
type TransportErrorKind string

const (
	TransportConnect   TransportErrorKind = "connect"
	TransportSend      TransportErrorKind = "send"
	TransportDecode    TransportErrorKind = "decode"
	TransportRead      TransportErrorKind = "read"
	TransportKeepalive TransportErrorKind = "keepalive"
)

// TransportError is carried by ConnectionState.Err when the stream fails.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s failed: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ============================================================================
// Cache errors
// ============================================================================

// CacheErrorKind classifies a CacheError.
type CacheErrorKind string

const (
	CacheSerialize   CacheErrorKind = "serialize"
	CacheDeserialize CacheErrorKind = "deserialize"
	CacheStorage     CacheErrorKind = "storage"
)

// CacheError describes a swallowed persistence failure. It is only ever
// logged; Cache never returns it to callers.
type CacheError struct {
	Kind CacheErrorKind
	Key  string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Kind, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
