package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure sentinels for the fetch and health pipelines. Callers classify
// with errors.Is; everything is converted to persisted state, never
// propagated to the web layer as a fault.
var (
	// ErrNetwork covers connection failures and timeouts. Retryable.
	ErrNetwork = errors.New("network error")
	// ErrInvalidContent covers non-image, unsupported or corrupt payloads.
	// Retryable until the ceiling exhausts it.
	ErrInvalidContent = errors.New("invalid content")
	// ErrSizeLimit marks a payload that exceeded the byte cap.
	ErrSizeLimit = errors.New("size limit exceeded")
	// ErrArchiveUnavailable marks a failed archive lookup/capture. Always
	// retryable and non-fatal to health status.
	ErrArchiveUnavailable = errors.New("archive unavailable")
	// ErrNoSnapshot means the archive has no snapshot for the URL.
	ErrNoSnapshot = errors.New("no archive snapshot")
	// ErrRetryExhausted marks an entry at its retry ceiling.
	ErrRetryExhausted = errors.New("retry ceiling reached")
	// ErrNotFound is returned by stores for missing rows where absence is an error.
	ErrNotFound = errors.New("not found")
)

// FailureKind maps a pipeline error to the stable string the web layer sees.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSizeLimit):
		return "size_limit_exceeded"
	case errors.Is(err, ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	default:
		return "network_error"
	}
}

// AsNetworkErr wraps a transport failure in ErrNetwork, preserving detail.
// Context deadline and net timeouts are treated identically to connection
// failures and feed the same retry accounting.
func AsNetworkErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// IsTimeout reports whether the error was a deadline or net-level timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
