package response

import (
	"errors"
	"fmt"
)

// Failure kinds. Every one of them is terminal for the adapter that recorded it.
var (
	ErrUpstreamConnect  = errors.New("upstream connect failed")
	ErrUpstreamRead     = errors.New("upstream read failed")
	ErrRangeUnavailable = errors.New("range no longer available")
	ErrInvalidRequest   = errors.New("invalid read request")
)

// ErrClosed is returned by reads on an adapter that has been closed.
var ErrClosed = errors.New("response adapter closed")

// wrap attaches cause to the sentinel kind so callers can match either.
func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// FailureKind returns a short label for err, suitable for metrics.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamConnect):
		return "connect"
	case errors.Is(err, ErrUpstreamRead):
		return "read"
	case errors.Is(err, ErrRangeUnavailable):
		return "range"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "other"
}
