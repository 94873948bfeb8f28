package metastore

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEndpoints is returned when a pool is constructed with no
	// endpoints configured.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrConstraint marks a write rejected by a store-level uniqueness
	// constraint. Constraint rejections are the store doing its job and
	// do not count against endpoint health.
	ErrConstraint = errors.New("constraint violation")
)

// TimeoutError wraps a deadline hit on a single endpoint call. It is
// retryable: the next pool selection may pick a different endpoint,
// but retry policy belongs to the caller.
type TimeoutError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on %s timed out: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout checks if an error is an endpoint timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// EndpointUnavailableError is returned when the pool has nothing to
// offer at all. An unhealthy-but-present pool degrades instead; see
// EndpointPool.Select.
type EndpointUnavailableError struct {
	Reason string
}

func (e *EndpointUnavailableError) Error() string {
	return "no endpoint available: " + e.Reason
}

// IsEndpointUnavailable checks if an error means no endpoint could be
// selected.
func IsEndpointUnavailable(err error) bool {
	var ue *EndpointUnavailableError
	return errors.As(err, &ue)
}
