package storage

import (
	"context"
	"errors"
	"net"

	"github.com/prn-tf/sealstore/internal/domain"
)

var (
	// ErrLifecycleUnsupported is returned when a backend has no native lifecycle policies.
	ErrLifecycleUnsupported = errors.New("lifecycle policies not supported by backend")

	// ErrStatsUnsupported is returned when a backend cannot report native usage.
	ErrStatsUnsupported = errors.New("usage stats not supported by backend")
)

// wrap builds a *domain.BackendError for an operation on loc.
func wrap(op string, provider domain.Provider, loc Location, err error) error {
	if err == nil {
		return nil
	}
	return &domain.BackendError{
		Op:       op,
		Provider: string(provider),
		Region:   loc.Region.ID,
		Bucket:   loc.Bucket,
		Key:      loc.Key,
		Err:      err,
	}
}

// IsNotFound returns true if err reports a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrObjectNotFound)
}

// IsTimeout returns true if err was caused by a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Classify maps a backend error onto the storage error kinds.
// Timeouts are kept distinct from other transport failures so callers can
// choose a backoff.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsTimeout(err):
		return domain.ErrTimeout
	case IsNotFound(err):
		return domain.ErrObjectNotFound
	default:
		return domain.ErrBackendUnavailable
	}
}
