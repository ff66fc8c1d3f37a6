package packs

import (
	"errors"
	"fmt"
)

var (
	// ErrRejectedByLimiter signals an exhausted attempt or access window.
	// It is expected and recoverable by a later retry.
	ErrRejectedByLimiter = errors.New("rejected_by_limiter")
	// ErrStorageFault indicates an I/O, DNS or signature failure talking to storage.
	ErrStorageFault = errors.New("storage_fault")
	// ErrMalformedDescriptor indicates a bad key, URI or store name in configuration.
	ErrMalformedDescriptor = errors.New("malformed_descriptor")
	// ErrHashComputation wraps a failure during the digest step.
	ErrHashComputation = errors.New("hash_computation_fault")
	// ErrShutdown is returned once the resolver stopped accepting work.
	ErrShutdown = errors.New("resolver_shutdown")
	// ErrUnknownAsset indicates a name or context the catalog does not know.
	ErrUnknownAsset = errors.New("unknown_asset")
	// ErrInvalidIdentity indicates a player id or address that cannot be
	// canonicalised.
	ErrInvalidIdentity = errors.New("invalid_identity")
)

// StorageError is returned by AssetStore implementations. Limited marks the
// store's own access window as exhausted, which is not a fault.
type StorageError struct {
	Op      string
	Key     string
	Limited bool
	Err     error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	kind := "storage fault"
	if e.Limited {
		kind = "storage access limited"
	}
	return fmt.Sprintf("%s: %s %s: %v", kind, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	if e == nil {
		return false
	}
	if e.Limited {
		return target == ErrRejectedByLimiter
	}
	return target == ErrStorageFault
}

// LimitedError builds a limiter-flavoured storage error.
func LimitedError(op, key string, err error) error {
	if err == nil {
		err = errors.New("access window exhausted")
	}
	return &StorageError{Op: op, Key: key, Limited: true, Err: err}
}

// FaultError builds a storage fault.
func FaultError(op, key string, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// HashError reports a failed digest computation for an asset.
type HashError struct {
	Asset string
	Err   error
}

func (e *HashError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("compute hash for %s: %v", e.Asset, e.Err)
}

func (e *HashError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *HashError) Is(target error) bool {
	return e != nil && target == ErrHashComputation
}

// IsLimited reports whether err means "limit reached" at any layer.
func IsLimited(err error) bool {
	return errors.Is(err, ErrRejectedByLimiter)
}

// FailureKind returns a short label for a resolution error, used for metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedDescriptor):
		return "malformed_descriptor"
	case errors.Is(err, ErrHashComputation):
		return "hash_computation"
	case errors.Is(err, ErrStorageFault):
		return "storage_fault"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	default:
		return "internal"
	}
}
