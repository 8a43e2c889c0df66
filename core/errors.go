package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed vocabulary of failure classes a caller can branch
// on via errors.Is/errors.As, rather than on message text.
type ErrorKind string

const (
	ErrCryptoFailure       ErrorKind = "crypto_failure"
	ErrIntegrityViolation  ErrorKind = "integrity_violation"
	ErrInsufficientShards  ErrorKind = "insufficient_shards"
	ErrShardMismatch       ErrorKind = "shard_mismatch"
	ErrQuorumFailed        ErrorKind = "quorum_failed"
	ErrTimeout             ErrorKind = "timeout"
	ErrNotConnected        ErrorKind = "not_connected"
	ErrDialFailure         ErrorKind = "dial_failure"
	ErrNameExists          ErrorKind = "name_exists"
	ErrNotFound            ErrorKind = "not_found"
	ErrKeystoreLocked      ErrorKind = "keystore_locked"
	ErrKeystoreCorrupt     ErrorKind = "keystore_corrupt"
	ErrKeystoreMissing     ErrorKind = "keystore_missing"
	ErrBestEffortDeletion  ErrorKind = "best_effort_deletion"
	ErrCatalogBusy         ErrorKind = "catalog_busy"
	ErrCatalogCorrupt      ErrorKind = "catalog_corrupt"
	ErrQueueFull           ErrorKind = "queue_full"
	ErrActorRestarted      ErrorKind = "actor_restarted"
)

// StorageError is the concrete error type every engine-level failure is
// reported as. Fields carries whatever context the caller needs to build a
// log line or a user-facing message without re-parsing Err.
type StorageError struct {
	Kind   ErrorKind
	Err    error
	Fields map[string]any
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is a *StorageError of the same Kind, so callers
// can write errors.Is(err, &StorageError{Kind: ErrNotFound}).
func (e *StorageError) Is(target error) bool {
	var other *StorageError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// NewStorageError builds a StorageError, optionally attaching Fields via
// alternating key/value pairs (an odd count drops the trailing key).
func NewStorageError(kind ErrorKind, err error, kv ...any) *StorageError {
	se := &StorageError{Kind: kind, Err: err}
	if len(kv) > 0 {
		se.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			se.Fields[key] = kv[i+1]
		}
	}
	return se
}

// Sentinel values for use with errors.Is when no extra context is needed.
var (
	ErrKindNotFound       = &StorageError{Kind: ErrNotFound}
	ErrKindNotConnected   = &StorageError{Kind: ErrNotConnected}
	ErrKindKeystoreLocked = &StorageError{Kind: ErrKeystoreLocked}
	ErrKindQueueFull      = &StorageError{Kind: ErrQueueFull}
)

// InsufficientShardsError reports that fewer than needed shards could be
// retrieved to reconstruct a file.
func InsufficientShardsError(got, needed int) *StorageError {
	return NewStorageError(ErrInsufficientShards, fmt.Errorf("got %d shards, need %d", got, needed),
		"got", got, "needed", needed)
}

// QuorumFailedError reports that a write could not reach its required quorum.
func QuorumFailedError(storedOn, needed int) *StorageError {
	return NewStorageError(ErrQuorumFailed, fmt.Errorf("stored on %d peers, needed %d", storedOn, needed),
		"stored_on", storedOn, "needed", needed)
}
