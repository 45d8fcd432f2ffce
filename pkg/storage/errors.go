package storage

import "errors"

var (
	// Write errors

	// ErrCollision if an inserted row violates a uniqueness constraint.
	ErrCollision = errors.New("row already exists")
	// ErrTransactionalWriteFailed if two writes conflict inside one transaction.
	ErrTransactionalWriteFailed = errors.New("transactional write failed due to conflict")
	// ErrExceededWriteBatchLimit if an insert batch exceeds the configured maximum.
	ErrExceededWriteBatchLimit = errors.New("number of rows exceeded write batch limit")

	// Read errors

	ErrInvalidContinuationToken = errors.New("invalid continuation token")
	// ErrQueryTimeout if the store cancelled a statement for exceeding its
	// time budget. Distinct from the caller's own context deadline.
	ErrQueryTimeout = errors.New("statement timed out")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
	ErrNotFound  = errors.New("not found")
)
