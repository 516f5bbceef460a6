package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// ErrConflict reports a lost conditional update: another worker moved the
	// row first. Callers treat it as a benign skip.
	ErrConflict = errors.New("conflict: row changed concurrently")

	// ErrIntegrity reports a stored artifact whose recomputed content hash
	// differs from the recorded one. It is never retried.
	ErrIntegrity = errors.New("integrity check failed")

	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInsufficientFund = errors.New("insufficient balance")
	ErrUnsupported      = errors.New("operation not supported by this store")
)
