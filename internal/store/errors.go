package store

import "errors"

// Storage errors for the indexed entity stores.
var (
	// ErrInvalidInput is returned when input validation fails, e.g. a
	// missing id on insert.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose id already
	// exists. Overwriting through insert would leave the old status and
	// attribute indexes stale, so it is rejected outright.
	ErrDuplicateKey = errors.New("duplicate key")
)
