package models

import "errors"

var (
	// ErrValidation marks a submission rejected before any record was created.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for unknown check ids.
	ErrNotFound = errors.New("check not found")

	// ErrAlreadyFinalized is returned when a terminal check receives another finalization.
	ErrAlreadyFinalized = errors.New("check already finalized")

	ErrInvalidFinalization = errors.New("invalid finalization")
)
