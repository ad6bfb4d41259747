package errors

import "errors"

// Validation errors. Detected before any remote mutation.
var (
	ErrValidation  = errors.New("validation failed")
	ErrInvalidKind = errors.New("unsupported entity kind")
)

// Remote errors.
var (
	ErrNotFound         = errors.New("entity not found")
	ErrNameConflict     = errors.New("an entity with this name already exists")
	ErrMissingParent    = errors.New("parent not found")
	ErrRetriesExhausted = errors.New("retries exhausted")
)
