package models

import "errors"

// Shared domain errors returned by the persistence layer and checked with
// errors.Is at the API boundary.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
