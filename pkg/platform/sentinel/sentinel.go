package sentinel

import "errors"

// Store-level sentinel errors. Stores return these (optionally wrapped) and
// services translate them into domain errors exactly once.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalidInput marks rows the backend refuses outright.
	ErrInvalidInput = errors.New("invalid input")
)
