package domain

import "errors"

// Store-level outcomes shared by every session store implementation.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("version conflict")
	ErrInvalidUpdate = errors.New("update violates session invariants")
)
