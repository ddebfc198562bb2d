package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDataIntegrity means an internal invariant broke. It is a bug, not an input problem.
	ErrDataIntegrity = errors.New("data integrity violation")
	ErrStorage       = errors.New("storage error")
)
