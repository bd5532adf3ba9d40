package domain

import "errors"

var (
	ErrDuplicateTask       = errors.New("duplicate task id")
	ErrNotFound            = errors.New("task not found")
	ErrUnknownBackend      = errors.New("unknown backend")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidOutcome      = errors.New("outcome is not terminal")
	ErrPersistenceDegraded = errors.New("persistence degraded")
)
