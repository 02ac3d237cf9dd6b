package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when creating an entity whose key is taken.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrVersionConflict is wrapped by every *VersionConflictError.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrLedgerImmutable is returned when updating a tool execution that has
	// already reached a terminal status.
	ErrLedgerImmutable = errors.New("storage: tool execution is terminal")
)

// VersionConflictError reports a compare-and-swap miss on an investigation.
// Callers re-read and retry; the store never merges.
type VersionConflictError struct {
	InvestigationID string
	Current         int64
	Submitted       int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("storage: version conflict on %s: current %d, submitted %d",
		e.InvestigationID, e.Current, e.Submitted)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }
