// Package database provides sentinel errors for projection-store operations.
package database

import "errors"

// Sentinel errors for projection-store operations.
var (
	// ErrNotFound is returned when a requested entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrContributorNotFound is returned when a contributor record is not found.
	ErrContributorNotFound = errors.New("contributor not found")

	// ErrPositionNotFound is returned when a position record is not found.
	ErrPositionNotFound = errors.New("position not found")

	// ErrCheckpointNotFound is returned when no checkpoint has been recorded yet.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrStaleProjection is returned when a read targets a seq the projection
	// has not caught up to yet.
	ErrStaleProjection = errors.New("projection is behind the requested seq")
)
