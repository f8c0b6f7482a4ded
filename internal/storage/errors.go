package storage

import "errors"

var (
	// ErrNotFound is returned when no email row matches the requested id.
	ErrNotFound = errors.New("storage: email not found")
	// ErrStatusConflict is returned when a conditional update matched no row
	// because the email was no longer in the expected state.
	ErrStatusConflict = errors.New("storage: email status conflict")
	ErrSetDialect     = errors.New("storage migrator: failed to set dialect")
	ErrApplyMigration = errors.New("storage migrator: failed to apply migrations")
)
