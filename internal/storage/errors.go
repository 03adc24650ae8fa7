package storage

import "errors"

// NoLimit passed to CreateTask skips the per-user task cap
const NoLimit = -1

var (
	// ErrNotFound is returned by writes that target a missing row
	ErrNotFound = errors.New("record not found")

	// ErrLimitReached is returned when a user already owns the maximum number of tasks
	ErrLimitReached = errors.New("task limit reached")

	// ErrVersionConflict is returned when a task changed since it was read
	ErrVersionConflict = errors.New("task version conflict")

	// ErrDuplicateMigration is returned when a legacy job was already migrated
	ErrDuplicateMigration = errors.New("legacy job already migrated")
)
