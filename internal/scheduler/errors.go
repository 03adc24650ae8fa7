package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotOwner is returned when a task belongs to another user
	ErrNotOwner = errors.New("task belongs to another user")

	// ErrTaskLimit is returned when the user's tier quota is used up
	ErrTaskLimit = errors.New("task limit reached")

	// ErrRunAtInPast is returned when a one-off run time is not in the future
	ErrRunAtInPast = errors.New("run time must be in the future")

	// ErrInvalidSchedule is returned for malformed schedules and cron expressions
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidInput is returned when task fields fail validation
	ErrInvalidInput = errors.New("invalid task input")

	// ErrUnknownUser is returned when the owning user does not exist
	ErrUnknownUser = errors.New("unknown user")
)
