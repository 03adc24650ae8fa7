package cronexpr

import "errors"

var (
	// ErrInvalidField is returned when a single cron field is malformed or out of bounds
	ErrInvalidField = errors.New("invalid cron field")

	// ErrInvalidExpression is returned when an expression does not have exactly five fields
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrInvalidTimezone is returned when a zone name cannot be resolved from the IANA database
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidDatetime is returned when a naive datetime string cannot be parsed
	ErrInvalidDatetime = errors.New("invalid datetime")

	// ErrNoMatch is returned when no occurrence exists within the search horizon
	ErrNoMatch = errors.New("no matching time within one year")
)
