// Package cronexpr evaluates standard 5-field cron expressions in IANA time
// zones at minute granularity.
package cronexpr

import (
	"fmt"
	"strings"
	"time"
)

// maxScanMinutes bounds the next-occurrence search to roughly one year.
const maxScanMinutes = 366 * 24 * 60

// Expression is a parsed "minute hour day-of-month month day-of-week" expression.
// Day-of-week uses 0 for Sunday through 6 for Saturday.
type Expression struct {
	source string

	Minutes     []int
	Hours       []int
	DaysOfMonth []int
	Months      []int
	DaysOfWeek  []int

	minute, hour, dom, month, dow uint64
}

// Parse parses a 5-field cron expression. Seconds fields, named months or
// days and "@" aliases are rejected.
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: %q must have 5 fields, got %d", ErrInvalidExpression, expr, len(fields))
	}

	specs := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}

	sets := make([][]int, len(specs))
	for i, spec := range specs {
		values, err := ParseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.name, err)
		}
		sets[i] = values
	}

	return &Expression{
		source:      strings.Join(fields, " "),
		Minutes:     sets[0],
		Hours:       sets[1],
		DaysOfMonth: sets[2],
		Months:      sets[3],
		DaysOfWeek:  sets[4],
		minute:      mask(sets[0]),
		hour:        mask(sets[1]),
		dom:         mask(sets[2]),
		month:       mask(sets[3]),
		dow:         mask(sets[4]),
	}, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func (e *Expression) String() string { return e.source }

// Matches reports whether the wall-clock fields of t satisfy every field.
// Day-of-month and day-of-week must both hold.
func (e *Expression) Matches(t time.Time) bool {
	return has(e.month, int(t.Month())) &&
		has(e.dom, t.Day()) &&
		has(e.dow, int(t.Weekday())) &&
		has(e.hour, t.Hour()) &&
		has(e.minute, t.Minute())
}

// NextRun parses expr and returns its next occurrence in tz strictly after
// the given instant. A zero after means now.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(tz, after)
}

// Next returns the first UTC instant strictly after the given one whose
// wall-clock rendering in tz matches the expression.
//
// The search walks local wall-clock minutes and converts a match back to UTC
// using the offset at the candidate instant, not the starting offset.
func (e *Expression) Next(tz string, after time.Time) (time.Time, error) {
	if after.IsZero() {
		after = time.Now()
	}
	after = after.UTC()

	offset, err := OffsetMinutes(tz, after)
	if err != nil {
		return time.Time{}, err
	}

	wall := after.Add(time.Duration(offset) * time.Minute).Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxScanMinutes; i++ {
		if e.Matches(wall) {
			if at, ok := e.resolve(tz, wall, offset, after); ok {
				return at, nil
			}
		}
		wall = wall.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("%w: %q in %s", ErrNoMatch, e.source, tz)
}

// resolve converts a matching wall-clock minute to UTC. When the wall time
// does not exist (skipped by a forward transition) the later candidate wins,
// which fires right after the gap.
func (e *Expression) resolve(tz string, wall time.Time, startOffset int, after time.Time) (time.Time, bool) {
	guess := wall.Add(-time.Duration(startOffset) * time.Minute)
	candidateOffset, err := OffsetMinutes(tz, guess)
	if err != nil {
		return time.Time{}, false
	}

	primary := wall.Add(-time.Duration(candidateOffset) * time.Minute)
	candidates := []time.Time{primary, guess}
	for _, c := range candidates {
		if c.After(after) && rendersAs(tz, c, wall) {
			return c, true
		}
	}

	latest := primary
	if guess.After(latest) {
		latest = guess
	}
	return latest, latest.After(after)
}

func rendersAs(tz string, at, wall time.Time) bool {
	offset, err := OffsetMinutes(tz, at)
	if err != nil {
		return false
	}
	return at.Add(time.Duration(offset) * time.Minute).Equal(wall)
}

func mask(values []int) uint64 {
	var m uint64
	for _, v := range values {
		m |= 1 << uint(v)
	}
	return m
}

func has(m uint64, v int) bool {
	return m&(1<<uint(v)) != 0
}
