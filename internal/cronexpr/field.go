package cronexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseField parses one cron field into the sorted, de-duplicated set of
// integers it matches within [min, max].
//
// Supported forms, combinable with commas: "*", "N", "N-M", "*/S", "N-M/S"
// and "N/S" (N through max, step S). Anything malformed or outside the
// bounds is an error, as is a step wider than the field; values are never
// clamped.
func ParseField(field string, min, max int) ([]int, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, fmt.Errorf("%w: empty field", ErrInvalidField)
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		values, err := expandPart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			seen[v] = struct{}{}
		}
	}

	result := make([]int, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	sort.Ints(result)
	return result, nil
}

func expandPart(part string, min, max int) ([]int, error) {
	if part == "" {
		return nil, fmt.Errorf("%w: empty list element", ErrInvalidField)
	}

	rangePart := part
	step := 1
	hasStep := false
	if i := strings.IndexByte(part, '/'); i >= 0 {
		s, err := parseNumber(part[i+1:])
		if err != nil || s < 1 {
			return nil, fmt.Errorf("%w: invalid step in %q", ErrInvalidField, part)
		}
		if s > max-min {
			return nil, fmt.Errorf("%w: step %d exceeds field range in %q", ErrInvalidField, s, part)
		}
		rangePart = part[:i]
		step = s
		hasStep = true
	}

	lo, hi := min, max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		bounds := strings.SplitN(rangePart, "-", 2)
		start, err := parseNumber(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid range %q", ErrInvalidField, part)
		}
		end, err := parseNumber(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid range %q", ErrInvalidField, part)
		}
		if start > end {
			return nil, fmt.Errorf("%w: range %q has start after end", ErrInvalidField, part)
		}
		if start < min || end > max {
			return nil, fmt.Errorf("%w: range %q out of bounds [%d,%d]", ErrInvalidField, part, min, max)
		}
		lo, hi = start, end
	default:
		n, err := parseNumber(rangePart)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid value %q", ErrInvalidField, part)
		}
		if n < min || n > max {
			return nil, fmt.Errorf("%w: value %d out of bounds [%d,%d]", ErrInvalidField, n, min, max)
		}
		lo = n
		if !hasStep {
			hi = n
		}
	}

	values := make([]int, 0, (hi-lo)/step+1)
	for v := lo; v <= hi; v += step {
		values = append(values, v)
		if v > hi-step {
			break
		}
	}
	return values, nil
}

// parseNumber accepts only plain decimal digits, so signs and spaces are
// rejected rather than silently interpreted.
func parseNumber(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
	}
	return strconv.Atoi(s)
}
