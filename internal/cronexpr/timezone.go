package cronexpr

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var locations sync.Map // zone name -> *time.Location

func loadLocation(tz string) (*time.Location, error) {
	if v, ok := locations.Load(tz); ok {
		return v.(*time.Location), nil
	}
	// time.LoadLocation maps "" to UTC and accepts "Local"; neither is an IANA name.
	if strings.TrimSpace(tz) == "" || tz == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a valid IANA zone: %v", ErrInvalidTimezone, tz, err)
	}
	locations.Store(tz, loc)
	return loc, nil
}

// ValidateTimezone reports whether tz is a resolvable IANA zone name.
func ValidateTimezone(tz string) error {
	_, err := loadLocation(tz)
	return err
}

// OffsetMinutes returns the UTC offset of tz at the given instant, in minutes
// (east of UTC is positive). It is derived from the wall-clock fields of the
// instant rendered in UTC and in tz.
func OffsetMinutes(tz string, at time.Time) (int, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return 0, err
	}
	utc := wallMinutes(at.UTC())
	local := wallMinutes(at.In(loc))
	return int(local - utc), nil
}

func wallMinutes(t time.Time) int64 {
	year, month, day := t.Date()
	hour, minute, _ := t.Clock()
	if hour == 24 {
		hour = 0
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC).Unix() / 60
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// LocalToUTC interprets a timezone-naive datetime ("YYYY-MM-DDTHH:mm:ss") as
// wall-clock time in tz and returns the absolute instant.
func LocalToUTC(isoNaive, tz string) (time.Time, error) {
	if err := ValidateTimezone(tz); err != nil {
		return time.Time{}, err
	}

	s := strings.TrimSpace(isoNaive)
	var wall time.Time
	var parseErr error
	for _, layout := range naiveLayouts {
		wall, parseErr = time.ParseInLocation(layout, s, time.UTC)
		if parseErr == nil {
			break
		}
	}
	if parseErr != nil {
		return time.Time{}, fmt.Errorf("%w: %q (expected YYYY-MM-DDTHH:mm:ss without offset)", ErrInvalidDatetime, isoNaive)
	}

	offset, err := OffsetMinutes(tz, wall)
	if err != nil {
		return time.Time{}, err
	}
	result := wall.Add(-time.Duration(offset) * time.Minute)

	// The first offset was sampled at the wrong instant; near a transition the
	// offset at the actual result can differ.
	if again, err := OffsetMinutes(tz, result); err == nil && again != offset {
		result = wall.Add(-time.Duration(again) * time.Minute)
	}
	return result, nil
}
