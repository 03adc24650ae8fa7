package cronexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetMinutes(t *testing.T) {
	tests := []struct {
		name string
		tz   string
		at   string
		want int
	}{
		{"utc", "UTC", "2026-02-21T10:00:00Z", 0},
		{"dubai", "Asia/Dubai", "2026-02-21T10:00:00Z", 240},
		{"kolkata half hour", "Asia/Kolkata", "2026-02-21T10:00:00Z", 330},
		{"kathmandu quarter hour", "Asia/Kathmandu", "2026-02-21T10:00:00Z", 345},
		{"new york winter", "America/New_York", "2026-01-15T12:00:00Z", -300},
		{"new york summer", "America/New_York", "2026-07-15T12:00:00Z", -240},
		{"local date ahead of utc", "Pacific/Auckland", "2026-01-15T23:00:00Z", 780},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OffsetMinutes(tt.tz, mustTime(t, tt.at))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid zones", func(t *testing.T) {
		for _, tz := range []string{"Mars/Base", "", "Local", "  "} {
			_, err := OffsetMinutes(tz, mustTime(t, "2026-01-01T00:00:00Z"))
			assert.ErrorIs(t, err, ErrInvalidTimezone, tz)
		}
	})
}

func TestLocalToUTC(t *testing.T) {
	tests := []struct {
		name  string
		naive string
		tz    string
		want  string
	}{
		{"dubai", "2026-03-01T09:00:00", "Asia/Dubai", "2026-03-01T05:00:00Z"},
		{"new york summer", "2026-07-04T12:00:00", "America/New_York", "2026-07-04T16:00:00Z"},
		{"new york winter", "2026-01-04T12:00:00", "America/New_York", "2026-01-04T17:00:00Z"},
		{"without seconds", "2026-03-01T09:30", "UTC", "2026-03-01T09:30:00Z"},
		{"space separator", "2026-03-01 09:00:00", "Asia/Kolkata", "2026-03-01T03:30:00Z"},
		{"previous utc day", "2026-03-01T06:00:00", "Asia/Tokyo", "2026-02-28T21:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LocalToUTC(tt.naive, tt.tz)
			require.NoError(t, err)
			assert.Equal(t, mustTime(t, tt.want), got)
		})
	}

	t.Run("offset suffix rejected", func(t *testing.T) {
		for _, s := range []string{"2026-03-01T09:00:00Z", "2026-03-01T09:00:00+04:00", "tomorrow", "2026-13-01T09:00:00"} {
			_, err := LocalToUTC(s, "Asia/Dubai")
			assert.ErrorIs(t, err, ErrInvalidDatetime, s)
		}
	})

	t.Run("invalid zone", func(t *testing.T) {
		_, err := LocalToUTC("2026-03-01T09:00:00", "Nowhere/Special")
		assert.ErrorIs(t, err, ErrInvalidTimezone)
	})
}
