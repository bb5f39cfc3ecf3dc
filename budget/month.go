package budget

import (
	"fmt"
	"time"
)

const monthLayout = "2006-01"

// Month is a calendar month key in UTC, formatted YYYY-MM.
type Month string

// MonthOf returns the month containing t, in UTC.
func MonthOf(t time.Time) Month {
	return Month(t.UTC().Format(monthLayout))
}

// ParseMonth validates s as a YYYY-MM key.
func ParseMonth(s string) (Month, error) {
	t, err := time.ParseInLocation(monthLayout, s, time.UTC)
	if err != nil {
		return "", fmt.Errorf("budget: invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

// Start returns the first instant of the month.
func (m Month) Start() time.Time {
	t, err := time.ParseInLocation(monthLayout, string(m), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Next returns the following month.
func (m Month) Next() Month { return MonthOf(m.Start().AddDate(0, 1, 0)) }

// Prev returns the preceding month.
func (m Month) Prev() Month { return MonthOf(m.Start().AddDate(0, -1, 0)) }

func (m Month) String() string { return string(m) }
