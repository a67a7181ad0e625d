package policy

import (
	"fmt"
	"strings"
	"time"
)

// WorkHours is the weekly window in which owners may be mentioned.
// Start is inclusive and End exclusive, both in whole hours.
type WorkHours struct {
	Days    map[time.Weekday]bool
	Start   int
	End     int
	Default *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// DefaultWorkHours is Monday to Friday, 09:00 to 17:00 Pacific.
func DefaultWorkHours() WorkHours {
	wh, _ := NewWorkHours([]string{"mon", "tue", "wed", "thu", "fri"}, 9, 17, "America/Los_Angeles")
	return wh
}

// NewWorkHours builds a window from configuration values.
func NewWorkHours(days []string, start, end int, timezone string) (WorkHours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return WorkHours{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	wh := WorkHours{
		Days:    make(map[time.Weekday]bool, len(days)),
		Start:   start,
		End:     end,
		Default: loc,
	}
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(d)]
		if !ok {
			return WorkHours{}, fmt.Errorf("unknown weekday %q", d)
		}
		wh.Days[wd] = true
	}
	return wh, nil
}

// Contains reports whether t falls inside the window in timezone tz.
// An empty or unknown tz falls back to the default location.
func (w WorkHours) Contains(t time.Time, tz string) bool {
	loc := w.Default
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.UTC
	}

	local := t.In(loc)
	if !w.Days[local.Weekday()] {
		return false
	}
	return local.Hour() >= w.Start && local.Hour() < w.End
}
