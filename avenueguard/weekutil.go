package avenueguard

import (
	"time"
	_ "time/tzdata"
)

// Weekly activity is bucketed by the Sunday it started on, in the
// community's home timezone.
const trackingTimezone = "Europe/Madrid"

// weekKeyLayout is the storage format for week start keys. Date-only so
// keys compare correctly as strings regardless of DST offset changes.
const weekKeyLayout = "2006-01-02"

var trackingLocation = func() *time.Location {
	loc, err := time.LoadLocation(trackingTimezone)
	if err != nil {
		// tzdata is embedded, so this only happens for a bad zone name
		panic(err)
	}
	return loc
}()

// weekStart returns the most recent Sunday at 00:00 in the tracking
// timezone, at or before t.
func weekStart(t time.Time) time.Time {
	t = t.In(trackingLocation)
	t = t.AddDate(0, 0, -int(t.Weekday()))
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, trackingLocation)
}

// weekStartKey returns the storage key for the week containing t.
func weekStartKey(t time.Time) string {
	return weekStart(t).Format(weekKeyLayout)
}

// previousWeekStart returns the Sunday one week before weekStart(t).
func previousWeekStart(t time.Time) time.Time {
	return weekStart(t).AddDate(0, 0, -7)
}

// nextWeekStart returns the Sunday following weekStart(t).
func nextWeekStart(t time.Time) time.Time {
	return weekStart(t).AddDate(0, 0, 7)
}
