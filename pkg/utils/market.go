package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	IndiaLocation = LoadLocation("Asia/Kolkata")
}

// LoadLocation loads a zone, falling back to a fixed UTC+5:30 zone when the
// tz database is unavailable.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// NextMidnight returns the first midnight in loc strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
