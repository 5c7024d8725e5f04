package utils

import "time"

func GetMinTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}

	return b
}

func GetMaxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

// MostRecentBoundary returns the latest occurrence of the hour:minute wall
// clock in loc at or before now. Wall clock arithmetic keeps the boundary
// pinned to local time across DST transitions.
func MostRecentBoundary(now time.Time, hour int, minute int, loc *time.Location) time.Time {
	local := now.In(loc)

	boundary := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if boundary.After(local) {
		boundary = boundary.AddDate(0, 0, -1)
	}

	return boundary
}

// NextBoundary returns the first occurrence of the hour:minute wall clock in
// loc strictly after now.
func NextBoundary(now time.Time, hour int, minute int, loc *time.Location) time.Time {
	return MostRecentBoundary(now, hour, minute, loc).AddDate(0, 0, 1)
}
