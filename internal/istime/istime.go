// Package istime centralizes Indian Standard Time handling. Event
// timestamps, market-close arithmetic and CSV rows all use this zone.
package istime

import "time"

var zone = loadZone()

func loadZone() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Containers without tzdata fall back to the fixed offset.
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// Zone returns the IST location (Asia/Kolkata, fixed +05:30 fallback).
func Zone() *time.Location { return zone }

// Now returns the current time in IST.
func Now() time.Time { return time.Now().In(zone) }

// Format renders t as ISO 8601 in IST with the +05:30 offset.
func Format(t time.Time) string { return t.In(zone).Format(time.RFC3339) }

// MarketClose returns 15:30 IST on the same calendar day as t.
func MarketClose(t time.Time) time.Time {
	ist := t.In(zone)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 15, 30, 0, 0, zone)
}

// DateOnly truncates t to midnight IST, for day-keyed caches and expiry
// comparisons.
func DateOnly(t time.Time) time.Time {
	ist := t.In(zone)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, zone)
}
