// Package marketcal provides the US equity-options trading calendar used for
// counter resets and expiration math. Trading-day and trading-week boundaries
// follow the exchange's clock (America/New_York), never wall-clock UTC.
package marketcal

import (
	"fmt"
	"time"
)

// Eastern is the exchange time zone.
var Eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Degraded fallback without DST; only hit on systems missing tzdata.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// Regular session hours in Eastern time.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

// IsMarketOpen returns true if t falls within regular NYSE trading hours
// (9:30 AM – 4:00 PM ET, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	et := t.In(Eastern)
	if !IsTradingDay(et) {
		return false
	}
	hm := et.Hour()*60 + et.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsWeekday returns true if t is Mon–Fri in Eastern time.
func IsWeekday(t time.Time) bool {
	wd := t.In(Eastern).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not an exchange holiday.
func IsTradingDay(t time.Time) bool {
	et := t.In(Eastern)
	return IsWeekday(et) && !IsHoliday(et)
}

// TradingDate returns the exchange-calendar date of t as "YYYY-MM-DD".
// Daily counters key off this value.
func TradingDate(t time.Time) string {
	return t.In(Eastern).Format("2006-01-02")
}

// WeekKey returns the ISO week of t's exchange date, e.g. "2026-W34".
// Weekly loss counters reset when this value changes.
func WeekKey(t time.Time) string {
	year, week := t.In(Eastern).ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// DaysUntil returns whole calendar days from t's exchange date to the given
// "YYYY-MM-DD" date. Negative when the date is in the past, 0 on a malformed
// date (callers treat that as expiring now rather than never).
// Both dates are re-anchored at UTC midnight before subtracting: Eastern
// midnights are 23 or 25 hours apart across a DST change, which would shift
// the count by a day under naive hour division.
func DaysUntil(date string, t time.Time) int {
	d, err := time.ParseInLocation("2006-01-02", date, Eastern)
	if err != nil {
		return 0
	}
	et := t.In(Eastern)
	target := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	current := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
	return int(target.Sub(current).Hours() / 24)
}

// IsPast returns true if the given "YYYY-MM-DD" date is strictly before t's
// exchange date.
func IsPast(date string, t time.Time) bool {
	return DaysUntil(date, t) < 0
}

// NextOpen returns the next market open (9:30 AM ET on the next trading day).
// If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	et := t.In(Eastern)

	todayOpen := time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, Eastern)
	if et.Before(todayOpen) && IsTradingDay(et) {
		return todayOpen
	}

	d := et.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // holidays + weekends never span 10 days
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, Eastern)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(et.Year(), et.Month(), et.Day()+1, OpenHour, OpenMinute, 0, 0, Eastern)
}
