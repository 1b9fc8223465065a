package util

import (
	"time"
	_ "time/tzdata" // the session is defined in America/New_York
)

var (
	sessionOpen  = 9*time.Hour + 30*time.Minute
	sessionClose = 16 * time.Hour
)

// TradingCalendar provides market-hours awareness for the US equity session
// (NYSE 9:30-16:00 America/New_York, weekdays). Holidays are supplied by
// configuration as YYYY-MM-DD dates.
type TradingCalendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewTradingCalendar creates a TradingCalendar with the given holiday dates.
func NewTradingCalendar(holidays ...string) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// tzdata is embedded, so this only happens with a corrupt build.
		panic(err)
	}
	tc := &TradingCalendar{loc: loc, holidays: make(map[string]bool, len(holidays))}
	for _, d := range holidays {
		tc.holidays[d] = true
	}
	return tc
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsTradingDay reports whether the exchange-local date of t has a session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	local := t.In(tc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[local.Format("2006-01-02")]
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	day := tc.DayStart(t)
	return !t.Before(day.Add(sessionOpen)) && t.Before(day.Add(sessionClose))
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	day := tc.DayStart(t)
	for i := 0; i < 14; i++ {
		open := day.Add(sessionOpen)
		if tc.IsTradingDay(open) && !open.Before(t) {
			return open.UTC()
		}
		day = tc.nextDay(day)
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	day := tc.DayStart(t)
	for i := 0; i < 14; i++ {
		closeAt := day.Add(sessionClose)
		if tc.IsTradingDay(closeAt) && !closeAt.Before(t) {
			return closeAt.UTC()
		}
		day = tc.nextDay(day)
	}
	return time.Time{}
}

// DayStart returns exchange-local midnight of the date containing t. Daily
// P&L windows start here.
func (tc *TradingCalendar) DayStart(t time.Time) time.Time {
	local := t.In(tc.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
}

func (tc *TradingCalendar) nextDay(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, tc.loc)
}
