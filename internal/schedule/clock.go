// Package schedule computes delivery instants: peak or off-peak cadence,
// the operating window and the minute-resolution bucket key.
package schedule

import (
	"slices"
	"time"
)

// KeyLayout is the bucket key format: local day, hour and minute.
const KeyLayout = "2006-01-02-15-04"

// HolidayCalendar reports public holidays. Holidays use the weekend peak hours.
type HolidayCalendar interface {
	IsHoliday(date time.Time) bool
}

type noHolidays struct{}

func (noHolidays) IsHoliday(time.Time) bool { return false }

// Clock is safe for concurrent use; it holds no mutable state.
type Clock struct {
	cfg      Config
	holidays HolidayCalendar
}

func NewClock(cfg Config, holidays HolidayCalendar) *Clock {
	if holidays == nil {
		holidays = noHolidays{}
	}
	return &Clock{cfg: cfg, holidays: holidays}
}

func (c *Clock) Config() Config           { return c.cfg }
func (c *Clock) Location() *time.Location { return c.cfg.Location }

// Key returns the idempotency key for t.
func (c *Clock) Key(t time.Time) string {
	return t.In(c.cfg.Location).Format(KeyLayout)
}

// ParseKey is the inverse of Key.
func (c *Clock) ParseKey(key string) (time.Time, error) {
	return time.ParseInLocation(KeyLayout, key, c.cfg.Location)
}

// OffDay reports whether t falls on a weekend or a holiday.
func (c *Clock) OffDay(t time.Time) bool {
	t = t.In(c.cfg.Location)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	return c.holidays.IsHoliday(t)
}

func (c *Clock) peakHours(t time.Time) []int {
	if c.OffDay(t) && len(c.cfg.PeakHours.Weekend) > 0 {
		return c.cfg.PeakHours.Weekend
	}
	return c.cfg.PeakHours.Weekday
}

func (c *Clock) IsPeak(t time.Time) bool {
	t = t.In(c.cfg.Location)
	return slices.Contains(c.peakHours(t), t.Hour())
}

// ExpectedMinutes returns the aligned minutes for t's hour.
func (c *Clock) ExpectedMinutes(t time.Time) []int {
	if c.IsPeak(t) {
		return c.cfg.PeakMinutes
	}
	return c.cfg.RegularMinutes
}

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

func (c *Clock) InWindow(t time.Time) bool {
	m := minuteOfDay(t.In(c.cfg.Location))
	return m >= c.cfg.WindowStart && m <= c.cfg.WindowEnd
}

// Aligned reports whether t's minute is a delivery instant.
func (c *Clock) Aligned(t time.Time) bool {
	t = t.In(c.cfg.Location)
	return c.InWindow(t) && slices.Contains(c.ExpectedMinutes(t), t.Minute())
}

func hourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// ceilMinute rounds up to a whole minute.
func ceilMinute(t time.Time) time.Time {
	tr := t.Truncate(time.Minute)
	if tr.Before(t) {
		return tr.Add(time.Minute)
	}
	return tr
}

// scanLimit bounds forward searches: eight days of hours.
const scanLimit = 8 * 24

// next returns the first instant >= t whose hour satisfies accept and whose
// minute is in that hour's cadence set.
func (c *Clock) next(t time.Time, accept func(h time.Time) bool) time.Time {
	t = ceilMinute(t.In(c.cfg.Location))
	h := hourStart(t)
	for i := 0; i < scanLimit; i++ {
		if accept(h) {
			for _, m := range c.ExpectedMinutes(h) {
				cand := h.Add(time.Duration(m) * time.Minute)
				if !cand.Before(t) && c.InWindow(cand) {
					return cand
				}
			}
		}
		h = hourStart(h.Add(time.Hour))
	}
	return time.Time{}
}

// NextInstant is the smallest aligned instant >= t inside the operating
// window. The cadence set is chosen per hour, so a switch to peak applies
// from the next aligned minute of the peak hour onwards.
func (c *Clock) NextInstant(t time.Time) time.Time {
	return c.next(t, func(time.Time) bool { return true })
}

// NextPeakInstant is the next aligned instant inside a peak hour.
func (c *Clock) NextPeakInstant(t time.Time) time.Time {
	return c.next(t, c.IsPeak)
}

// NextRegularInstant is the next aligned instant inside an off-peak hour.
func (c *Clock) NextRegularInstant(t time.Time) time.Time {
	return c.next(t, func(h time.Time) bool { return !c.IsPeak(h) })
}

// DailyInstants enumerates every aligned instant of date's local day.
func (c *Clock) DailyInstants(date time.Time) []time.Time {
	d := date.In(c.cfg.Location)
	h := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.cfg.Location)
	day := h.Day()

	var out []time.Time
	for h.Day() == day {
		for _, m := range c.ExpectedMinutes(h) {
			cand := h.Add(time.Duration(m) * time.Minute)
			if c.InWindow(cand) {
				out = append(out, cand)
			}
		}
		h = hourStart(h.Add(time.Hour))
	}
	return out
}
