package schedule

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// PeakHours splits peak hours by day type. Weekend also applies to holidays;
// an empty Weekend falls back to Weekday.
type PeakHours struct {
	Weekday []int
	Weekend []int
}

// Config is the cadence and delivery budget. It is immutable after load.
type Config struct {
	Location *time.Location

	RegularMinutes []int
	PeakMinutes    []int
	PeakHours      PeakHours

	// Operating window as minutes of day, inclusive on both ends.
	WindowStart int
	WindowEnd   int

	ConfirmationDelay       time.Duration
	ConfirmationTimeout     time.Duration
	RetryDelays             []time.Duration
	MaxRetries              int
	MaxConfirmationAttempts int

	RequestTTL      time.Duration
	MaxReadmissions int
}

func hours(from, to int) []int {
	out := make([]int, 0, to-from)
	for h := from; h < to; h++ {
		out = append(out, h)
	}
	return out
}

// DefaultConfig mirrors the production cadence: half-hourly reports, every
// quarter hour during the lunch and evening rush.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*3600)
	}
	return Config{
		Location:       loc,
		RegularMinutes: []int{0, 30},
		PeakMinutes:    []int{0, 15, 30, 45},
		PeakHours: PeakHours{
			Weekday: append(hours(6, 13), hours(17, 20)...),
			Weekend: append(hours(6, 14), hours(17, 20)...),
		},
		WindowStart:             10 * 60,
		WindowEnd:               23*60 + 59,
		ConfirmationDelay:       10 * time.Second,
		ConfirmationTimeout:     30 * time.Second,
		RetryDelays:             []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute},
		MaxRetries:              3,
		MaxConfirmationAttempts: 5,
		RequestTTL:              10 * time.Minute,
		MaxReadmissions:         1,
	}
}

// Validate normalizes minute and hour sets (sorted, deduplicated) and checks
// bounds.
func (c *Config) Validate() error {
	if c.Location == nil {
		return errors.New("schedule: location is required")
	}
	var err error
	if c.RegularMinutes, err = normalize("regular_minutes", c.RegularMinutes, 59); err != nil {
		return err
	}
	if c.PeakMinutes, err = normalize("peak_minutes", c.PeakMinutes, 59); err != nil {
		return err
	}
	if len(c.RegularMinutes) == 0 {
		return errors.New("schedule: regular_minutes must not be empty")
	}
	if len(c.PeakMinutes) == 0 {
		c.PeakMinutes = c.RegularMinutes
	}
	if c.PeakHours.Weekday, err = normalize("peak_hours.weekday", c.PeakHours.Weekday, 23); err != nil {
		return err
	}
	if c.PeakHours.Weekend, err = normalize("peak_hours.weekend", c.PeakHours.Weekend, 23); err != nil {
		return err
	}
	if c.WindowStart < 0 || c.WindowEnd > 24*60-1 || c.WindowStart > c.WindowEnd {
		return fmt.Errorf("schedule: invalid operating window %d..%d", c.WindowStart, c.WindowEnd)
	}
	if len(c.RetryDelays) == 0 {
		return errors.New("schedule: retry_delays must not be empty")
	}
	if c.MaxRetries < 1 {
		return errors.New("schedule: max_retries must be >= 1")
	}
	if c.MaxConfirmationAttempts < 1 {
		return errors.New("schedule: max_confirmation_attempts must be >= 1")
	}
	if c.RequestTTL <= 0 {
		return errors.New("schedule: request_ttl must be > 0")
	}
	if c.MaxReadmissions < 0 {
		return errors.New("schedule: max_readmissions must be >= 0")
	}
	return nil
}

func normalize(name string, in []int, maxV int) ([]int, error) {
	out := slices.Clone(in)
	for _, v := range out {
		if v < 0 || v > maxV {
			return nil, fmt.Errorf("schedule: %s value %d out of range 0..%d", name, v, maxV)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
