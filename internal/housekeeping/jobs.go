package housekeeping

import (
	"context"
	"time"

	logx "reportbot/pkg/logx"
)

// Purger is the ledger retention surface.
type Purger interface {
	PurgeOlderThan(ctx context.Context, days int) (int, error)
}

// Refresher reloads a remote holiday calendar.
type Refresher interface {
	Refresh(ctx context.Context, from time.Time, months int) error
}

// PurgeJob drops ledger history older than days.
func PurgeJob(spec string, p Purger, days int, log logx.Logger) Job {
	return Job{
		Name:    "ledger.purge",
		Spec:    spec,
		Timeout: time.Minute,
		Run: func(ctx context.Context) error {
			n, err := p.PurgeOlderThan(ctx, days)
			if err != nil {
				return err
			}
			log.Info("retention purge done", logx.Int("removed", n), logx.Int("days", days))
			return nil
		},
	}
}

// HolidayJob refreshes the calendar from the current month forward.
func HolidayJob(spec string, r Refresher, months int, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:    "holiday.refresh",
		Spec:    spec,
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			return r.Refresh(ctx, now(), months)
		},
	}
}
