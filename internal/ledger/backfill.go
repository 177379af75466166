package ledger

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	logx "reportbot/pkg/logx"
)

// Replayer sends one missed instant through the regular delivery path.
type Replayer interface {
	Replay(ctx context.Context, instant time.Time) error
}

// Report summarizes one recovery pass.
type Report struct {
	Attempted int
	Sent      int
	Failed    int
	Instants  []time.Time
}

// Backfill replays a bounded tail of today's missed instants.
type Backfill struct {
	ledger  *Ledger
	replay  Replayer
	limiter *rate.Limiter
	log     logx.Logger
}

// NewBackfill spaces replays at least pause apart.
func NewBackfill(l *Ledger, r Replayer, pause time.Duration, log logx.Logger) *Backfill {
	lim := rate.NewLimiter(rate.Inf, 1)
	if pause > 0 {
		lim = rate.NewLimiter(rate.Every(pause), 1)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backfill{ledger: l, replay: r, limiter: lim, log: log}
}

func (b *Backfill) FindMissing(ctx context.Context, date time.Time) ([]time.Time, error) {
	return b.ledger.FindMissing(ctx, date)
}

// RecoverMissing replays at most limit of the most recent missing instants,
// oldest first. Older gaps are left alone so an outage never turns into a
// burst of stale reports. Every attempted instant ends with a ledger record.
// Only today is scanned: gaps left on a previous day are never recovered.
func (b *Backfill) RecoverMissing(ctx context.Context, limit int) (Report, error) {
	var rep Report
	if limit <= 0 {
		return rep, nil
	}
	missing, err := b.ledger.FindMissing(ctx, b.ledger.now())
	if err != nil {
		return rep, err
	}
	if len(missing) > limit {
		b.log.Info("backfill skipping stale gaps", logx.Int("skipped", len(missing)-limit))
		missing = missing[len(missing)-limit:]
	}

	for _, t := range missing {
		if err := b.limiter.Wait(ctx); err != nil {
			return rep, err
		}
		rep.Attempted++
		rep.Instants = append(rep.Instants, t)

		replayErr := b.replay.Replay(ctx, t)
		ok, err := b.ledger.IsDelivered(ctx, t)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.Sent++
			b.log.Info("backfill delivered", logx.String("key", b.ledger.Key(t)))
			continue
		}

		rep.Failed++
		reason := "backfill: replay did not deliver"
		if replayErr != nil {
			reason = "backfill: " + replayErr.Error()
		}
		b.log.Warn("backfill failed", logx.String("key", b.ledger.Key(t)), logx.Err(replayErr))
		if _, present, err := b.ledger.Lookup(ctx, t); err == nil && !present {
			if err := b.ledger.RecordFailure(ctx, Failure{Instant: t, Reason: reason}); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}
