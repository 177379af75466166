// Package ledger is the idempotency store for delivery instants and the
// gap detector that replays missed ones.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reportbot/internal/schedule"
	"reportbot/internal/storage"
	logx "reportbot/pkg/logx"
)

// ErrAlreadyDelivered is returned by Record when the bucket already holds a
// sent record. Callers treat it as a suppressed duplicate, not a failure.
var ErrAlreadyDelivered = errors.New("ledger: bucket already delivered")

// Failure describes a request that ran out of send budget.
type Failure struct {
	Instant    time.Time
	RequestID  string
	Channel    string
	RetryCount int
	Reason     string
}

// Ledger serializes all access through one mutex; writes are a handful per
// minute.
type Ledger struct {
	mu    sync.Mutex
	store storage.Store
	clock *schedule.Clock
	now   func() time.Time
	log   logx.Logger
}

type Option func(*Ledger)

// WithNow overrides the wall clock (tests, replays).
func WithNow(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithLogger(log logx.Logger) Option { return func(l *Ledger) { l.log = log } }

func New(store storage.Store, clock *schedule.Clock, opts ...Option) *Ledger {
	l := &Ledger{store: store, clock: clock, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) Key(t time.Time) string { return l.clock.Key(t) }

// IsDelivered reports whether t's bucket holds a sent record.
func (l *Ledger) IsDelivered(ctx context.Context, t time.Time) (bool, error) {
	d, ok, err := l.Lookup(ctx, t)
	if err != nil || !ok {
		return false, err
	}
	return d.Status == storage.StatusSent, nil
}

// Lookup returns the raw record for t's bucket, sent or failed.
func (l *Ledger) Lookup(ctx context.Context, t time.Time) (storage.Delivery, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.GetDelivery(ctx, l.Key(t))
}

// Record stores a sent record for t. It is a no-op returning
// ErrAlreadyDelivered when the bucket is already sent, and it replaces a
// failed record.
func (l *Ledger) Record(ctx context.Context, t time.Time, messageID, dataHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.Key(t)
	err := l.store.PutDelivery(ctx, storage.Delivery{
		BucketKey: key,
		TargetAt:  t.In(l.clock.Location()).Truncate(time.Minute),
		SentAt:    l.now(),
		MessageID: messageID,
		DataHash:  dataHash,
		Status:    storage.StatusSent,
	})
	if errors.Is(err, storage.ErrExists) {
		l.log.Debug("record suppressed: bucket already delivered", logx.String("key", key))
		return ErrAlreadyDelivered
	}
	if err != nil {
		return fmt.Errorf("ledger record %s: %w", key, err)
	}
	return nil
}

// RecordFailure appends a failure record and marks the bucket failed unless
// it already holds a record. A failed bucket is still listed by FindMissing
// and can be sent later.
func (l *Ledger) RecordFailure(ctx context.Context, f Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.Key(f.Instant)
	now := l.now()
	if err := l.store.AppendFailure(ctx, storage.Failure{
		ID:         uuid.NewString(),
		BucketKey:  key,
		RequestID:  f.RequestID,
		Channel:    f.Channel,
		RetryCount: f.RetryCount,
		Reason:     f.Reason,
		FailedAt:   now,
	}); err != nil {
		return fmt.Errorf("ledger failure %s: %w", key, err)
	}
	err := l.store.PutDelivery(ctx, storage.Delivery{
		BucketKey: key,
		TargetAt:  f.Instant.In(l.clock.Location()).Truncate(time.Minute),
		SentAt:    now,
		Status:    storage.StatusFailed,
	})
	if err != nil && !errors.Is(err, storage.ErrExists) {
		return fmt.Errorf("ledger mark failed %s: %w", key, err)
	}
	return nil
}

// PurgeOlderThan removes records whose target instant is more than days old.
func (l *Ledger) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("ledger purge: days must be > 0, got %d", days)
	}
	cutoff := l.now().AddDate(0, 0, -days)
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.store.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger purge: %w", err)
	}
	if n > 0 {
		l.log.Info("ledger purged", logx.Int("removed", n), logx.Int("days", days))
	}
	return n, nil
}

// FindMissing lists the expected instants of date that are strictly in the
// past and have no sent record, ascending. A failed row is an audit marker
// only, so a failed instant stays listed until a send lands.
func (l *Ledger) FindMissing(ctx context.Context, date time.Time) ([]time.Time, error) {
	expected := l.clock.DailyInstants(date)
	if len(expected) == 0 {
		return nil, nil
	}
	now := l.now()

	l.mu.Lock()
	rows, err := l.store.ListDeliveries(ctx, expected[0], expected[len(expected)-1].Add(time.Minute))
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ledger find missing: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r.Status == storage.StatusSent {
			seen[r.BucketKey] = struct{}{}
		}
	}

	var missing []time.Time
	for _, t := range expected {
		if !t.Before(now) {
			break
		}
		if _, ok := seen[l.Key(t)]; !ok {
			missing = append(missing, t)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })
	return missing, nil
}

// Failures lists failure records since t.
func (l *Ledger) Failures(ctx context.Context, since time.Time) ([]storage.Failure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.ListFailures(ctx, since)
}
