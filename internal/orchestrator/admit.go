package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	"reportbot/internal/trust"
	logx "reportbot/pkg/logx"
)

func basePriority(k delivery.Kind) int {
	if k == delivery.KindPeak {
		return 2
	}
	return 1
}

func (o *Orchestrator) newRequest(content string, at time.Time, kind delivery.Kind, now time.Time) *delivery.Request {
	cfg := o.clock.Config()
	ttl := cfg.RequestTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &delivery.Request{
		ID:                      uuid.NewString(),
		Content:                 content,
		ScheduledTime:           at,
		Kind:                    kind,
		Status:                  delivery.StatusScheduled,
		Priority:                basePriority(kind),
		MaxRetries:              o.snd.Budget(cfg.MaxReadmissions),
		MaxConfirmationAttempts: cfg.MaxConfirmationAttempts,
		ExpiresAt:               at.Add(ttl),
		CreatedAt:               now,
		DataHash:                strconv.FormatUint(delivery.ContentHash(content, at), 16),
		Metadata:                map[string]string{delivery.MetaBucket: o.clock.Key(at)},
	}
}

// claimLocked runs the expiry and recent-hash guards. Caller holds mu.
func (o *Orchestrator) claimLocked(r *delivery.Request) (uint64, error) {
	if !r.ExpiresAt.After(r.ScheduledTime) {
		return 0, delivery.ErrInvalidExpiry
	}
	h := delivery.ContentHash(r.Content, r.ScheduledTime.In(o.clock.Location()))
	if o.ring.Contains(h) {
		return 0, fmt.Errorf("%w: same content already submitted for %s", delivery.ErrDuplicate, o.clock.Key(r.ScheduledTime))
	}
	return h, nil
}

// admit pushes r onto the queue after the duplicate guards. A full queue
// evicts its lowest-ranked pending request.
func (o *Orchestrator) admit(r *delivery.Request) error {
	o.mu.Lock()
	h, err := o.claimLocked(r)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	evicted, err := o.queue.Push(r)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("admit %s: %w", r.ID, err)
	}
	var ev delivery.Request
	if evicted != nil {
		ev = evicted.Clone()
		_ = evicted.Transition(delivery.StatusCancelled)
		evicted.Reason = "evicted"
		o.finishLocked(evicted)
	}
	o.ring.Add(h)
	o.requests[r.ID] = r
	bucket := r.Metadata[delivery.MetaBucket]
	if _, ok := o.pendingBuckets[bucket]; !ok {
		o.pendingBuckets[bucket] = r.ID
	}
	o.obs.QueueDepth(o.queue.Len())
	o.mu.Unlock()

	o.obs.Admitted(r.Kind)
	o.log.Info("request admitted",
		logx.String("req", r.ID),
		logx.String("kind", string(r.Kind)),
		logx.String("bucket", bucket),
		logx.Int("priority", r.Priority),
	)
	if evicted != nil {
		ev.Status = delivery.StatusCancelled
		o.evicted(context.Background(), ev)
	}
	return nil
}

// build fetches, validates and renders content for instant. It returns
// ErrUntrusted when the trust gate declines.
func (o *Orchestrator) build(ctx context.Context, instant time.Time, backfill bool) (*delivery.Request, error) {
	bucket := o.clock.Key(instant)
	delivered, err := o.led.IsDelivered(ctx, instant)
	if err != nil {
		return nil, err
	}
	if delivered {
		return nil, nil
	}

	reading, verdict, err := o.trustedReading(ctx, bucket)
	if err != nil {
		return nil, err
	}

	kind := delivery.KindRegular
	if o.clock.IsPeak(instant) {
		kind = delivery.KindPeak
	}
	content, err := o.prod.Produce(ctx, Brief{Instant: instant, Kind: kind, Reading: reading, Verdict: verdict, Backfill: backfill})
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", bucket, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("produce %s: empty content", bucket)
	}

	now := o.now()
	req := o.newRequest(content, instant, kind, now)
	req.DataHash = trust.Fingerprint(reading)
	req.Metadata[delivery.MetaSource] = "auto"
	if backfill {
		req.Metadata[delivery.MetaSource] = "backfill"
		req.Priority = 0
		// a replayed instant is in the past; its TTL runs from now
		req.ExpiresAt = now.Add(req.ExpiresAt.Sub(req.ScheduledTime))
	}
	return req, nil
}

// trustedReading runs the trust gate, recrawling on INVALID data up to the
// configured budget.
func (o *Orchestrator) trustedReading(ctx context.Context, bucket string) (trust.Reading, trust.Result, error) {
	rc, _ := o.src.(Recrawler)
	var (
		reading trust.Reading
		verdict trust.Result
		err     error
	)
	for attempt := 0; ; attempt++ {
		reading, err = o.src.Fetch(ctx)
		if err != nil {
			return reading, verdict, fmt.Errorf("fetch reading %s: %w", bucket, err)
		}
		if o.gate == nil {
			return reading, trust.Result{DataID: bucket, Status: trust.StatusValid, Confidence: 1}, nil
		}
		verdict = o.gate.Validate(ctx, bucket, reading)
		if o.gate.IsTrustworthy(verdict) {
			return reading, verdict, nil
		}
		if verdict.Status != trust.StatusInvalid || rc == nil || attempt >= o.cfg.RecrawlMax {
			break
		}
		reason := fmt.Sprintf("%s verdict for %s: %s", verdict.Status, bucket, strings.Join(verdict.Errors, "; "))
		o.log.Warn("requesting recrawl", logx.String("bucket", bucket), logx.Int("attempt", attempt+1))
		if err := rc.Recrawl(ctx, reason); err != nil {
			o.log.Warn("recrawl request failed", logx.String("bucket", bucket), logx.Err(err))
			break
		}
		if err := o.sleep(ctx, o.cfg.RecrawlWait); err != nil {
			return reading, verdict, err
		}
	}

	o.mu.Lock()
	o.count.suppressed++
	o.mu.Unlock()
	o.obs.Suppressed(string(verdict.Status))
	o.log.Warn("send suppressed by trust gate",
		logx.String("bucket", bucket),
		logx.String("status", string(verdict.Status)),
		logx.Float64("confidence", verdict.Confidence),
		logx.Strings("errors", verdict.Errors),
		logx.Strings("anomalies", verdict.Anomalies),
	)
	o.bus.Publish(eventbus.Event{Type: eventbus.DeliverySuppressed, Time: o.now(), Data: delivery.Notice{
		Bucket: bucket,
		Reason: fmt.Sprintf("%s (confidence %.2f)", verdict.Status, verdict.Confidence),
	}})
	return reading, verdict, fmt.Errorf("%w: %s for %s", delivery.ErrUntrusted, verdict.Status, bucket)
}

// Replay delivers instant through the regular send path and returns after
// the first pass. Used by backfill and the CLI.
func (o *Orchestrator) Replay(ctx context.Context, instant time.Time) error {
	if o.src == nil || o.prod == nil {
		return errors.New("orchestrator: replay needs a data source and producer")
	}
	instant = instant.In(o.clock.Location()).Truncate(time.Minute)
	bucket := o.clock.Key(instant)

	o.mu.Lock()
	_, pending := o.pendingBuckets[bucket]
	o.mu.Unlock()
	if pending {
		return fmt.Errorf("%w: %s already pending", delivery.ErrDuplicate, bucket)
	}

	req, err := o.build(ctx, instant, true)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	o.mu.Lock()
	h, err := o.claimLocked(req)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.ring.Add(h)
	o.requests[req.ID] = req
	o.pendingBuckets[bucket] = req.ID
	o.mu.Unlock()
	o.obs.Admitted(req.Kind)

	// runs inline: the caller is already a registry task (backfill) or the CLI
	if err := o.deliver(ctx, req); err != nil {
		return err
	}
	got, _ := o.Get(req.ID)
	switch got.Status {
	case delivery.StatusSent, delivery.StatusConfirmed:
		return nil
	default:
		return fmt.Errorf("replay %s ended %s: %s", bucket, got.Status, got.Reason)
	}
}
