package orchestrator

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	"reportbot/internal/ledger"
	logx "reportbot/pkg/logx"
)

// deliver makes one send pass for r and records the outcome. It runs as the
// keyed task r.ID, so cancelling that key stops only this request.
func (o *Orchestrator) deliver(ctx context.Context, r *delivery.Request) error {
	log := o.log.With(logx.String("req", r.ID), logx.String("bucket", o.clock.Key(r.ScheduledTime)))
	// ledger writes must land even if shutdown interrupts the send
	lctx := context.WithoutCancel(ctx)

	delivered, err := o.led.IsDelivered(ctx, r.ScheduledTime)
	if err != nil {
		log.Warn("ledger read failed; sending anyway", logx.Err(err))
	}
	if delivered {
		o.mu.Lock()
		if err := r.Transition(delivery.StatusCancelled); err != nil {
			o.mu.Unlock()
			return nil
		}
		r.Reason = "bucket already delivered"
		o.finishLocked(r)
		snap := r.Clone()
		o.mu.Unlock()
		log.Info("send suppressed: bucket already delivered")
		o.obs.Suppressed("duplicate")
		o.publish(eventbus.DeliverySuppressed, snap, snap.Reason, delivery.ErrDuplicate)
		return nil
	}

	o.mu.Lock()
	if err := r.Transition(delivery.StatusSending); err != nil {
		// cancelled between dequeue and start
		o.mu.Unlock()
		return nil
	}
	snap := r.Clone()
	o.mu.Unlock()

	out, sendErr := o.snd.Send(ctx, snap)

	o.mu.Lock()
	r.RetryCount += out.Failed
	var evicted *delivery.Request
	switch {
	case sendErr == nil:
		_ = r.Transition(delivery.StatusSent)
		r.Channel, r.MessageID, r.SentAt = out.Channel, out.MessageID, o.now()
		r.Reason = ""
		o.count.sent++
		o.releaseLocked(r)
	case ctx.Err() == nil && r.RetryCount < r.MaxRetries:
		_ = r.Transition(delivery.StatusRetrying)
		r.Priority++
		r.Readmissions++
		r.NotBefore = o.now().Add(o.snd.LastDelay())
		r.Reason = sendErr.Error()
		var perr error
		evicted, perr = o.queue.Push(r)
		if perr != nil {
			_ = r.Transition(delivery.StatusCancelled)
			r.Reason = "evicted: " + perr.Error()
			o.finishLocked(r)
		}
		if evicted != nil {
			_ = evicted.Transition(delivery.StatusCancelled)
			evicted.Reason = "evicted"
			o.finishLocked(evicted)
		}
	default:
		_ = r.Transition(delivery.StatusFailed)
		r.Reason = sendErr.Error()
		if out.Failed == 0 && ctx.Err() != nil {
			r.Reason = "interrupted: " + ctx.Err().Error()
		}
		o.count.failed++
		o.finishLocked(r)
	}
	final := r.Clone()
	o.mu.Unlock()

	if evicted != nil {
		o.evicted(lctx, evicted.Clone())
	}

	switch final.Status {
	case delivery.StatusSent:
		log.Info("delivered",
			logx.String("channel", final.Channel),
			logx.String("message_id", final.MessageID),
			logx.Int("retries", final.RetryCount),
		)
		if err := o.led.Record(lctx, final.ScheduledTime, final.MessageID, final.DataHash); err != nil {
			if errors.Is(err, ledger.ErrAlreadyDelivered) {
				log.Warn("bucket was recorded by another send", logx.String("message_id", final.MessageID))
			} else {
				log.Error("ledger record failed", logx.Err(err))
			}
		}
		o.obs.Finished(delivery.StatusSent)
		o.publish(eventbus.DeliverySent, final, "", nil)
		o.confirm(r, final)

	case delivery.StatusRetrying:
		log.Warn("send pass exhausted; re-admitted",
			logx.Int("retries", final.RetryCount),
			logx.Int("budget", final.MaxRetries),
			logx.Time("not_before", final.NotBefore),
			logx.Err(sendErr),
		)

	case delivery.StatusFailed, delivery.StatusCancelled:
		log.Error("delivery failed",
			logx.Int("retries", final.RetryCount),
			logx.Int("budget", final.MaxRetries),
			logx.Err(sendErr),
		)
		if err := o.led.RecordFailure(lctx, ledger.Failure{
			Instant:    final.ScheduledTime,
			RequestID:  final.ID,
			Channel:    lastChannel(sendErr),
			RetryCount: final.RetryCount,
			Reason:     final.Reason,
		}); err != nil {
			log.Error("failure record failed", logx.Err(err))
		}
		o.obs.Finished(final.Status)
		o.publish(eventbus.DeliveryFailed, final, final.Reason, sendErr)
	}
	return nil
}

// evicted reports a request pushed out of a full queue. One that already
// burned send attempts leaves a failure record.
func (o *Orchestrator) evicted(ctx context.Context, ev delivery.Request) {
	o.obs.Finished(delivery.StatusCancelled)
	o.log.Warn("queue full; evicted lowest-priority request", logx.String("req", ev.ID), logx.Int("priority", ev.Priority))
	if ev.RetryCount == 0 {
		return
	}
	if err := o.led.RecordFailure(ctx, ledger.Failure{
		Instant:    ev.ScheduledTime,
		RequestID:  ev.ID,
		RetryCount: ev.RetryCount,
		Reason:     "evicted after " + ev.Reason,
	}); err != nil {
		o.log.Error("failure record failed", logx.String("req", ev.ID), logx.Err(err))
	}
	o.publish(eventbus.DeliveryFailed, ev, "evicted", nil)
}

// confirm hands a sent request to the tracker as its own keyed task.
func (o *Orchestrator) confirm(r *delivery.Request, snap delivery.Request) {
	ch, ok := o.snd.Lookup(snap.Channel)
	started := ok && o.sup.GoKeyed("confirm:"+snap.ID, func(ctx context.Context) error {
		res := o.trk.Track(ctx, snap, ch)

		o.mu.Lock()
		r.ConfirmationAttempts = res.Attempts
		if res.Confirmed {
			_ = r.Transition(delivery.StatusConfirmed)
			o.count.confirmed++
		} else if res.Err != nil {
			r.Reason = res.Err.Error()
		}
		o.retireLocked(r)
		final := r.Clone()
		o.mu.Unlock()

		o.obs.Confirmation(res.Attempts, res.Confirmed)
		if res.Confirmed {
			o.obs.Finished(delivery.StatusConfirmed)
			o.publish(eventbus.DeliveryConfirmed, final, "", nil)
		}
		return nil
	})
	if !started {
		o.mu.Lock()
		o.retireLocked(r)
		o.mu.Unlock()
	}
}

// lastChannel names the channel of the last failed attempt, if any.
func lastChannel(err error) string {
	errs := []error{err}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	}
	for i := len(errs) - 1; i >= 0; i-- {
		var ce *delivery.ChannelError
		if errors.As(errs[i], &ce) {
			return ce.Channel
		}
	}
	return ""
}
