package delivery

import (
	"context"
	"fmt"
	"time"

	"reportbot/internal/eventbus"
	logx "reportbot/pkg/logx"
)

// Notice is the payload of every delivery.* event.
type Notice struct {
	RequestID string    `json:"request_id"`
	Bucket    string    `json:"bucket,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Scheduled time.Time `json:"scheduled"`
	Attempts  int       `json:"attempts,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Err       error     `json:"-"`
}

type TrackerConfig struct {
	Delay       time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// Confirmation is the tracker's verdict for one request.
type Confirmation struct {
	Confirmed bool
	Attempts  int
	// Err is ErrConfirmationTimeout on exhaustion.
	Err error
}

// Tracker polls a channel for delivery proof after a send.
type Tracker struct {
	cfg   TrackerConfig
	bus   eventbus.Bus
	sleep func(context.Context, time.Duration) error
	log   logx.Logger
}

type TrackerOption func(*Tracker)

func WithTrackerSleep(fn func(context.Context, time.Duration) error) TrackerOption {
	return func(t *Tracker) { t.sleep = fn }
}

func WithTrackerLogger(log logx.Logger) TrackerOption { return func(t *Tracker) { t.log = log } }

func NewTracker(cfg TrackerConfig, bus eventbus.Bus, opts ...TrackerOption) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	t := &Tracker{cfg: cfg, bus: bus, sleep: Sleep, log: logx.Nop()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track waits the confirmation delay, then polls ch. It returns once the
// message is confirmed, the budget is spent, or ctx ends. On exhaustion a
// single delivery.escalated event is published; the request stays SENT.
func (t *Tracker) Track(ctx context.Context, r Request, ch Channel) Confirmation {
	if err := t.sleep(ctx, t.cfg.Delay); err != nil {
		return Confirmation{Err: err}
	}
	conf, ok := ch.(Confirmer)
	if !ok {
		return Confirmation{Confirmed: true}
	}

	var res Confirmation
	var lastErr error
	for res.Attempts < t.cfg.MaxAttempts {
		if res.Attempts > 0 {
			if err := t.sleep(ctx, t.cfg.Timeout); err != nil {
				res.Err = err
				return res
			}
		}
		res.Attempts++
		state, err := t.poll(ctx, conf, r.MessageID)
		if err == nil && state == ConfirmDelivered {
			res.Confirmed = true
			return res
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if err != nil {
			lastErr = err
			t.log.Debug("confirm poll failed", logx.String("req", r.ID), logx.Int("attempt", res.Attempts), logx.Err(err))
		}
	}

	res.Err = fmt.Errorf("%w after %d attempts", ErrConfirmationTimeout, res.Attempts)
	if lastErr != nil {
		res.Err = fmt.Errorf("%w after %d attempts: %w", ErrConfirmationTimeout, res.Attempts, lastErr)
	}
	t.log.Warn("confirmation exhausted; escalating",
		logx.String("req", r.ID),
		logx.String("channel", r.Channel),
		logx.String("message_id", r.MessageID),
		logx.Int("attempts", res.Attempts),
	)
	if t.bus != nil {
		dropped := t.bus.Publish(eventbus.Event{Type: eventbus.DeliveryEscalated, Data: Notice{
			RequestID: r.ID,
			Bucket:    r.Metadata[MetaBucket],
			Kind:      r.Kind,
			Status:    r.Status,
			Channel:   r.Channel,
			MessageID: r.MessageID,
			Scheduled: r.ScheduledTime,
			Attempts:  res.Attempts,
			Reason:    "confirmation budget exhausted",
			Err:       res.Err,
		}})
		if dropped > 0 {
			// the error log still reaches the operator through the alert sink
			t.log.Error("escalation event dropped: subscriber buffer full",
				logx.String("req", r.ID),
				logx.String("bucket", r.Metadata[MetaBucket]),
				logx.Int("dropped", dropped),
			)
		}
	}
	return res
}

func (t *Tracker) poll(ctx context.Context, c Confirmer, messageID string) (ConfirmState, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	st, err := c.Confirm(ctx, messageID)
	if err != nil {
		return ConfirmPending, fmt.Errorf("%w: %w", ErrTransientChannel, err)
	}
	return st, nil
}

// Metadata keys set by the orchestrator.
const (
	MetaBucket = "bucket"
	MetaSource = "source"
)
