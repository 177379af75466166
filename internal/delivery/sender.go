package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	logx "reportbot/pkg/logx"
)

// Channel delivers text to one outbound destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, content string, meta map[string]string) (messageID string, err error)
}

type ConfirmState int

const (
	ConfirmPending ConfirmState = iota
	ConfirmDelivered
)

func (s ConfirmState) String() string {
	if s == ConfirmDelivered {
		return "delivered"
	}
	return "pending"
}

// Confirmer is implemented by channels that can prove a message arrived.
type Confirmer interface {
	Confirm(ctx context.Context, messageID string) (ConfirmState, error)
}

type ChannelConfig struct {
	Channel  Channel
	Priority int // lower first
	// RatePerSec <= 0 disables limiting.
	RatePerSec float64
	Burst      int
}

type SenderConfig struct {
	RetryDelays []time.Duration
	// MaxRetries is the attempt count per channel within one pass.
	MaxRetries  int
	SendTimeout time.Duration
}

// Outcome describes one pass over the channels.
type Outcome struct {
	Channel   string
	MessageID string
	Attempts  int
	Failed    int
	Delays    []time.Duration
}

// AttemptHook observes every attempt (metrics).
type AttemptHook func(channel string, took time.Duration, err error)

type senderChannel struct {
	ch       Channel
	priority int
	limiter  *rate.Limiter
}

// Sender walks the channels in priority order with a fixed delay ladder.
type Sender struct {
	cfg      SenderConfig
	channels []senderChannel
	sleep    func(context.Context, time.Duration) error
	hook     AttemptHook
	log      logx.Logger
}

type SenderOption func(*Sender)

// WithSleep replaces the ladder wait (tests).
func WithSleep(fn func(context.Context, time.Duration) error) SenderOption {
	return func(s *Sender) { s.sleep = fn }
}

func WithAttemptHook(h AttemptHook) SenderOption { return func(s *Sender) { s.hook = h } }

func WithSenderLogger(log logx.Logger) SenderOption { return func(s *Sender) { s.log = log } }

func NewSender(cfg SenderConfig, channels []ChannelConfig, opts ...SenderOption) *Sender {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	s := &Sender{cfg: cfg, sleep: Sleep, log: logx.Nop()}
	for _, c := range channels {
		if c.Channel == nil {
			continue
		}
		lim := rate.NewLimiter(rate.Inf, 1)
		if c.RatePerSec > 0 {
			burst := c.Burst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(c.RatePerSec), burst)
		}
		s.channels = append(s.channels, senderChannel{ch: c.Channel, priority: c.Priority, limiter: lim})
	}
	sort.SliceStable(s.channels, func(i, j int) bool { return s.channels[i].priority < s.channels[j].priority })
	for _, o := range opts {
		o(s)
	}
	return s
}

// Channels lists channel names in attempt order.
func (s *Sender) Channels() []string {
	out := make([]string, len(s.channels))
	for i, c := range s.channels {
		out[i] = c.ch.Name()
	}
	return out
}

func (s *Sender) Lookup(name string) (Channel, bool) {
	for _, c := range s.channels {
		if c.ch.Name() == name {
			return c.ch, true
		}
	}
	return nil, false
}

// Budget is the failed-attempt allowance for a request admitted with the
// given number of re-admissions.
func (s *Sender) Budget(readmissions int) int {
	if readmissions < 0 {
		readmissions = 0
	}
	return s.cfg.MaxRetries * len(s.channels) * (1 + readmissions)
}

// Delay returns the wait before the zero-based attempt i of a pass.
func (s *Sender) Delay(i int) time.Duration {
	if i <= 0 || len(s.cfg.RetryDelays) == 0 {
		return 0
	}
	return s.cfg.RetryDelays[min(i-1, len(s.cfg.RetryDelays)-1)]
}

// LastDelay is the top rung of the ladder, used to space re-admissions.
func (s *Sender) LastDelay() time.Duration {
	if n := len(s.cfg.RetryDelays); n > 0 {
		return s.cfg.RetryDelays[n-1]
	}
	return 0
}

// Send makes one pass. The first channel success ends it. Failed attempts
// are counted in Outcome.Failed and never exceed the request's remaining
// budget. The returned error aggregates every ChannelError of the pass.
func (s *Sender) Send(ctx context.Context, r Request) (Outcome, error) {
	var out Outcome
	if len(s.channels) == 0 {
		return out, ErrNoChannels
	}
	var merr *multierror.Error
	attempt := 0
	for _, c := range s.channels {
		name := c.ch.Name()
		for k := 0; k < s.cfg.MaxRetries; k++ {
			if r.MaxRetries > 0 && r.RetryCount+out.Failed >= r.MaxRetries {
				merr = multierror.Append(merr, ErrBudgetSpent)
				return out, merr.ErrorOrNil()
			}
			if attempt > 0 {
				d := s.Delay(attempt)
				out.Delays = append(out.Delays, d)
				if err := s.sleep(ctx, d); err != nil {
					return out, err
				}
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return out, err
			}

			out.Attempts++
			attempt++
			start := time.Now()
			id, err := s.try(ctx, c.ch, r)
			if s.hook != nil {
				s.hook(name, time.Since(start), err)
			}
			if err == nil {
				out.Channel, out.MessageID = name, id
				return out, nil
			}

			out.Failed++
			cerr := &ChannelError{Channel: name, Attempt: attempt, Err: err}
			merr = multierror.Append(merr, cerr)
			s.log.Warn("send attempt failed",
				logx.String("req", r.ID),
				logx.String("channel", name),
				logx.Int("attempt", attempt),
				logx.Err(err),
			)
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
		}
	}
	return out, merr.ErrorOrNil()
}

func (s *Sender) try(ctx context.Context, ch Channel, r Request) (id string, err error) {
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel panic: %v", p)
		}
	}()
	id, err = ch.Send(ctx, r.Content, r.Metadata)
	if err == nil && id == "" {
		err = errors.New("channel returned empty message id")
	}
	return id, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
