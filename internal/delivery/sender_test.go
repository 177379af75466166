package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptChannel fails the first n sends, then succeeds.
type scriptChannel struct {
	name  string
	fails int

	mu    sync.Mutex
	calls int
}

func (c *scriptChannel) Name() string { return c.name }

func (c *scriptChannel) Send(_ context.Context, _ string, _ map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.fails {
		return "", fmt.Errorf("%s: 502 bad gateway", c.name)
	}
	return fmt.Sprintf("%s-%d", c.name, c.calls), nil
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

var ladder = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}

func TestRetryLadderAcrossChannels(t *testing.T) {
	t.Parallel()
	primary := &scriptChannel{name: "telegram", fails: 100}
	backup := &scriptChannel{name: "slack"}
	var rs recordedSleep
	s := NewSender(SenderConfig{RetryDelays: ladder, MaxRetries: 2}, []ChannelConfig{
		{Channel: backup, Priority: 2},
		{Channel: primary, Priority: 1},
	}, WithSleep(rs.sleep))
	require.Equal(t, []string{"telegram", "slack"}, s.Channels())

	req := Request{ID: "r1", Content: "hi", MaxRetries: s.Budget(1)}
	out, err := s.Send(context.Background(), req)
	require.NoError(t, err)
	req.RetryCount += out.Failed

	assert.Equal(t, 2, req.RetryCount)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "slack", out.Channel)
	assert.Equal(t, "slack-1", out.MessageID)
	assert.Equal(t, []time.Duration{ladder[0], ladder[1]}, out.Delays)
	assert.Equal(t, out.Delays, rs.delays)
	assert.Equal(t, 2, primary.calls)
}

func TestLadderClampsToLastRung(t *testing.T) {
	t.Parallel()
	s := NewSender(SenderConfig{RetryDelays: ladder, MaxRetries: 3}, nil)
	assert.Equal(t, time.Duration(0), s.Delay(0))
	assert.Equal(t, ladder[0], s.Delay(1))
	assert.Equal(t, ladder[2], s.Delay(3))
	assert.Equal(t, ladder[2], s.Delay(9))
	assert.Equal(t, ladder[2], s.LastDelay())
}

func TestExhaustedPassAggregatesChannelErrors(t *testing.T) {
	t.Parallel()
	a := &scriptChannel{name: "a", fails: 100}
	b := &scriptChannel{name: "b", fails: 100}
	var rs recordedSleep
	s := NewSender(SenderConfig{RetryDelays: ladder, MaxRetries: 2}, []ChannelConfig{
		{Channel: a, Priority: 1}, {Channel: b, Priority: 2},
	}, WithSleep(rs.sleep))

	out, err := s.Send(context.Background(), Request{ID: "r", MaxRetries: s.Budget(0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientChannel)
	var cerr *ChannelError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "a", cerr.Channel)
	assert.Equal(t, 4, out.Failed)
	assert.Equal(t, []time.Duration{ladder[0], ladder[1], ladder[2]}, out.Delays)
}

func TestSendNeverExceedsRequestBudget(t *testing.T) {
	t.Parallel()
	a := &scriptChannel{name: "a", fails: 100}
	var rs recordedSleep
	s := NewSender(SenderConfig{RetryDelays: ladder, MaxRetries: 3}, []ChannelConfig{{Channel: a}}, WithSleep(rs.sleep))

	out, err := s.Send(context.Background(), Request{ID: "r", RetryCount: 4, MaxRetries: 5})
	assert.ErrorIs(t, err, ErrBudgetSpent)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, a.calls)
}

func TestSendStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := &scriptChannel{name: "a", fails: 100}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSender(SenderConfig{RetryDelays: ladder, MaxRetries: 3}, []ChannelConfig{{Channel: a}},
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	out, err := s.Send(ctx, Request{ID: "r"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, out.Attempts)
}

func TestNoChannels(t *testing.T) {
	t.Parallel()
	_, err := NewSender(SenderConfig{}, nil).Send(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoChannels)
}

type panicChannel struct{}

func (panicChannel) Name() string { return "boom" }
func (panicChannel) Send(context.Context, string, map[string]string) (string, error) {
	panic("nil map")
}

func TestChannelPanicIsAFailedAttempt(t *testing.T) {
	t.Parallel()
	ok := &scriptChannel{name: "ok"}
	var rs recordedSleep
	s := NewSender(SenderConfig{MaxRetries: 1}, []ChannelConfig{
		{Channel: panicChannel{}, Priority: 0}, {Channel: ok, Priority: 1},
	}, WithSleep(rs.sleep))

	out, err := s.Send(context.Background(), Request{ID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Channel)
	assert.Equal(t, 1, out.Failed)
}
