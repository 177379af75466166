package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	"reportbot/internal/ledger"
	"reportbot/internal/schedule"
	"reportbot/internal/storage"
	"reportbot/internal/trust"
	logx "reportbot/pkg/logx"
)

var kst = time.FixedZone("KST", 9*3600)

// 2026-10-14 is a Wednesday.
func at(hh, mm, ss int) time.Time {
	return time.Date(2026, time.October, 14, hh, mm, ss, 0, kst)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Sleep advances fake time instead of waiting.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeChannel struct {
	name  string
	fails int
	clk   *fakeClock

	mu          sync.Mutex
	sends       []string
	confirmedAt time.Time
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, content string, _ map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, content)
	if len(c.sends) <= c.fails {
		return "", errors.New("502 bad gateway")
	}
	return fmt.Sprintf("%s-%d", c.name, len(c.sends)), nil
}

func (c *fakeChannel) Confirm(context.Context, string) (delivery.ConfirmState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmedAt = c.clk.Now()
	return delivery.ConfirmDelivered, nil
}

func (c *fakeChannel) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

type staticSource struct {
	reading trust.Reading

	mu       sync.Mutex
	recrawls int
}

func (s *staticSource) Fetch(context.Context) (trust.Reading, error) { return s.reading, nil }

func (s *staticSource) Recrawl(context.Context, string) error {
	s.mu.Lock()
	s.recrawls++
	s.mu.Unlock()
	return nil
}

type producerFunc func(ctx context.Context, b Brief) (string, error)

func (f producerFunc) Produce(ctx context.Context, b Brief) (string, error) { return f(ctx, b) }

var briefProducer = producerFunc(func(_ context.Context, b Brief) (string, error) {
	return fmt.Sprintf("report %s %s", b.Kind, b.Instant.Format("15:04")), nil
})

type verdictGate struct{ status trust.Status }

func (g verdictGate) Validate(_ context.Context, id string, _ trust.Reading) trust.Result {
	return trust.Result{DataID: id, Status: g.status, Confidence: 0.2, Errors: []string{"score out of range"}}
}

func (g verdictGate) IsTrustworthy(r trust.Result) bool { return r.Status == trust.StatusValid }

type harness struct {
	o   *Orchestrator
	clk *fakeClock
	led *ledger.Ledger
	ch  *fakeChannel
	bus eventbus.Bus
}

func newHarness(t *testing.T, start time.Time, fails, readmissions int, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	clk := &fakeClock{t: start}

	scfg := schedule.DefaultConfig()
	scfg.Location = kst
	scfg.PeakHours = schedule.PeakHours{Weekday: []int{18}, Weekend: []int{18}}
	scfg.RetryDelays = []time.Duration{30 * time.Second, time.Minute}
	scfg.MaxRetries = 2
	scfg.MaxReadmissions = readmissions
	require.NoError(t, scfg.Validate())
	clock := schedule.NewClock(scfg, nil)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	led := ledger.New(st, clock, ledger.WithNow(clk.Now))

	bus := eventbus.New()
	ch := &fakeChannel{name: "telegram", fails: fails, clk: clk}
	snd := delivery.NewSender(delivery.SenderConfig{RetryDelays: scfg.RetryDelays, MaxRetries: scfg.MaxRetries},
		[]delivery.ChannelConfig{{Channel: ch}}, delivery.WithSleep(noSleep))
	trk := delivery.NewTracker(delivery.TrackerConfig{
		Delay:       scfg.ConfirmationDelay,
		Timeout:     scfg.ConfirmationTimeout,
		MaxAttempts: scfg.MaxConfirmationAttempts,
	}, bus, delivery.WithTrackerSleep(clk.Sleep))

	cfg := DefaultConfig()
	cfg.BackfillEvery = 0
	cfg.BackfillPause = 0
	cfg.RecrawlWait = 0
	d := Deps{
		Clock:   clock,
		Ledger:  led,
		Sender:  snd,
		Tracker: trk,
		Bus:     bus,
		Now:     clk.Now,
		Sleep:   noSleep,
	}
	if mutate != nil {
		mutate(&cfg, &d)
	}
	o, err := New(cfg, d)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return &harness{o: o, clk: clk, led: led, ch: ch, bus: bus}
}

func (h *harness) waitStatus(t *testing.T, id string, want delivery.Status) delivery.Request {
	t.Helper()
	var got delivery.Request
	require.Eventually(t, func() bool {
		got, _ = h.o.Get(id)
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", want)
	return got
}

func (h *harness) waitIdle(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.o.Tasks().Running(key) }, 2*time.Second, 5*time.Millisecond)
}

func TestPeakRequestDeliveredOnceAndConfirmed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(17, 58, 0), 0, 1, nil)
	events, unsub := h.bus.Subscribe(16, eventbus.DeliverySent, eventbus.DeliveryConfirmed)
	defer unsub()

	id, err := h.o.Schedule(ctx, "peak report", at(18, 0, 0), delivery.KindPeak, nil)
	require.NoError(t, err)
	r, ok := h.o.Get(id)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusScheduled, r.Status)
	assert.Equal(t, 2, r.Priority)
	assert.Equal(t, 4, r.MaxRetries, "2 per channel x 1 channel x 2 passes")

	h.o.Tick(ctx, at(17, 59, 0))
	assert.Zero(t, h.ch.Sends(), "not due before its instant")

	h.clk.Set(at(18, 0, 0))
	h.o.Tick(ctx, at(18, 0, 0))

	_, err = h.o.Schedule(ctx, "peak report", at(18, 0, 5), delivery.KindPeak, nil)
	assert.ErrorIs(t, err, delivery.ErrDuplicate)

	got := h.waitStatus(t, id, delivery.StatusConfirmed)
	assert.Equal(t, "telegram", got.Channel)
	assert.Equal(t, "telegram-1", got.MessageID)
	assert.Equal(t, 1, got.ConfirmationAttempts)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, 1, h.ch.Sends())

	h.ch.mu.Lock()
	assert.True(t, h.ch.confirmedAt.Equal(at(18, 0, 10)), "confirmed at %s", h.ch.confirmedAt)
	h.ch.mu.Unlock()

	rec, ok, err := h.led.Lookup(ctx, at(18, 0, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "telegram-1", rec.MessageID)
	assert.Equal(t, storage.StatusSent, rec.Status)

	var types []string
	require.Eventually(t, func() bool {
		select {
		case e := <-events:
			types = append(types, e.Type)
		default:
		}
		return len(types) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{eventbus.DeliverySent, eventbus.DeliveryConfirmed}, types)

	s := h.o.Status()
	assert.Equal(t, 1, s.SentCount)
	assert.Equal(t, 1, s.ConfirmedCount)
	assert.Zero(t, s.ScheduledCount)
}

func TestSecondSendForDeliveredBucketIsSuppressed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(18, 0, 0), 0, 1, nil)
	require.NoError(t, h.led.Record(ctx, at(18, 0, 0), "earlier", "h"))

	id, err := h.o.Schedule(ctx, "different body", at(18, 0, 0), delivery.KindCustom, nil)
	require.NoError(t, err)
	h.o.Tick(ctx, at(18, 0, 0))

	got := h.waitStatus(t, id, delivery.StatusCancelled)
	assert.Equal(t, "bucket already delivered", got.Reason)
	assert.Zero(t, h.ch.Sends())
}

func TestExpiredRequestIsNeverSent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(18, 0, 0), 0, 1, nil)

	id, err := h.o.Schedule(ctx, "late", at(18, 0, 0), delivery.KindCustom, nil)
	require.NoError(t, err)

	h.clk.Set(at(18, 10, 0))
	h.o.Tick(ctx, at(18, 10, 0))

	got, ok := h.o.Get(id)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusExpired, got.Status)
	assert.Zero(t, h.ch.Sends())
	assert.Equal(t, 1, h.o.Status().ExpiredCount)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(18, 0, 0), 0, 1, nil)

	id, err := h.o.Schedule(ctx, "maybe", at(18, 30, 0), delivery.KindCustom, nil)
	require.NoError(t, err)
	require.NoError(t, h.o.Cancel(id))

	got, _ := h.o.Get(id)
	assert.Equal(t, delivery.StatusCancelled, got.Status)
	assert.ErrorIs(t, h.o.Cancel(id), delivery.ErrInvalidTransition)
	assert.ErrorIs(t, h.o.Cancel("nope"), ErrNotFound)

	h.o.Tick(ctx, at(18, 30, 0))
	assert.Zero(t, h.ch.Sends())
}

func TestInvalidExpiryRejected(t *testing.T) {
	h := newHarness(t, at(18, 0, 0), 0, 1, nil)
	r := h.o.newRequest("x", at(18, 0, 0), delivery.KindCustom, at(18, 0, 0))
	r.ExpiresAt = r.ScheduledTime
	assert.ErrorIs(t, h.o.admit(r), delivery.ErrInvalidExpiry)
	_, ok := h.o.Get(r.ID)
	assert.False(t, ok)
}

func TestFullQueueEvictsLowestRank(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(17, 0, 0), 0, 1, func(c *Config, _ *Deps) { c.QueueCapacity = 1 })

	low, err := h.o.Schedule(ctx, "custom", at(18, 0, 0), delivery.KindCustom, nil)
	require.NoError(t, err)
	_, err = h.o.Schedule(ctx, "peak", at(18, 0, 0), delivery.KindPeak, nil)
	require.NoError(t, err)

	got, _ := h.o.Get(low)
	assert.Equal(t, delivery.StatusCancelled, got.Status)
	assert.Equal(t, "evicted", got.Reason)

	_, err = h.o.Schedule(ctx, "another custom", at(18, 15, 0), delivery.KindCustom, nil)
	assert.ErrorIs(t, err, delivery.ErrCapacity)
}

func TestBusyRequestIsRequeuedAndSentLater(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(17, 0, 0), 0, 1, nil)

	id, err := h.o.Schedule(ctx, "custom", at(17, 0, 0), delivery.KindCustom, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	require.True(t, h.o.Tasks().GoKeyed(id, func(context.Context) error { <-release; return nil }))
	h.o.dispatchDue(h.clk.Now())

	got, _ := h.o.Get(id)
	assert.Equal(t, delivery.StatusScheduled, got.Status)
	h.o.mu.Lock()
	assert.Equal(t, 1, h.o.queue.Len())
	h.o.mu.Unlock()
	assert.Zero(t, h.ch.Sends())

	close(release)
	h.waitIdle(t, id)
	h.o.dispatchDue(h.clk.Now())
	require.Eventually(t, func() bool { return h.ch.Sends() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// popped takes id off the queue as dispatchDue would.
func (h *harness) popped(id string) *delivery.Request {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	h.o.queue.Remove(id)
	return h.o.requests[id]
}

func TestRequeueIntoFullQueueReleasesBucket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(17, 0, 0), 0, 1, func(c *Config, _ *Deps) { c.QueueCapacity = 1 })
	events, unsub := h.bus.Subscribe(4, eventbus.DeliveryFailed)
	defer unsub()

	id, err := h.o.Schedule(ctx, "custom", at(17, 0, 0), delivery.KindCustom, nil)
	require.NoError(t, err)
	r := h.popped(id)
	bucket := r.Metadata[delivery.MetaBucket]
	h.o.mu.Lock()
	r.RetryCount = 1
	h.o.mu.Unlock()

	peak, err := h.o.Schedule(ctx, "peak", at(18, 0, 0), delivery.KindPeak, nil)
	require.NoError(t, err)

	h.o.requeue(r)

	got, _ := h.o.Get(id)
	assert.Equal(t, delivery.StatusCancelled, got.Status)
	assert.Contains(t, got.Reason, "evicted")
	h.o.mu.Lock()
	_, pending := h.o.pendingBuckets[bucket]
	h.o.mu.Unlock()
	assert.False(t, pending, "bucket must be free for a later materialization")

	kept, _ := h.o.Get(peak)
	assert.Equal(t, delivery.StatusScheduled, kept.Status)

	fails, err := h.led.Failures(ctx, at(0, 0, 0))
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, id, fails[0].RequestID)

	select {
	case e := <-events:
		assert.Equal(t, id, e.Data.(delivery.Notice).RequestID)
	case <-time.After(time.Second):
		t.Fatal("expected a delivery.failed event")
	}
}

func TestRequeueEvictsLowerRankedSibling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(17, 0, 0), 0, 1, func(c *Config, _ *Deps) { c.QueueCapacity = 1 })

	id, err := h.o.Schedule(ctx, "peak", at(17, 0, 0), delivery.KindPeak, nil)
	require.NoError(t, err)
	r := h.popped(id)

	low, err := h.o.Schedule(ctx, "custom", at(18, 0, 0), delivery.KindCustom, nil)
	require.NoError(t, err)

	h.o.requeue(r)

	got, _ := h.o.Get(id)
	assert.Equal(t, delivery.StatusScheduled, got.Status)
	ev, _ := h.o.Get(low)
	assert.Equal(t, delivery.StatusCancelled, ev.Status)
	assert.Equal(t, "evicted", ev.Reason)
	h.o.mu.Lock()
	assert.Equal(t, 1, h.o.queue.Len())
	h.o.mu.Unlock()
}

func TestFailedPassIsReadmittedThenSent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(18, 0, 0), 2, 1, nil)

	id, err := h.o.Schedule(ctx, "flaky", at(18, 0, 0), delivery.KindPeak, nil)
	require.NoError(t, err)
	h.o.Tick(ctx, at(18, 0, 0))

	got := h.waitStatus(t, id, delivery.StatusRetrying)
	h.waitIdle(t, id)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 3, got.Priority, "re-admission raises priority")
	assert.True(t, got.NotBefore.Equal(at(18, 1, 0)))

	h.o.Tick(ctx, at(18, 0, 30))
	assert.Equal(t, 2, h.ch.Sends(), "held back until NotBefore")

	h.clk.Set(at(18, 1, 0))
	h.o.Tick(ctx, at(18, 1, 0))
	got = h.waitStatus(t, id, delivery.StatusConfirmed)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "telegram-3", got.MessageID)

	ok, err := h.led.IsDelivered(ctx, at(18, 0, 0))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExhaustedBudgetFailsWithRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, at(18, 0, 0), 100, 0, nil)
	events, unsub := h.bus.Subscribe(4, eventbus.DeliveryFailed)
	defer unsub()

	id, err := h.o.Schedule(ctx, "doomed", at(18, 0, 0), delivery.KindPeak, nil)
	require.NoError(t, err)
	h.o.Tick(ctx, at(18, 0, 0))

	got := h.waitStatus(t, id, delivery.StatusFailed)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, got.MaxRetries, got.RetryCount)

	var e eventbus.Event
	require.Eventually(t, func() bool {
		select {
		case e = <-events:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	n := e.Data.(delivery.Notice)
	assert.Equal(t, id, n.RequestID)
	assert.ErrorIs(t, n.Err, delivery.ErrTransientChannel)

	fails, err := h.led.Failures(ctx, at(0, 0, 0))
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, id, fails[0].RequestID)
	assert.Equal(t, "telegram", fails[0].Channel)

	ok, err := h.led.IsDelivered(ctx, at(18, 0, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.o.Status().FailedCount)
}

func TestAlignedTickMaterializesOncePerBucket(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{reading: trust.Reading{TotalScore: trust.Ptr(88.0)}}
	h := newHarness(t, at(18, 15, 0), 0, 1, func(_ *Config, d *Deps) {
		d.Source = src
		d.Producer = briefProducer
	})

	h.o.Tick(ctx, at(18, 15, 0))
	require.Eventually(t, func() bool { return h.ch.Sends() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.waitIdle(t, "materialize:2026-10-14-18-15")

	h.o.Tick(ctx, at(18, 15, 30))
	h.o.Tick(ctx, at(18, 16, 0))
	h.waitIdle(t, "materialize:2026-10-14-18-15")
	assert.Equal(t, 1, h.ch.Sends())

	h.ch.mu.Lock()
	assert.Equal(t, "report peak 18:15", h.ch.sends[0])
	h.ch.mu.Unlock()

	require.Eventually(t, func() bool {
		ok, _ := h.led.IsDelivered(ctx, at(18, 15, 0))
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOutsideWindowIdles(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{}
	h := newHarness(t, at(9, 30, 0), 0, 1, func(_ *Config, d *Deps) {
		d.Source = src
		d.Producer = briefProducer
	})
	h.o.Tick(ctx, at(9, 30, 0))
	assert.Empty(t, h.o.Tasks().Keys())
	assert.Zero(t, h.ch.Sends())
}

func TestUntrustedReadingIsRecrawledThenSuppressed(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{reading: trust.Reading{TotalScore: trust.Ptr(300.0)}}
	h := newHarness(t, at(18, 30, 0), 0, 1, func(_ *Config, d *Deps) {
		d.Source = src
		d.Producer = briefProducer
		d.Trust = verdictGate{status: trust.StatusInvalid}
	})
	events, unsub := h.bus.Subscribe(4, eventbus.DeliverySuppressed)
	defer unsub()

	h.o.Tick(ctx, at(18, 30, 0))
	require.Eventually(t, func() bool { return h.o.Status().SuppressedCount == 1 }, 2*time.Second, 5*time.Millisecond)

	src.mu.Lock()
	assert.Equal(t, 2, src.recrawls)
	src.mu.Unlock()
	assert.Zero(t, h.ch.Sends())

	e := <-events
	assert.Equal(t, "2026-10-14-18-30", e.Data.(delivery.Notice).Bucket)
}

func TestSuspiciousReadingIsNotRecrawled(t *testing.T) {
	src := &staticSource{}
	h := newHarness(t, at(18, 30, 0), 0, 1, func(_ *Config, d *Deps) {
		d.Source = src
		d.Producer = briefProducer
		d.Trust = verdictGate{status: trust.StatusSuspicious}
	})
	_, _, err := h.o.trustedReading(context.Background(), "2026-10-14-18-30")
	assert.ErrorIs(t, err, delivery.ErrUntrusted)
	assert.Zero(t, src.recrawls)
}

func TestReplayAndBackfill(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{reading: trust.Reading{TotalScore: trust.Ptr(70.0)}}
	h := newHarness(t, at(11, 5, 0), 0, 1, func(_ *Config, d *Deps) {
		d.Source = src
		d.Producer = briefProducer
	})

	require.NoError(t, h.o.Replay(ctx, at(10, 30, 0)))
	assert.Equal(t, 1, h.ch.Sends())
	ok, err := h.led.IsDelivered(ctx, at(10, 30, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.o.Replay(ctx, at(10, 30, 0)), "delivered instant is a no-op")
	assert.Equal(t, 1, h.ch.Sends())

	rep, err := h.o.Backfill().RecoverMissing(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 2, rep.Sent)
	require.Len(t, rep.Instants, 2)
	assert.True(t, rep.Instants[0].Equal(at(10, 0, 0)))
	assert.True(t, rep.Instants[1].Equal(at(11, 0, 0)))

	missing, err := h.o.Backfill().FindMissing(ctx, at(11, 5, 0))
	require.NoError(t, err)
	assert.Empty(t, missing)

	h.ch.mu.Lock()
	assert.Equal(t, []string{"report regular 10:30", "report regular 10:00", "report regular 11:00"}, h.ch.sends)
	h.ch.mu.Unlock()
}

func TestReplayedRequestIsLowPriorityBackfill(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{}
	h := newHarness(t, at(11, 5, 0), 0, 1, func(_ *Config, d *Deps) {
		d.Source = src
		d.Producer = briefProducer
	})
	req, err := h.o.build(ctx, at(10, 0, 0), true)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, 0, req.Priority)
	assert.Equal(t, "backfill", req.Metadata[delivery.MetaSource])
	assert.True(t, req.ExpiresAt.Equal(at(11, 15, 0)))
	assert.Equal(t, trust.Fingerprint(src.reading), req.DataHash)
}
