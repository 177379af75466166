// Package orchestrator runs the one-second tick that turns due instants into
// delivery requests and drives them through send, ledger and confirmation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	"reportbot/internal/ledger"
	rtsup "reportbot/internal/runtime/supervisor"
	"reportbot/internal/schedule"
	"reportbot/internal/trust"
	logx "reportbot/pkg/logx"
)

var ErrNotFound = errors.New("orchestrator: request not found")

// Brief is what the producer gets to write a message from.
type Brief struct {
	Instant  time.Time
	Kind     delivery.Kind
	Reading  trust.Reading
	Verdict  trust.Result
	Backfill bool
}

type Producer interface {
	Produce(ctx context.Context, b Brief) (string, error)
}

// DataSource returns the primary reading for the current instant.
type DataSource interface {
	Fetch(ctx context.Context) (trust.Reading, error)
}

// Recrawler asks the upstream scraper for a fresh reading. Optional; a
// DataSource may implement it.
type Recrawler interface {
	Recrawl(ctx context.Context, reason string) error
}

// Validator is the trust gate. *trust.Scorer implements it.
type Validator interface {
	Validate(ctx context.Context, dataID string, primary trust.Reading) trust.Result
	IsTrustworthy(r trust.Result) bool
}

// Observer receives counters for metrics. All methods must be cheap.
type Observer interface {
	Admitted(kind delivery.Kind)
	Finished(status delivery.Status)
	Suppressed(reason string)
	QueueDepth(n int)
	Confirmation(attempts int, confirmed bool)
	Backfill(rep ledger.Report)
}

type nopObserver struct{}

func (nopObserver) Admitted(delivery.Kind)   {}
func (nopObserver) Finished(delivery.Status) {}
func (nopObserver) Suppressed(string)        {}
func (nopObserver) QueueDepth(int)           {}
func (nopObserver) Confirmation(int, bool)   {}
func (nopObserver) Backfill(ledger.Report)   {}

type Config struct {
	Tick          time.Duration
	QueueCapacity int
	RingCapacity  int

	BackfillEvery time.Duration // 0 disables
	BackfillLimit int
	BackfillPause time.Duration

	RecrawlMax  int
	RecrawlWait time.Duration

	// HistoryLimit bounds finished requests kept for Get.
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		Tick:          time.Second,
		QueueCapacity: 100,
		RingCapacity:  100,
		BackfillEvery: 10 * time.Minute,
		BackfillLimit: 2,
		BackfillPause: 30 * time.Second,
		RecrawlMax:    2,
		RecrawlWait:   30 * time.Second,
		HistoryLimit:  500,
	}
}

type Deps struct {
	Clock    *schedule.Clock
	Ledger   *ledger.Ledger
	Sender   *delivery.Sender
	Tracker  *delivery.Tracker
	Trust    Validator
	Source   DataSource
	Producer Producer
	Bus      eventbus.Bus
	Observer Observer
	Log      logx.Logger
	Now      func() time.Time
	// Sleep spaces recrawls (tests).
	Sleep func(context.Context, time.Duration) error
}

// Snapshot is the externally visible status.
type Snapshot struct {
	IsRunning          bool      `json:"is_running"`
	ScheduledCount     int       `json:"scheduled_count"`
	SentCount          int       `json:"sent_count"`
	FailedCount        int       `json:"failed_count"`
	ConfirmedCount     int       `json:"confirmed_count"`
	ExpiredCount       int       `json:"expired_count"`
	SuppressedCount    int       `json:"suppressed_count"`
	NextRegularInstant time.Time `json:"next_regular_instant"`
	NextPeakInstant    time.Time `json:"next_peak_instant"`
	InFlight           []string  `json:"in_flight,omitempty"`
}

type counters struct {
	sent, failed, confirmed, expired, suppressed int
}

// Orchestrator owns the admission queue and every per-request task. All
// shared state sits behind mu.
type Orchestrator struct {
	cfg   Config
	clock *schedule.Clock
	led   *ledger.Ledger
	snd   *delivery.Sender
	trk   *delivery.Tracker
	gate  Validator
	src   DataSource
	prod  Producer
	bus   eventbus.Bus
	obs   Observer
	log   logx.Logger
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	sup      *rtsup.Supervisor
	backfill *ledger.Backfill
	running  atomic.Bool

	mu             sync.Mutex
	queue          *delivery.Queue
	ring           *delivery.HashRing
	requests       map[string]*delivery.Request
	finished       []string
	pendingBuckets map[string]string
	lastBucket     string
	lastBackfill   time.Time
	count          counters
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Clock == nil || d.Ledger == nil || d.Sender == nil || d.Tracker == nil {
		return nil, errors.New("orchestrator: clock, ledger, sender and tracker are required")
	}
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = def.RingCapacity
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RecrawlMax < 0 {
		cfg.RecrawlMax = 0
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = delivery.Sleep
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}

	o := &Orchestrator{
		cfg:            cfg,
		clock:          d.Clock,
		led:            d.Ledger,
		snd:            d.Sender,
		trk:            d.Tracker,
		gate:           d.Trust,
		src:            d.Source,
		prod:           d.Producer,
		bus:            d.Bus,
		obs:            d.Observer,
		log:            d.Log,
		now:            d.Now,
		sleep:          d.Sleep,
		queue:          delivery.NewQueue(cfg.QueueCapacity),
		ring:           delivery.NewHashRing(cfg.RingCapacity),
		requests:       make(map[string]*delivery.Request),
		pendingBuckets: make(map[string]string),
	}
	o.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(d.Log.With(logx.String("comp", "orchestrator.tasks"))),
		rtsup.WithCancelOnError(false),
	)
	o.backfill = ledger.NewBackfill(d.Ledger, o, cfg.BackfillPause, d.Log.With(logx.String("comp", "backfill")))
	return o, nil
}

// Backfill exposes the recovery helper for the CLI.
func (o *Orchestrator) Backfill() *ledger.Backfill { return o.backfill }

// Tasks exposes the per-request registry for health reporting.
func (o *Orchestrator) Tasks() *rtsup.Supervisor { return o.sup }

// Run drives Tick once per period until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already running")
	}
	defer o.running.Store(false)

	o.log.Info("orchestrator started", logx.Duration("tick", o.cfg.Tick))
	t := time.NewTicker(o.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			o.log.Info("orchestrator stopping")
			return nil
		case <-t.C:
			o.safeTick(ctx)
		}
	}
}

func (o *Orchestrator) safeTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("tick panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	o.Tick(ctx, o.now())
}

// Tick runs one scheduling round at now. It never blocks on the network:
// materialization, sends, confirmation and backfill run as keyed tasks.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	now = now.In(o.clock.Location())
	if !o.clock.InWindow(now) {
		return
	}
	if o.clock.Aligned(now) {
		o.maybeMaterialize(now)
	}
	o.dispatchDue(now)
	o.maybeBackfill(now)
}

func (o *Orchestrator) maybeMaterialize(now time.Time) {
	instant := now.Truncate(time.Minute)
	bucket := o.clock.Key(instant)

	o.mu.Lock()
	_, pending := o.pendingBuckets[bucket]
	seen := o.lastBucket == bucket
	o.lastBucket = bucket
	o.mu.Unlock()
	if pending || seen || o.src == nil || o.prod == nil {
		return
	}
	o.sup.GoKeyed("materialize:"+bucket, func(ctx context.Context) error {
		req, err := o.build(ctx, instant, false)
		if err != nil || req == nil {
			return err
		}
		if err := o.admit(req); err != nil {
			return err
		}
		// the tick that triggered us has already dispatched
		o.dispatchDue(o.now().In(o.clock.Location()))
		return nil
	})
}

func (o *Orchestrator) dispatchDue(now time.Time) {
	o.mu.Lock()
	due := o.queue.PopDue(now)
	var run []*delivery.Request
	var expired []delivery.Request
	for _, r := range due {
		if r.Status == delivery.StatusScheduled && r.Expired(now) {
			_ = r.Transition(delivery.StatusExpired)
			r.Reason = "ttl elapsed before send"
			o.count.expired++
			o.finishLocked(r)
			expired = append(expired, r.Clone())
			continue
		}
		run = append(run, r)
	}
	o.obs.QueueDepth(o.queue.Len())
	o.mu.Unlock()

	for _, r := range expired {
		o.log.Warn("request expired", logx.String("req", r.ID), logx.String("bucket", o.clock.Key(r.ScheduledTime)))
		o.obs.Finished(delivery.StatusExpired)
		o.publish(eventbus.DeliveryExpired, r, r.Reason, nil)
	}
	for _, r := range run {
		r := r
		if !o.sup.GoKeyed(r.ID, func(ctx context.Context) error { return o.deliver(ctx, r) }) {
			// previous pass still unwinding; try again next tick
			o.requeue(r)
		}
	}
}

// requeue puts a popped request back on the queue. If the queue filled up
// meanwhile, whichever of r and the lowest-ranked entry loses is cancelled
// and finished so its bucket is released.
func (o *Orchestrator) requeue(r *delivery.Request) {
	o.mu.Lock()
	evicted, err := o.queue.Push(r)
	var dropped []delivery.Request
	if err != nil {
		_ = r.Transition(delivery.StatusCancelled)
		r.Reason = "evicted: " + err.Error()
		o.finishLocked(r)
		dropped = append(dropped, r.Clone())
	}
	if evicted != nil {
		_ = evicted.Transition(delivery.StatusCancelled)
		evicted.Reason = "evicted"
		o.finishLocked(evicted)
		dropped = append(dropped, evicted.Clone())
	}
	o.obs.QueueDepth(o.queue.Len())
	o.mu.Unlock()

	for _, ev := range dropped {
		o.evicted(context.Background(), ev)
	}
}

func (o *Orchestrator) maybeBackfill(now time.Time) {
	if o.cfg.BackfillEvery <= 0 || o.cfg.BackfillLimit <= 0 || o.src == nil || o.prod == nil {
		return
	}
	o.mu.Lock()
	if !o.lastBackfill.IsZero() && now.Sub(o.lastBackfill) < o.cfg.BackfillEvery {
		o.mu.Unlock()
		return
	}
	o.lastBackfill = now
	o.mu.Unlock()

	o.sup.GoKeyed("backfill", func(ctx context.Context) error {
		rep, err := o.backfill.RecoverMissing(ctx, o.cfg.BackfillLimit)
		o.obs.Backfill(rep)
		if rep.Attempted > 0 {
			o.bus.Publish(eventbus.Event{Type: eventbus.BackfillDone, Data: rep})
		}
		return err
	})
}

// Schedule admits a request for at. Custom requests carry caller content.
func (o *Orchestrator) Schedule(ctx context.Context, content string, at time.Time, kind delivery.Kind, meta map[string]string) (string, error) {
	if kind == "" {
		kind = delivery.KindCustom
	}
	now := o.now()
	if at.IsZero() {
		at = now
	}
	req := o.newRequest(content, at.In(o.clock.Location()), kind, now)
	for k, v := range meta {
		req.Metadata[k] = v
	}
	if err := o.admit(req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// Cancel withdraws a request that has not started sending.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	r, ok := o.requests[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Status != delivery.StatusScheduled {
		o.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s (request %s)", delivery.ErrInvalidTransition, r.Status, id)
	}
	_ = r.Transition(delivery.StatusCancelled)
	r.Reason = "cancelled"
	o.queue.Remove(id)
	o.finishLocked(r)
	o.mu.Unlock()

	o.sup.CancelKey(id)
	o.obs.Finished(delivery.StatusCancelled)
	o.log.Info("request cancelled", logx.String("req", id))
	return nil
}

func (o *Orchestrator) Get(id string) (delivery.Request, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.requests[id]
	if !ok {
		return delivery.Request{}, false
	}
	return r.Clone(), true
}

func (o *Orchestrator) Status() Snapshot {
	now := o.now()
	o.mu.Lock()
	s := Snapshot{
		IsRunning:       o.running.Load(),
		ScheduledCount:  o.queue.Len(),
		SentCount:       o.count.sent,
		FailedCount:     o.count.failed,
		ConfirmedCount:  o.count.confirmed,
		ExpiredCount:    o.count.expired,
		SuppressedCount: o.count.suppressed,
	}
	o.mu.Unlock()
	s.NextRegularInstant = o.clock.NextRegularInstant(now)
	s.NextPeakInstant = o.clock.NextPeakInstant(now)
	s.InFlight = o.sup.Keys()
	return s
}

// Stop cancels every per-request task and waits for them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	err := o.sup.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// finishLocked ends r's life in the engine. Caller holds mu.
func (o *Orchestrator) finishLocked(r *delivery.Request) {
	o.releaseLocked(r)
	o.retireLocked(r)
}

// releaseLocked frees the bucket so a later tick may materialize it again.
func (o *Orchestrator) releaseLocked(r *delivery.Request) {
	bucket := r.Metadata[delivery.MetaBucket]
	if id, ok := o.pendingBuckets[bucket]; ok && id == r.ID {
		delete(o.pendingBuckets, bucket)
	}
}

// retireLocked moves r to the bounded history kept for Get.
func (o *Orchestrator) retireLocked(r *delivery.Request) {
	o.finished = append(o.finished, r.ID)
	if over := len(o.finished) - o.cfg.HistoryLimit; over > 0 {
		for _, id := range o.finished[:over] {
			delete(o.requests, id)
		}
		o.finished = append(o.finished[:0], o.finished[over:]...)
	}
}

func (o *Orchestrator) publish(typ string, r delivery.Request, reason string, err error) {
	o.bus.Publish(eventbus.Event{Type: typ, Time: o.now(), Data: delivery.Notice{
		RequestID: r.ID,
		Bucket:    r.Metadata[delivery.MetaBucket],
		Kind:      r.Kind,
		Status:    r.Status,
		Channel:   r.Channel,
		MessageID: r.MessageID,
		Scheduled: r.ScheduledTime,
		Attempts:  r.RetryCount,
		Reason:    reason,
		Err:       err,
	}})
}
