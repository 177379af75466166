package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"reportbot/internal/config"
	"reportbot/internal/dataset"
	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	"reportbot/internal/holiday"
	"reportbot/internal/housekeeping"
	"reportbot/internal/ledger"
	"reportbot/internal/metrics"
	"reportbot/internal/notifier"
	"reportbot/internal/observability"
	"reportbot/internal/orchestrator"
	rtsup "reportbot/internal/runtime/supervisor"
	"reportbot/internal/schedule"
	"reportbot/internal/storage"
	"reportbot/internal/trust"
	logx "reportbot/pkg/logx"
)

// App wires the delivery pipeline and its operator surfaces.
type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	clock   *schedule.Clock
	led     *ledger.Ledger
	kasi    *holiday.KASI
	scorer  *trust.Scorer
	orch    *orchestrator.Orchestrator
	metrics *metrics.Collector
	notif   *notifier.Service
	obs     *observability.Server
	hk      *housekeeping.Service
}

// New loads cfgPath and builds the app. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return Build(cfgm, cfg)
}

// Build constructs every component from cfg. cfgm may be nil (no hot
// reload).
func Build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// the alert writer needs the notifier, which needs the channels; start
	// with alerts off and apply the final config once the sink exists
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logSvc, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closePartial()
		}
	}()

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	cal, kasi, err := buildHolidays(cfg, schedCfg.Location, root)
	if err != nil {
		return nil, err
	}
	a.kasi = kasi
	var holidays schedule.HolidayCalendar
	if len(cal) > 0 {
		holidays = cal
	}
	a.clock = schedule.NewClock(schedCfg, holidays)

	sc, _ := mapStorageConfig(cfg)
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open ledger storage: %w", err)
	}
	log.Info("ledger storage ready", logx.String("driver", sc.Driver))
	a.led = ledger.New(a.store, a.clock, ledger.WithLogger(root.With(logx.String("comp", "ledger"))))

	a.metrics = metrics.New()

	chans, err := buildChannels(cfg, root)
	if err != nil {
		return nil, err
	}
	senderCfg, _ := mapSenderConfig(cfg, schedCfg)
	sender := delivery.NewSender(senderCfg, chans,
		delivery.WithAttemptHook(a.metrics.Attempt),
		delivery.WithSenderLogger(root.With(logx.String("comp", "sender"))),
	)
	tracker := delivery.NewTracker(mapTrackerConfig(schedCfg), a.bus,
		delivery.WithTrackerLogger(root.With(logx.String("comp", "tracker"))),
	)

	var gate orchestrator.Validator
	if trustEnabled(cfg) {
		tcfg, cacheTTL, _ := mapTrustConfig(cfg)
		secondary := trust.NewCachedSource(dataset.SecondaryFile{Path: cfg.Dataset.SecondaryPath}, cacheTTL)
		a.scorer = trust.NewScorer(tcfg, secondary,
			trust.WithNow(nowIn(schedCfg.Location)),
			trust.WithLogger(root.With(logx.String("comp", "trust"))),
		)
		gate = observedGate{Scorer: a.scorer, m: a.metrics}
	} else {
		log.Warn("trust gate disabled; every reading is sent as valid")
	}

	tmpl, err := loadTemplate(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := dataset.NewTemplateProducer(tmpl)
	if err != nil {
		return nil, err
	}

	ocfg, _ := mapOrchestratorConfig(cfg)
	a.orch, err = orchestrator.New(ocfg, orchestrator.Deps{
		Clock:    a.clock,
		Ledger:   a.led,
		Sender:   sender,
		Tracker:  tracker,
		Trust:    gate,
		Source:   dataset.NewFileSource(cfg.Dataset.Path, cfg.Dataset.RecrawlPath),
		Producer: producer,
		Bus:      a.bus,
		Observer: a.metrics,
		Log:      root.With(logx.String("comp", "orchestrator")),
	})
	if err != nil {
		return nil, err
	}

	ncfg, _ := mapNotifierConfig(cfg)
	sink, err := alertChannel(cfg, chans)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, notifier.ChannelSink{Channel: sink}, root.With(logx.String("comp", "notifier")))
	logSvc.SetAlertSink(a.notif)
	logSvc.Apply(logCfg)

	obsCfg, _ := mapObservabilityConfig(cfg)
	a.obs = observability.New(obsCfg, observability.Deps{
		Metrics: a.metrics.Handler(),
		Status:  func() any { return a.Status() },
		Health:  a.Healthy,
	}, root)

	a.hk = housekeeping.New(a.clock.Location(), root)
	days, purgeSpec, holidaySpec := mapHousekeepingConfig(cfg)
	if err := a.hk.Add(housekeeping.PurgeJob(purgeSpec, a.led, days, root.With(logx.String("comp", "housekeeping")))); err != nil {
		return nil, err
	}
	if a.kasi != nil {
		if err := a.hk.Add(housekeeping.HolidayJob(holidaySpec, a.kasi, kasiMonths(cfg), nil)); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// alertChannel picks the channel operator alerts go to: the configured
// one, else the first (highest priority) channel.
func alertChannel(cfg *config.Config, chans []delivery.ChannelConfig) (delivery.Channel, error) {
	want := ""
	if cfg.Notifier != nil {
		want = strings.ToLower(strings.TrimSpace(cfg.Notifier.Channel))
	}
	best := chans[0]
	for _, c := range chans {
		if want != "" && c.Channel.Name() == want {
			return c.Channel, nil
		}
		if c.Priority < best.Priority {
			best = c
		}
	}
	if want != "" {
		return nil, fmt.Errorf("notifier.channel %q is not an enabled channel", want)
	}
	return best.Channel, nil
}

// observedGate counts verdicts on their way to the orchestrator.
type observedGate struct {
	*trust.Scorer
	m *metrics.Collector
}

func (g observedGate) Validate(ctx context.Context, dataID string, primary trust.Reading) trust.Result {
	res := g.Scorer.Validate(ctx, dataID, primary)
	g.m.Verdict(res)
	return res
}

func (a *App) closePartial() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }
func (a *App) Ledger() *ledger.Ledger                   { return a.led }
func (a *App) Clock() *schedule.Clock                   { return a.clock }
func (a *App) Logger() logx.Logger                      { return a.log }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status is the operator snapshot served on /status and by the CLI.
type Status struct {
	Orchestrator orchestrator.Snapshot `json:"orchestrator"`
	Trust        *trust.Stats          `json:"trust,omitempty"`
	Housekeeping map[string]time.Time  `json:"housekeeping_next,omitempty"`
	Supervisor   *rtsup.Snapshot       `json:"supervisor,omitempty"`
}

func (a *App) Status() Status {
	st := Status{Orchestrator: a.orch.Status(), Housekeeping: a.hk.Next()}
	if a.scorer != nil {
		ts := a.scorer.Stats()
		st.Trust = &ts
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

// Healthy reports nil while the supervisor runs without a fatal error.
func (a *App) Healthy() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	return a.sup.Err()
}

// RefreshHolidays loads the KASI calendar from the current month forward.
// It is a no-op without KASI.
func (a *App) RefreshHolidays(ctx context.Context) error {
	if a.kasi == nil {
		return nil
	}
	return a.kasi.Refresh(ctx, time.Now(), kasiMonths(a.cfg))
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	}

	if a.kasi != nil {
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := a.RefreshHolidays(rctx); err != nil {
			// peak hours fall back to weekday rules until the next refresh
			a.log.Warn("holiday calendar refresh failed", logx.Err(err))
		}
		cancel()
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.Go("notifier.watch", func(c context.Context) error { return a.notif.Watch(c, a.bus) })

	if !a.cfg.Housekeeping.Disabled {
		a.hk.Start(a.sup.Context())
	}
	if a.obs.Enabled() {
		a.obs.Start(a.sup.Context())
	}

	a.sup.Go("orchestrator", a.orch.Run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.String("tz", a.clock.Location().String()),
		logx.Time("next_regular", a.orch.Status().NextRegularInstant),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyReload(ctx, last, next)
			last = next
		}
	}
}

// applyReload applies the hot sections live. Everything else is logged as
// needing a restart.
func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.notif.Stop(stopCtx)
			cancel()
		case !was && a.notif.Enabled():
			a.notif.Start(ctx)
		}
	}

	if ocfg, err := mapObservabilityConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// one-shot use (CLI): drain replay and confirmation tasks only
		err := a.runStep(ctx, "orchestrator", 5*time.Second, a.orch.Stop)
		a.closePartial()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var merr *multierror.Error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, limit, fn); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
	}

	// in-flight sends and confirmations first: their ledger writes need storage
	step("orchestrator", 5*time.Second, a.orch.Stop)
	step("housekeeping", 2*time.Second, a.hk.Stop)
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("notifier", 2*time.Second, a.notif.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return merr.ErrorOrNil()
}

// runStep bounds fn by limit without extending the caller's deadline. A
// step that ignores its context is reported and left running.
func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		return fmt.Errorf("no time left: %w", context.DeadlineExceeded)
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step slow", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}

// FetchLiveStatus asks a running instance for its /status snapshot over the
// observability endpoint.
func (a *App) FetchLiveStatus(ctx context.Context) ([]byte, error) {
	oc, err := mapObservabilityConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	if !oc.Enabled {
		return nil, errors.New("observability endpoint disabled")
	}
	addr := oc.Addr
	if addr == "" {
		addr = observability.DefaultAddr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	if oc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+oc.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
