package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"reportbot/internal/config"
	"reportbot/internal/delivery"
	"reportbot/internal/holiday"
	"reportbot/internal/housekeeping"
	"reportbot/internal/notifier"
	"reportbot/internal/observability"
	"reportbot/internal/orchestrator"
	"reportbot/internal/schedule"
	"reportbot/internal/storage"
	"reportbot/internal/transport/slack"
	"reportbot/internal/transport/telegram"
	"reportbot/internal/trust"
	logx "reportbot/pkg/logx"
)

// nowIn reads the wall clock in loc, so date checks agree with the schedule.
func nowIn(loc *time.Location) func() time.Time {
	return func() time.Time { return time.Now().In(loc) }
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	out := schedule.DefaultConfig()
	sc := cfg.Schedule

	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	if len(sc.RegularMinutes) > 0 {
		out.RegularMinutes = sc.RegularMinutes
	}
	if len(sc.PeakMinutes) > 0 {
		out.PeakMinutes = sc.PeakMinutes
	}
	if sc.PeakHours != nil {
		out.PeakHours = schedule.PeakHours{Weekday: sc.PeakHours.Weekday, Weekend: sc.PeakHours.Weekend}
	}
	if m, ok, err := config.ParseClockField("schedule.window_start", sc.WindowStart); err != nil {
		return out, err
	} else if ok {
		out.WindowStart = m
	}
	if m, ok, err := config.ParseClockField("schedule.window_end", sc.WindowEnd); err != nil {
		return out, err
	} else if ok {
		out.WindowEnd = m
	}

	var err error
	if out.ConfirmationDelay, err = config.ParseDurationOrDefault("schedule.confirmation_delay", sc.ConfirmationDelay, out.ConfirmationDelay); err != nil {
		return out, err
	}
	if out.ConfirmationTimeout, err = config.ParseDurationOrDefault("schedule.confirmation_timeout", sc.ConfirmationTimeout, out.ConfirmationTimeout); err != nil {
		return out, err
	}
	if out.RequestTTL, err = config.ParseDurationOrDefault("schedule.request_ttl", sc.RequestTTL, out.RequestTTL); err != nil {
		return out, err
	}
	if len(sc.RetryDelays) > 0 {
		if out.RetryDelays, err = config.ParseDurationList("schedule.retry_delays", sc.RetryDelays); err != nil {
			return out, err
		}
	}
	if sc.MaxRetries != 0 {
		out.MaxRetries = sc.MaxRetries
	}
	if sc.MaxConfirmationAttempts != 0 {
		out.MaxConfirmationAttempts = sc.MaxConfirmationAttempts
	}
	if sc.MaxReadmissions != nil {
		out.MaxReadmissions = *sc.MaxReadmissions
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	out := orchestrator.DefaultConfig()
	oc := cfg.Orchestrator
	var err error
	if out.Tick, err = config.ParseDurationOrDefault("orchestrator.tick", oc.Tick, out.Tick); err != nil {
		return out, err
	}
	if strings.TrimSpace(oc.BackfillEvery) != "" {
		// an explicit "0s" disables backfill
		if out.BackfillEvery, err = config.ParseDurationField("orchestrator.backfill_every", oc.BackfillEvery); err != nil {
			return out, err
		}
	}
	if out.BackfillPause, err = config.ParseDurationOrDefault("orchestrator.backfill_pause", oc.BackfillPause, out.BackfillPause); err != nil {
		return out, err
	}
	if out.RecrawlWait, err = config.ParseDurationOrDefault("orchestrator.recrawl_wait", oc.RecrawlWait, out.RecrawlWait); err != nil {
		return out, err
	}
	if oc.QueueCapacity < 0 || oc.RingCapacity < 0 || oc.BackfillLimit < 0 || oc.HistoryLimit < 0 {
		return out, errors.New("orchestrator: capacities and limits must be >= 0")
	}
	if oc.QueueCapacity > 0 {
		out.QueueCapacity = oc.QueueCapacity
	}
	if oc.RingCapacity > 0 {
		out.RingCapacity = oc.RingCapacity
	}
	if oc.BackfillLimit > 0 {
		out.BackfillLimit = oc.BackfillLimit
	}
	if oc.HistoryLimit > 0 {
		out.HistoryLimit = oc.HistoryLimit
	}
	if oc.RecrawlMax != nil {
		out.RecrawlMax = *oc.RecrawlMax
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, errors.New("storage.driver is required: the ledger must persist")
	case "file":
		if path == "" {
			path = "./reportbot_ledger.json"
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, errors.New("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSenderConfig(cfg *config.Config, sched schedule.Config) (delivery.SenderConfig, error) {
	timeout, err := config.ParseDurationOrDefault("channels.send_timeout", cfg.Channels.SendTimeout, 15*time.Second)
	if err != nil {
		return delivery.SenderConfig{}, err
	}
	return delivery.SenderConfig{
		RetryDelays: sched.RetryDelays,
		MaxRetries:  sched.MaxRetries,
		SendTimeout: timeout,
	}, nil
}

func mapTrackerConfig(sched schedule.Config) delivery.TrackerConfig {
	return delivery.TrackerConfig{
		Delay:       sched.ConfirmationDelay,
		Timeout:     sched.ConfirmationTimeout,
		MaxAttempts: sched.MaxConfirmationAttempts,
	}
}

// buildChannels constructs every enabled channel. At least one is required.
func buildChannels(cfg *config.Config, log logx.Logger) ([]delivery.ChannelConfig, error) {
	var out []delivery.ChannelConfig
	if tc := cfg.Channels.Telegram; tc != nil && tc.Enabled {
		timeout, err := config.ParseDurationOrDefault("channels.telegram.timeout", tc.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		ch, err := telegram.New(telegram.Config{
			Token:          tc.Token,
			ChatID:         tc.ChatID,
			ThreadID:       tc.ThreadID,
			ParseMode:      tc.ParseMode,
			DisablePreview: tc.DisablePreview,
			URL:            tc.APIURL,
			Timeout:        timeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("channels.telegram: %w", err)
		}
		out = append(out, delivery.ChannelConfig{Channel: ch, Priority: tc.Priority, RatePerSec: tc.RatePerSec, Burst: tc.Burst})
	}
	if sc := cfg.Channels.Slack; sc != nil && sc.Enabled {
		ch, err := slack.New(slack.Config{Token: sc.Token, ChannelID: sc.ChannelID, APIURL: sc.APIURL}, log.With(logx.String("comp", "slack")))
		if err != nil {
			return nil, fmt.Errorf("channels.slack: %w", err)
		}
		out = append(out, delivery.ChannelConfig{Channel: ch, Priority: sc.Priority, RatePerSec: sc.RatePerSec, Burst: sc.Burst})
	}
	if len(out) == 0 {
		return nil, errors.New("channels: enable at least one of telegram or slack")
	}
	return out, nil
}

func trustEnabled(cfg *config.Config) bool {
	return cfg.Trust.Enabled == nil || *cfg.Trust.Enabled
}

func mapTrustConfig(cfg *config.Config) (trust.Config, time.Duration, error) {
	out := trust.DefaultConfig()
	tc := cfg.Trust
	if tc.ValidThreshold != 0 {
		out.ValidThreshold = tc.ValidThreshold
	}
	if tc.SuspiciousThreshold != 0 {
		out.SuspiciousThreshold = tc.SuspiciousThreshold
	}
	if tc.Normalization != 0 {
		out.Normalization = tc.Normalization
	}
	if tc.NoiseTolerance != 0 {
		out.NoiseTolerance = tc.NoiseTolerance
	}
	if tc.HistorySize != 0 {
		out.HistorySize = tc.HistorySize
	}
	var err error
	if out.MaxAge, err = config.ParseDurationOrDefault("trust.max_age", tc.MaxAge, out.MaxAge); err != nil {
		return out, 0, err
	}
	if out.FetchTimeout, err = config.ParseDurationOrDefault("trust.fetch_timeout", tc.FetchTimeout, out.FetchTimeout); err != nil {
		return out, 0, err
	}
	cacheTTL, err := config.ParseDurationOrDefault("trust.secondary_cache_ttl", tc.SecondaryCacheTTL, 30*time.Minute)
	if err != nil {
		return out, 0, err
	}
	if err := out.Validate(); err != nil {
		return out, 0, err
	}
	return out, cacheTTL, nil
}

func loadTemplate(cfg *config.Config) (string, error) {
	p := strings.TrimSpace(cfg.Dataset.TemplateFile)
	if p == "" {
		return "", nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("dataset.template_file: %w", err)
	}
	return string(b), nil
}

// buildHolidays chains the static file and the KASI client. kasi is nil
// when the API is not configured.
func buildHolidays(cfg *config.Config, loc *time.Location, log logx.Logger) (holiday.Chain, *holiday.KASI, error) {
	var chain holiday.Chain
	if p := strings.TrimSpace(cfg.Holidays.File); p != "" {
		st, err := holiday.NewStatic()
		if err != nil {
			return nil, nil, err
		}
		if err := st.LoadYAML(p); err != nil {
			return nil, nil, fmt.Errorf("holidays.file: %w", err)
		}
		chain = append(chain, st)
	}
	kc := cfg.Holidays.KASI
	if kc == nil || !kc.Enabled {
		return chain, nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("holidays.kasi.timeout", kc.Timeout, 10*time.Second)
	if err != nil {
		return nil, nil, err
	}
	ttl, err := config.ParseDurationOrDefault("holidays.kasi.cache_ttl", kc.CacheTTL, 72*time.Hour)
	if err != nil {
		return nil, nil, err
	}
	k, err := holiday.NewKASI(holiday.KASIConfig{
		ServiceKey: kc.ServiceKey,
		Endpoint:   kc.Endpoint,
		Timeout:    timeout,
		CacheTTL:   ttl,
		Location:   loc,
	}, log.With(logx.String("comp", "kasi")))
	if err != nil {
		return nil, nil, fmt.Errorf("holidays.kasi: %w", err)
	}
	return append(chain, k), k, nil
}

func kasiMonths(cfg *config.Config) int {
	if k := cfg.Holidays.KASI; k != nil && k.Months > 0 {
		return k.Months
	}
	return 3
}

func mapHousekeepingConfig(cfg *config.Config) (days int, purgeSpec, holidaySpec string) {
	hc := cfg.Housekeeping
	days, purgeSpec, holidaySpec = hc.RetentionDays, hc.PurgeSpec, hc.HolidaySpec
	if days <= 0 {
		days = 7
	}
	if strings.TrimSpace(purgeSpec) == "" {
		purgeSpec = "10 0 * * *"
	}
	if strings.TrimSpace(holidaySpec) == "" {
		holidaySpec = "0 3 * * *"
	}
	return days, purgeSpec, holidaySpec
}

// mapNotifierConfig: an omitted section means disabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:    nc.Enabled,
		Workers:    nc.Workers,
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		RetryMax:   nc.RetryMax,
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return out, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	out := observability.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		PprofPrefix:   oc.PprofPrefix,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

// validate checks everything a reload could break without touching the
// network or the filesystem.
func validate(cfg *config.Config) error {
	sched, err := mapScheduleConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapOrchestratorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSenderConfig(cfg, sched); err != nil {
		return err
	}
	if _, _, err := mapTrustConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Dataset.Path) == "" {
		return errors.New("dataset.path is required")
	}
	if trustEnabled(cfg) && strings.TrimSpace(cfg.Dataset.SecondaryPath) == "" {
		return errors.New("dataset.secondary_path is required while the trust gate is enabled (set trust.enabled: false to skip it)")
	}
	_, purge, hol := mapHousekeepingConfig(cfg)
	for _, spec := range []string{purge, hol} {
		if err := housekeeping.ValidateSpec(spec); err != nil {
			return err
		}
	}
	return nil
}
