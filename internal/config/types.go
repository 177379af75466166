package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Schedule      ScheduleConfig      `json:"schedule"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator,omitempty"`
	Storage       StorageConfig       `json:"storage"`
	Channels      ChannelsConfig      `json:"channels"`
	Trust         TrustConfig         `json:"trust,omitempty"`
	Dataset       DatasetConfig       `json:"dataset"`
	Holidays      HolidaysConfig      `json:"holidays,omitempty"`
	Housekeeping  HousekeepingConfig  `json:"housekeeping,omitempty"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability,omitempty"`

	// Notifier forwards operator alerts (escalations, failures, suppressed
	// sends). Omitted means disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

// ScheduleConfig is the delivery cadence.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Asia/Seoul"
//   - regular_minutes: [0, 30]
//   - peak_minutes: [0, 15, 30, 45]
//   - window: "10:00".."23:59"
//   - retry_delays: ["30s", "1m", "2m", "5m"]
//   - max_retries: 3, max_confirmation_attempts: 5
//   - request_ttl: "10m", max_readmissions: 1
type ScheduleConfig struct {
	Timezone       string           `json:"timezone,omitempty"`
	RegularMinutes []int            `json:"regular_minutes,omitempty"`
	PeakMinutes    []int            `json:"peak_minutes,omitempty"`
	PeakHours      *PeakHoursConfig `json:"peak_hours,omitempty"`
	WindowStart    string           `json:"window_start,omitempty"` // "HH:MM"
	WindowEnd      string           `json:"window_end,omitempty"`   // "HH:MM", inclusive

	ConfirmationDelay       string   `json:"confirmation_delay,omitempty"`
	ConfirmationTimeout     string   `json:"confirmation_timeout,omitempty"`
	RetryDelays             []string `json:"retry_delays,omitempty"`
	MaxRetries              int      `json:"max_retries,omitempty"`
	MaxConfirmationAttempts int      `json:"max_confirmation_attempts,omitempty"`
	RequestTTL              string   `json:"request_ttl,omitempty"`
	// MaxReadmissions is a pointer so an explicit 0 can disable re-admission.
	MaxReadmissions *int `json:"max_readmissions,omitempty"`
}

// PeakHoursConfig splits peak hours by day type; weekend also covers
// public holidays.
type PeakHoursConfig struct {
	Weekday []int `json:"weekday"`
	Weekend []int `json:"weekend,omitempty"`
}

type OrchestratorConfig struct {
	Tick          string `json:"tick,omitempty"`
	QueueCapacity int    `json:"queue_capacity,omitempty"`
	RingCapacity  int    `json:"ring_capacity,omitempty"`
	// BackfillEvery "0s" disables automatic backfill.
	BackfillEvery string `json:"backfill_every,omitempty"`
	BackfillLimit int    `json:"backfill_limit,omitempty"`
	BackfillPause string `json:"backfill_pause,omitempty"`
	RecrawlMax    *int   `json:"recrawl_max,omitempty"`
	RecrawlWait   string `json:"recrawl_wait,omitempty"`
	HistoryLimit  int    `json:"history_limit,omitempty"`
}

// StorageConfig selects the ledger driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reportbot.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ChannelsConfig lists the outbound channels. Lower priority is tried first.
type ChannelsConfig struct {
	SendTimeout string                 `json:"send_timeout,omitempty"`
	Telegram    *TelegramChannelConfig `json:"telegram,omitempty"`
	Slack       *SlackChannelConfig    `json:"slack,omitempty"`
}

type TelegramChannelConfig struct {
	Enabled bool `json:"enabled"`
	// Token falls back to TELEGRAM_BOT_TOKEN.
	Token          string  `json:"token,omitempty"`
	ChatID         int64   `json:"chat_id"`
	ThreadID       int     `json:"thread_id,omitempty"`
	ParseMode      string  `json:"parse_mode,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	APIURL         string  `json:"api_url,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`
	Priority       int     `json:"priority,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

type SlackChannelConfig struct {
	Enabled bool `json:"enabled"`
	// Token falls back to SLACK_BOT_TOKEN.
	Token      string  `json:"token,omitempty"`
	ChannelID  string  `json:"channel_id"`
	APIURL     string  `json:"api_url,omitempty"`
	Priority   int     `json:"priority,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// TrustConfig tunes the trust gate. Enabled defaults to true.
type TrustConfig struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	ValidThreshold      float64 `json:"valid_threshold,omitempty"`
	SuspiciousThreshold float64 `json:"suspicious_threshold,omitempty"`
	Normalization       float64 `json:"normalization,omitempty"`
	NoiseTolerance      float64 `json:"noise_tolerance,omitempty"`
	MaxAge              string  `json:"max_age,omitempty"`
	FetchTimeout        string  `json:"fetch_timeout,omitempty"`
	HistorySize         int     `json:"history_size,omitempty"`
	SecondaryCacheTTL   string  `json:"secondary_cache_ttl,omitempty"`
}

// DatasetConfig points at the files the scraper maintains.
type DatasetConfig struct {
	Path          string `json:"path"`
	RecrawlPath   string `json:"recrawl_path,omitempty"`
	SecondaryPath string `json:"secondary_path,omitempty"`
	// TemplateFile overrides the built-in report template.
	TemplateFile string `json:"template_file,omitempty"`
}

type HolidaysConfig struct {
	// File is a YAML list of fixed dates.
	File string      `json:"file,omitempty"`
	KASI *KASIConfig `json:"kasi,omitempty"`
}

type KASIConfig struct {
	Enabled bool `json:"enabled"`
	// ServiceKey falls back to KASI_SERVICE_KEY.
	ServiceKey string `json:"service_key,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	CacheTTL   string `json:"cache_ttl,omitempty"`
	Months     int    `json:"months,omitempty"`
}

// HousekeepingConfig schedules maintenance jobs with 5-field cron specs.
//
// Defaults:
//   - retention_days: 7
//   - purge_spec: "10 0 * * *"
//   - holiday_spec: "0 3 * * *"
type HousekeepingConfig struct {
	Disabled      bool   `json:"disabled,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	PurgeSpec     string `json:"purge_spec,omitempty"`
	HolidaySpec   string `json:"holiday_spec,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at or above MinLevel to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ObservabilityConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the async operator alert pipeline.
type NotifierConfig struct {
	Enabled bool `json:"enabled"`
	// Channel names the outbound channel alerts go to ("telegram" or "slack").
	Channel       string `json:"channel,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}
