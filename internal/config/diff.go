package config

import (
	"reflect"
	"strings"

	logx "reportbot/pkg/logx"
)

// hotSections are applied live on reload; everything else needs a restart.
var hotSections = map[string]bool{
	"logging":       true,
	"notifier":      true,
	"observability": true,
}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never tokens or passwords) and the changed sections that
// only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		mark("schedule",
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
			logx.Int("schedule.max_retries", newCfg.Schedule.MaxRetries),
		)
	}
	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		mark("orchestrator",
			logx.Int("orchestrator.queue_capacity", newCfg.Orchestrator.QueueCapacity),
			logx.String("orchestrator.backfill_every", newCfg.Orchestrator.BackfillEvery),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		tg, sl := newCfg.Channels.Telegram, newCfg.Channels.Slack
		mark("channels",
			logx.Bool("channels.telegram", tg != nil && tg.Enabled),
			logx.Bool("channels.slack", sl != nil && sl.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Trust, newCfg.Trust) {
		mark("trust", logx.Float64("trust.valid_threshold", newCfg.Trust.ValidThreshold))
	}
	if oldCfg.Dataset != newCfg.Dataset {
		mark("dataset",
			logx.String("dataset.path", newCfg.Dataset.Path),
			logx.Bool("dataset.secondary_set", strings.TrimSpace(newCfg.Dataset.SecondaryPath) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Holidays, newCfg.Holidays) {
		k := newCfg.Holidays.KASI
		mark("holidays",
			logx.String("holidays.file", newCfg.Holidays.File),
			logx.Bool("holidays.kasi", k != nil && k.Enabled),
		)
	}
	if oldCfg.Housekeeping != newCfg.Housekeeping {
		mark("housekeeping",
			logx.Int("housekeeping.retention_days", newCfg.Housekeeping.RetentionDays),
			logx.String("housekeeping.purge_spec", newCfg.Housekeeping.PurgeSpec),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Observability != newCfg.Observability {
		o := newCfg.Observability
		mark("observability",
			logx.Bool("observability.enabled", o.Enabled),
			logx.String("observability.addr", o.Addr),
			logx.Bool("observability.token_set", strings.TrimSpace(o.Token) != ""),
			logx.Bool("observability.pprof", o.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := newCfg.Notifier
		mark("notifier", logx.Bool("notifier.enabled", n != nil && n.Enabled))
	}
	return changed, attrs, restart
}
