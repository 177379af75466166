package config

import "strings"

// Secret environment variables consulted when the file leaves them empty.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvSlackToken    = "SLACK_BOT_TOKEN"
	EnvKASIKey       = "KASI_SERVICE_KEY"
)

// ApplyEnv fills empty secrets from lookup (os.LookupEnv in production).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	if t := cfg.Channels.Telegram; t != nil && strings.TrimSpace(t.Token) == "" {
		t.Token = get(EnvTelegramToken)
	}
	if s := cfg.Channels.Slack; s != nil && strings.TrimSpace(s.Token) == "" {
		s.Token = get(EnvSlackToken)
	}
	if k := cfg.Holidays.KASI; k != nil && strings.TrimSpace(k.ServiceKey) == "" {
		k.ServiceKey = get(EnvKASIKey)
	}
}
