package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
schedule:
  timezone: Asia/Seoul
  regular_minutes: [0, 30]
  peak_hours:
    weekday: [12, 18]
  window_start: "10:00"
  retry_delays: ["30s", "1m"]
storage:
  driver: sqlite
  path: ./reportbot.db
channels:
  telegram:
    enabled: true
    chat_id: -1001
  slack:
    enabled: true
    channel_id: C01
    token: xoxb-file
dataset:
  path: ./data/latest.json
holidays:
  kasi:
    enabled: true
logging:
  level: info
  console: true
`

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAppliesEnvSecrets(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "reportbot.yaml", sampleYAML))
	m.SetEnv(func(k string) (string, bool) {
		switch k {
		case EnvTelegramToken:
			return "123:abc", true
		case EnvSlackToken:
			return "xoxb-env", true
		case EnvKASIKey:
			return "kasi-key", true
		}
		return "", false
	})
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, []int{12, 18}, cfg.Schedule.PeakHours.Weekday)
	assert.Equal(t, int64(-1001), cfg.Channels.Telegram.ChatID)
	assert.Equal(t, "123:abc", cfg.Channels.Telegram.Token)
	assert.Equal(t, "xoxb-file", cfg.Channels.Slack.Token, "file value wins over env")
	assert.Equal(t, "kasi-key", cfg.Holidays.KASI.ServiceKey)
	assert.Nil(t, cfg.Notifier)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"schedule":{},"bogus":1}`))
	assert.ErrorContains(t, err, "bogus")

	_, err = Decode("c.yaml", []byte("storage:\n  driver: file\n  typo: x\n"))
	assert.ErrorContains(t, err, "typo")

	_, err = Decode("c.json", []byte(`{"storage":{"driver":"file"}}{}`))
	assert.Error(t, err)

	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.Driver)
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	_, err = ParseDurationField("x", "soon")
	assert.ErrorContains(t, err, "x: invalid duration")

	list, err := ParseDurationList("retry_delays", []string{"30s", "2m"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, list)
	_, err = ParseDurationList("retry_delays", []string{"30s", ""})
	assert.ErrorContains(t, err, "retry_delays[1]")

	mins, ok, err := ParseClockField("w", "23:59")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 23*60+59, mins)
	_, ok, err = ParseClockField("w", "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, err = ParseClockField("w", "24:00")
	assert.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	next, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, restart := SummarizeConfigChange(old, next)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	next.Logging.Level = "debug"
	next.Channels.Slack.Token = "xoxb-rotated"
	changed, attrs, restart := SummarizeConfigChange(old, next)
	assert.ElementsMatch(t, []string{"channels", "logging"}, changed)
	assert.Equal(t, []string{"channels"}, restart)
	assert.NotEmpty(t, attrs)
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	path := writeFile(t, "reportbot.json", `{"storage":{"driver":"file"}}`)
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Storage.Driver == "" {
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// let the watcher register the directory
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":""}}`), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"sqlite","path":"x.db"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "sqlite", cfg.Storage.Driver)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	assert.Equal(t, "sqlite", m.Get().Storage.Driver)

	cancel()
	<-done
}
