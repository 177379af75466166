package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbot/internal/metrics"
	"reportbot/internal/orchestrator"
	logx "reportbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.QueueDepth(3)
	s := New(Config{Enabled: true}, Deps{
		Metrics: m.Handler(),
		Status:  func() any { return orchestrator.Snapshot{IsRunning: true, SentCount: 4} },
	}, logx.Nop())
	h := s.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"sent_count": 4`)
	assert.Contains(t, rec.Body.String(), `"is_running": true`)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reportbot_queue_depth 3")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code, "pprof off by default")
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Token: "s3cret", Pprof: true}, Deps{
		Status: func() any { return map[string]int{"n": 1} },
	}, logx.Nop())
	h := s.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/?token=s3cret").Code)
}

func TestHealthFailure(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Deps{Health: func() error { return errors.New("ledger unreachable") }}, logx.Nop())
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger unreachable")
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	a := Config{Enabled: true, Addr: "127.0.0.1:9464"}
	assert.False(t, needsRestart(a, a))
	b := a
	b.Pprof = true
	assert.True(t, needsRestart(a, b))
	c := a
	c.PprofPrefix = "/debug/pprof"
	assert.False(t, needsRestart(a, c), "prefix is normalized")
}
