package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbot/internal/delivery"
	"reportbot/internal/ledger"
	"reportbot/internal/trust"
)

func TestObserverCounters(t *testing.T) {
	c := New()
	c.Admitted(delivery.KindPeak)
	c.Admitted(delivery.KindPeak)
	c.Admitted(delivery.KindCustom)
	c.Finished(delivery.StatusSent)
	c.Suppressed("INVALID")
	c.QueueDepth(4)
	c.Confirmation(2, true)
	c.Confirmation(5, false)
	c.Backfill(ledger.Report{Attempted: 3, Sent: 2, Failed: 1})
	c.Verdict(trust.Result{Status: trust.StatusSuspicious})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.admitted.WithLabelValues("peak")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admitted.WithLabelValues("custom")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("SENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.suppressed.WithLabelValues("INVALID")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.confirmations.WithLabelValues("false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.backfill.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.verdicts.WithLabelValues("SUSPICIOUS")))
}

func TestAttemptHook(t *testing.T) {
	c := New()
	var hook delivery.AttemptHook = c.Attempt
	hook("telegram", 20*time.Millisecond, nil)
	hook("telegram", time.Second, errors.New("502"))
	hook("slack", 10*time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("telegram", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("telegram", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.sendLatency))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New()
	c.Admitted(delivery.KindRegular)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reportbot_requests_admitted_total{kind="regular"} 1`)
}
