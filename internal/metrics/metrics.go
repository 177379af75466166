// Package metrics exposes delivery counters to Prometheus on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportbot/internal/delivery"
	"reportbot/internal/ledger"
	"reportbot/internal/orchestrator"
	"reportbot/internal/trust"
)

const namespace = "reportbot"

// Collector implements orchestrator.Observer and the sender attempt hook.
type Collector struct {
	reg *prometheus.Registry

	admitted      *prometheus.CounterVec
	finished      *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	confirmations *prometheus.CounterVec
	confirmPolls  prometheus.Histogram
	attempts      *prometheus.CounterVec
	sendLatency   *prometheus.HistogramVec
	backfill      *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
}

var _ orchestrator.Observer = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_admitted_total",
			Help: "Delivery requests admitted to the queue.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_finished_total",
			Help: "Delivery requests by outcome status.",
		}, []string{"status"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_suppressed_total",
			Help: "Sends declined by the trust gate or the ledger.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Requests waiting in the admission queue.",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "confirmations_total",
			Help: "Confirmation outcomes.",
		}, []string{"confirmed"}),
		confirmPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "confirmation_polls",
			Help:    "Polls needed per confirmation.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_attempts_total",
			Help: "Channel send attempts.",
		}, []string{"channel", "result"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_latency_seconds",
			Help:    "Channel send latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		backfill: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "backfill_instants_total",
			Help: "Missed instants replayed by backfill.",
		}, []string{"result"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trust_verdicts_total",
			Help: "Trust gate verdicts.",
		}, []string{"status"}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.admitted, c.finished, c.suppressed, c.queueDepth, c.confirmations,
		c.confirmPolls, c.attempts, c.sendLatency, c.backfill, c.verdicts,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) Admitted(kind delivery.Kind) { c.admitted.WithLabelValues(string(kind)).Inc() }

func (c *Collector) Finished(status delivery.Status) {
	c.finished.WithLabelValues(string(status)).Inc()
}

func (c *Collector) Suppressed(reason string) { c.suppressed.WithLabelValues(reason).Inc() }

func (c *Collector) QueueDepth(n int) { c.queueDepth.Set(float64(n)) }

func (c *Collector) Confirmation(attempts int, confirmed bool) {
	c.confirmations.WithLabelValues(strconv.FormatBool(confirmed)).Inc()
	c.confirmPolls.Observe(float64(attempts))
}

func (c *Collector) Backfill(rep ledger.Report) {
	c.backfill.WithLabelValues("sent").Add(float64(rep.Sent))
	c.backfill.WithLabelValues("failed").Add(float64(rep.Failed))
}

// Attempt matches delivery.AttemptHook.
func (c *Collector) Attempt(channel string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.attempts.WithLabelValues(channel, result).Inc()
	c.sendLatency.WithLabelValues(channel).Observe(took.Seconds())
}

// Verdict counts a trust gate result.
func (c *Collector) Verdict(r trust.Result) { c.verdicts.WithLabelValues(string(r.Status)).Inc() }
