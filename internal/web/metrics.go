package web

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kandev/pipeflow/internal/queue"
)

// Metrics beyond the bare queue snapshot (stage durations) are not exposed
// by the Queue/Orchestrator today, so only queue depth and run totals are
// exported here; a histogram can be added once stages publish timing
// events somewhere other than the log stream.
var (
	queuedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeflow_queue_depth",
		Help: "Number of tickets currently waiting in the queue.",
	})
	runningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeflow_queue_running",
		Help: "1 if an orchestration is currently running, 0 otherwise.",
	})
	totalRunCounter = prometheus.NewDesc(
		"pipeflow_queue_total_run", "Total orchestration runs recorded so far.", nil, nil,
	)
	totalFailedCounter = prometheus.NewDesc(
		"pipeflow_queue_total_failed", "Total failed orchestration runs recorded so far.", nil, nil,
	)
)

// queueCollector samples queue.Queue.Status() on every /metrics scrape
// rather than keeping a separately-maintained copy of the counters.
type queueCollector struct {
	q *queue.Queue
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- totalRunCounter
	ch <- totalFailedCounter
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.q.Status()

	queuedGauge.Set(float64(len(status.Queued)))
	ch <- queuedGauge

	running := 0.0
	if status.Running != nil {
		running = 1.0
	}
	runningGauge.Set(running)
	ch <- runningGauge

	ch <- prometheus.MustNewConstMetric(totalRunCounter, prometheus.CounterValue, float64(status.TotalRun))
	ch <- prometheus.MustNewConstMetric(totalFailedCounter, prometheus.CounterValue, float64(status.TotalFailed))
}

func metricsHandler(q *queue.Queue) gin.HandlerFunc {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&queueCollector{q: q})

	h := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
