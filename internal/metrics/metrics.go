// Package metrics exports Prometheus metrics derived from server events.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/graphqlhttp/internal/eventbus"
	events "github.com/hanpama/graphqlhttp/internal/events"
)

const namespace = "graphqlhttp"

// Collector owns the server's metric vectors.
type Collector struct {
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	batchSize         prometheus.Histogram
	operations        *prometheus.CounterVec
	operationTime     *prometheus.HistogramVec
	responseCacheHits prometheus.Counter
}

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distributions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_operations",
			Help:      "Number of operations carried by one HTTP request.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50},
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "GraphQL operations by type and outcome.",
		}, []string{"type", "outcome", "batch"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "GraphQL operation latency distributions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		responseCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_hits_total",
			Help:      "Operations answered from the response cache.",
		}),
	}
	for _, m := range []prometheus.Collector{
		c.httpRequests, c.httpDuration, c.batchSize, c.operations, c.operationTime, c.responseCacheHits,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Subscribe records events published on b until unsubscribe is called.
func (c *Collector) Subscribe(b *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.SubscribeTo(b, c.httpFinished),
		eventbus.SubscribeTo(b, c.operationFinished),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *Collector) httpFinished(_ context.Context, e events.HTTPFinish) {
	method := e.Request.Method
	c.httpRequests.WithLabelValues(method, strconv.Itoa(e.Status)).Inc()
	c.httpDuration.WithLabelValues(method).Observe(e.Duration.Seconds())
	if e.BatchSize > 0 {
		c.batchSize.Observe(float64(e.BatchSize))
	}
}

func (c *Collector) operationFinished(_ context.Context, e events.OperationFinish) {
	outcome := "ok"
	switch {
	case e.Failed:
		outcome = "failed"
	case len(e.Errors) > 0:
		outcome = "error"
	}
	opType := e.OperationType
	if opType == "" {
		opType = "unknown"
	}
	c.operations.WithLabelValues(opType, outcome, strconv.FormatBool(e.Batch)).Inc()
	c.operationTime.WithLabelValues(opType).Observe(e.Duration.Seconds())
	if e.ResponseCache {
		c.responseCacheHits.Inc()
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
