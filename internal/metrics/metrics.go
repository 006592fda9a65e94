package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy metrics
var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aifo_toolexec_requests_total",
			Help: "Total shim requests by endpoint and outcome status",
		},
		[]string{"endpoint", "status"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aifo_toolexec_exec_duration_seconds",
			Help:    "Time from spawn to terminal state for sidecar executions",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0, 300.0},
		},
		[]string{"kind", "proto"},
	)

	ExecsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aifo_toolexec_execs_in_flight",
			Help: "Number of executions currently registered",
		},
	)

	TimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aifo_toolexec_timeouts_total",
			Help: "Executions killed by the watchdog or hard timeout",
		},
		[]string{"kind"},
	)

	DisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aifo_toolexec_disconnects_total",
			Help: "Streaming executions terminated by client disconnect",
		},
	)

	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aifo_toolexec_signals_total",
			Help: "Signals forwarded to execution process groups",
		},
		[]string{"signal"},
	)

	ChunksDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aifo_toolexec_chunks_dropped_total",
			Help: "Output chunks dropped under sustained backpressure",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		ExecDuration,
		ExecsInFlight,
		TimeoutsTotal,
		DisconnectsTotal,
		SignalsTotal,
		ChunksDroppedTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer serves /metrics on addr in a background goroutine.
// A listen failure is logged, not fatal; the proxy runs without metrics.
func StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics: server stopped: %v", err)
		}
	}()
}
