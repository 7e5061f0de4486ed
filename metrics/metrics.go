// metrics/metrics.go
// Prometheus 指标定义：节点侧与客户端侧共用一个注册表

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oprf"

var (
	once sync.Once

	nodeInit       *prometheus.CounterVec
	nodeFinish     *prometheus.CounterVec
	openSessions   prometheus.Gauge
	oracleHealth   *prometheus.CounterVec
	reshares       *prometheus.CounterVec
	clientRequests *prometheus.CounterVec
	clientLatency  *prometheus.HistogramVec
	nodeErrors     *prometheus.CounterVec
)

// Describe 注册全部指标（幂等）
func Describe() {
	once.Do(func() {
		nodeInit = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "init_total",
			Help:      "init requests handled by this node, by result",
		}, []string{"result"})
		nodeFinish = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "finish_total",
			Help:      "finish requests handled by this node, by result",
		}, []string{"result"})
		openSessions = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "open_sessions",
			Help:      "sessions initialized and awaiting finish",
		})
		oracleHealth = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "oracle_requests_total",
			Help:      "oracle round trips, by result",
		}, []string{"result"})
		reshares = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "reshare_total",
			Help:      "reshare steps handled by this node, by step and result",
		}, []string{"step", "result"})
		clientRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "orchestrated OPRF requests, by send mode and result",
		}, []string{"mode", "result"})
		clientLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "end-to-end OPRF request latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"mode"})
		nodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "node_errors_total",
			Help:      "per-node failures observed by the orchestrator, by kind",
		}, []string{"kind"})
	})
}

// Handler /metrics
func Handler() http.Handler {
	Describe()
	return promhttp.Handler()
}

func NodeInit(result string) {
	Describe()
	nodeInit.WithLabelValues(result).Inc()
}

func NodeFinish(result string) {
	Describe()
	nodeFinish.WithLabelValues(result).Inc()
}

func SetOpenSessions(n int) {
	Describe()
	openSessions.Set(float64(n))
}

func OracleRequest(result string) {
	Describe()
	oracleHealth.WithLabelValues(result).Inc()
}

func Reshare(step, result string) {
	Describe()
	reshares.WithLabelValues(step, result).Inc()
}

func ClientRequest(mode, result string, d time.Duration) {
	Describe()
	clientRequests.WithLabelValues(mode, result).Inc()
	clientLatency.WithLabelValues(mode).Observe(d.Seconds())
}

func NodeError(kind string) {
	Describe()
	nodeErrors.WithLabelValues(kind).Inc()
}
