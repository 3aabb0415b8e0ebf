package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickid_requests_total",
			Help: "Total click id requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clickid_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clickid_in_flight",
		Help: "In-flight HTTP requests",
	})
	// result: ok | fallback | disabled | skipped
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickid_route_lookups_total",
			Help: "Campaign lookups by result",
		}, []string{"result"},
	)
	// result: ok | upstream_error | missing_clickid
	MintsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickid_mints_total",
			Help: "Provider mint calls by result",
		}, []string{"result"},
	)
	MintLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clickid_mint_duration_seconds",
		Help:    "Provider mint call latency seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clickid_session_cache_hits_total",
		Help: "Requests answered from the session cache",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickid_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)
	SessionsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clickid_sessions_purged_total",
		Help: "Expired sessions removed by the sweeper",
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal, Latency, InFlight, LookupsTotal, MintsTotal, MintLatency, CacheHits, RequestErrors, SessionsPurged)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
