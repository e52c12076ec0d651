package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_queries_total",
		Help: "Total number of query change events accepted by the tracker",
	})
	LookupRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_lookup_requests_total",
		Help: "Total outbound geolocation requests",
	})
	LookupSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_lookup_success_total",
		Help: "Total geolocation lookups that produced a resolution",
	})
	LookupFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iptracer_lookup_fail_total",
		Help: "Total failed geolocation lookups by reason",
	}, []string{"reason"})
	LookupDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "iptracer_lookup_duration_ms",
		Help:    "Geolocation lookup duration in milliseconds",
		Buckets: []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
	})
	StaleResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_stale_results_total",
		Help: "Lookup results discarded because a newer query was issued",
	})
	MapMountsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_map_mounts_total",
		Help: "Total map surfaces constructed",
	})
	MapDisposalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_map_disposals_total",
		Help: "Total map surfaces released",
	})
	MapSurfacesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iptracer_map_surfaces_live",
		Help: "Map surfaces currently bound to a container",
	})
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iptracer_subscribers",
		Help: "Active snapshot subscribers (event streams, terminal)",
	})
	SessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iptracer_sessions_live",
		Help: "Visitor sessions that currently own a tracker",
	})
	SessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_sessions_created_total",
		Help: "Total visitor sessions created",
	})
	SessionsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iptracer_sessions_expired_total",
		Help: "Total visitor sessions torn down after idling",
	})
)

func init() {
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(LookupRequestsTotal)
	prometheus.MustRegister(LookupSuccessTotal)
	prometheus.MustRegister(LookupFailTotal)
	prometheus.MustRegister(LookupDurationMs)
	prometheus.MustRegister(StaleResultsTotal)
	prometheus.MustRegister(MapMountsTotal)
	prometheus.MustRegister(MapDisposalsTotal)
	prometheus.MustRegister(MapSurfacesLive)
	prometheus.MustRegister(Subscribers)
	prometheus.MustRegister(SessionsLive)
	prometheus.MustRegister(SessionsCreatedTotal)
	prometheus.MustRegister(SessionsExpiredTotal)
}

// 文档注释：返回 Prometheus 指标监听器，在主入口挂载到 <API_BASE>/metrics
func Handler() http.Handler { return promhttp.Handler() }
