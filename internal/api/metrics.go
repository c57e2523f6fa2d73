package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// noProcessor labels requests whose route names no registered processor.
	noProcessor = "none"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "HTTP requests by route, target processor and status.",
		},
		[]string{"method", "route", "processor", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Blocking job requests last as long as the run.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600, 1800},
		},
		[]string{"method", "route"},
	)

	jobRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_job_rejections_total",
			Help: "Job configure or start requests refused, by reason.",
		},
		[]string{"reason"},
	)

	eventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_event_streams",
		Help: "Open run event streams.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, jobRejections, eventStreams)
}

// metricsMiddleware records request count and duration. Labels come from the
// chi route pattern and the registry, never the raw path, to keep
// cardinality bounded.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, s.processorLabel(r), strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func (s *Server) processorLabel(r *http.Request) string {
	name := chi.URLParam(r, "processor")
	if name == "" || !s.registry.Has(name) {
		return noProcessor
	}
	return name
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
