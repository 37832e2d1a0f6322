package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// submissions by result: created, merged, replayed
	Submissions     *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	Retries         prometheus.Counter
	StatusChanges   *prometheus.CounterVec
	MergeResets     prometheus.Counter
	PublishFailures prometheus.Counter
	SubmitLatency   prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPRejected prometheus.Counter
	InFlight     prometheus.Gauge

	KitchenProcessed *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tableside_submissions_total"}, []string{"result"})
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tableside_errors_total"}, []string{"op", "kind"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{Name: "tableside_write_retries_total"})
	statusChanges := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tableside_status_changes_total"}, []string{"status"})
	resets := prometheus.NewCounter(prometheus.CounterOpts{Name: "tableside_merge_resets_total"})
	publishFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "tableside_event_publish_failures_total"})
	submitLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tableside_submit_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tableside_http_requests_total"}, []string{"method", "route", "code"})
	httpRejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "tableside_http_rejected_total"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tableside_http_in_flight"})
	kitchen := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tableside_kitchen_messages_total"}, []string{"outcome"})

	r.MustRegister(submissions, errs, retries, statusChanges, resets, publishFailures, submitLatency,
		httpRequests, httpRejected, inFlight, kitchen)
	return &Registry{
		reg:              r,
		Submissions:      submissions,
		Errors:           errs,
		Retries:          retries,
		StatusChanges:    statusChanges,
		MergeResets:      resets,
		PublishFailures:  publishFailures,
		SubmitLatency:    submitLatency,
		HTTPRequests:     httpRequests,
		HTTPRejected:     httpRejected,
		InFlight:         inFlight,
		KitchenProcessed: kitchen,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
