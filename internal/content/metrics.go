package content

import (
	"github.com/bissquit/blog-digest/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "content",
			Name:      "pages_fetched_total",
			Help:      "Content source pages fetched",
		},
	)

	fetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "content",
			Name:      "fetch_failures_total",
			Help:      "Content fetches that failed and were reported as empty",
		},
	)
)
