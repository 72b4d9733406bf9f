package digest

import (
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "digest",
			Name:      "runs_total",
			Help:      "Digest runs by outcome",
		},
		[]string{"outcome"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "digest",
			Name:      "emails_total",
			Help:      "Digest emails by delivery status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "digest",
			Name:      "run_duration_seconds",
			Help:      "Duration of digest runs",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	postsPerDigest = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "digest",
			Name:      "posts",
			Help:      "Posts included in sent digests",
			Buckets:   []float64{3, 5, 10, 20, 50, 100},
		},
	)
)

func recordRun(outcome string, started time.Time) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(time.Since(started).Seconds())
}

func recordEmail(err error) {
	if err != nil {
		emailsSent.WithLabelValues("failed").Inc()
		return
	}
	emailsSent.WithLabelValues("sent").Inc()
}

func recordPosts(outcome domain.DigestOutcome, n int) {
	if outcome == domain.DigestOutcomeSent {
		postsPerDigest.Observe(float64(n))
	}
}
