// Package observability exposes Prometheus metrics for the sync engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "sync_runs_total",
		Help:      "Sync runs by trigger and outcome.",
	}, []string{"trigger", "result"})
	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "sync_duration_seconds",
		Help:      "Wall-clock duration of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	resourceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "resource_errors_total",
		Help:      "Failed resource fetches by category.",
	}, []string{"resource"})
	batchAccounts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "cron",
		Name:      "batch_accounts_total",
		Help:      "Accounts processed by the inactivity batch, by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(syncRuns, syncDuration, resourceErrors, batchAccounts)
}

// RecordSyncRun counts one finished sync run.
func RecordSyncRun(trigger string, success bool, d time.Duration) {
	syncRuns.WithLabelValues(trigger, resultLabel(success)).Inc()
	syncDuration.Observe(d.Seconds())
}

// RecordResourceError counts one failed resource category fetch.
func RecordResourceError(resource string) {
	resourceErrors.WithLabelValues(resource).Inc()
}

// RecordBatchAccount counts one account processed by the batch scheduler.
func RecordBatchAccount(success bool) {
	batchAccounts.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
