package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	dispatchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Dispatch cycles by outcome (completed, skipped_overlap).",
		},
		[]string{"outcome"},
	)
	taskAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "dispatch",
			Name:      "assignments_total",
			Help:      "Task assignments by effective role.",
		},
		[]string{"role", "sticky"},
	)
	deadlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "dispatch",
			Name:      "deadlocks_total",
			Help:      "Tasks escalated to the war room.",
		},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "verify",
			Name:      "verifications_total",
			Help:      "Verification verdicts by result and failing check.",
		},
		[]string{"passed", "failed_check"},
	)
	verifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "foundry",
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "End-to-end verification duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	ledgerStatements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "ledger",
			Name:      "statements_total",
			Help:      "Ledger statement attempts by outcome (stored, rejected).",
		},
		[]string{"outcome"},
	)
	ledgerIntegrity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "foundry",
			Subsystem: "ledger",
			Name:      "integrity_ok",
			Help:      "1 when the last integrity check passed, 0 otherwise.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "foundry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			dispatchCycles, taskAssignments, deadlocks,
			verifications, verifyDuration,
			ledgerStatements, ledgerIntegrity,
			httpRequests, httpDuration,
		)
	})
}

func RecordDispatchCycle(outcome string) {
	RegisterMetrics()
	dispatchCycles.WithLabelValues(outcome).Inc()
}

func RecordAssignment(role string, sticky bool) {
	RegisterMetrics()
	taskAssignments.WithLabelValues(role, strconv.FormatBool(sticky)).Inc()
}

func RecordDeadlock() {
	RegisterMetrics()
	deadlocks.Inc()
}

func RecordVerification(passed bool, failedCheck string, duration time.Duration) {
	RegisterMetrics()
	verifications.WithLabelValues(strconv.FormatBool(passed), failedCheck).Inc()
	verifyDuration.Observe(duration.Seconds())
}

func RecordLedgerStatement(stored bool) {
	RegisterMetrics()
	outcome := "stored"
	if !stored {
		outcome = "rejected"
	}
	ledgerStatements.WithLabelValues(outcome).Inc()
}

func RecordLedgerIntegrity(ok bool) {
	RegisterMetrics()
	if ok {
		ledgerIntegrity.Set(1)
	} else {
		ledgerIntegrity.Set(0)
	}
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
