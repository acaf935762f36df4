package health

import "github.com/prometheus/client_golang/prometheus"

// ProbesRaisedTotal counts alert transitions entering warning/critical,
// and probe failures (severity "error") for probes with a prior record,
// by probe and severity — adapted from the teacher's
// internal/telemetry.AlertsReceivedTotal{source,severity}.
var ProbesRaisedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "health",
		Name:      "alerts_raised_total",
		Help:      "Total number of health alert transitions raised, by probe and severity.",
	},
	[]string{"probe", "severity"},
)

// AlertsDeduplicatedTotal counts probe runs whose alert state was
// unchanged and therefore produced no publication — adapted from
// AlertsDeduplicatedTotal.
var AlertsDeduplicatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "health",
		Name:      "alerts_deduplicated_total",
		Help:      "Total number of probe runs with unchanged alert state (no publication).",
	},
	[]string{"probe"},
)

// AlertsRecoveredTotal counts transitions back to normal.
var AlertsRecoveredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "health",
		Name:      "alerts_recovered_total",
		Help:      "Total number of health alert recoveries, by probe.",
	},
	[]string{"probe"},
)

// ProbeDuration times each probe run — adapted from
// AlertProcessingDuration{source}.
var ProbeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "platform",
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Health probe execution duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"probe"},
)

// NotificationsTotal counts outbound alert notifications by channel type —
// adapted from the teacher's internal/telemetry.SlackNotificationsTotal{type}.
// It is registered through All; nothing in this module increments it.
var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "health",
		Name:      "notifications_total",
		Help:      "Total number of health alert notifications sent, by channel type.",
	},
	[]string{"type"},
)

// All returns every health-package collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProbesRaisedTotal,
		AlertsDeduplicatedTotal,
		AlertsRecoveredTotal,
		ProbeDuration,
		NotificationsTotal,
	}
}
