// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package metrics defines the prometheus collectors exported by keysync.
package metrics // import "github.com/toeirei/keysync/internal/metrics"

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Apply pipeline

	QueueEntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_queue_entries_processed_total",
			Help: "Queue entries processed by the apply worker, by outcome",
		},
		[]string{"outcome"},
	)

	QueuedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keysync_queue_entries_queued",
			Help: "Current number of queue entries waiting to run",
		},
	)

	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_deployments_total",
			Help: "Executed credential file deployments, by status",
		},
		[]string{"status"},
	)

	DeploymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keysync_deployment_duration_seconds",
			Help:    "Duration of remote credential file deployments in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Security

	SecurityDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_security_denials_total",
			Help: "Operations denied by rate limits or lockouts",
		},
		[]string{"operation", "reason"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_security_alerts_total",
			Help: "Security alerts raised by anomaly detection, by type",
		},
		[]string{"type"},
	)

	// Notifications

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keysync_notifications_total",
			Help: "Notifications handled by the dispatcher, by final status",
		},
		[]string{"status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
