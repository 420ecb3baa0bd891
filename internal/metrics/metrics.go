// Package metrics holds the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Check-in outcomes used as label values.
const (
	OutcomeAccepted   = "accepted"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
	OutcomeStoreError = "store_error"
)

// Session close reasons used as label values.
const (
	ReasonStopped = "stopped"
	ReasonExpired = "expired"
)

var (
	CheckinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_sessions_started_total",
		Help: "Attendance sessions started.",
	})

	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_sessions_closed_total",
		Help: "Attendance sessions closed, by reason.",
	}, []string{"reason"})

	TokenRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_token_rotations_total",
		Help: "Session token rotations, automatic and manual.",
	})

	RosterSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qrattend_roster_subscribers",
		Help: "Currently connected roster stream subscribers.",
	})
)
