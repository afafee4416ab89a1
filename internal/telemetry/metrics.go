package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_session_transitions_total",
		Help: "Capture session state transitions.",
	}, []string{"from", "to"})

	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_frames_total",
		Help: "Frames run through the decode primitive, by outcome.",
	}, []string{"outcome"})

	RecoveryDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_recovery_decisions_total",
		Help: "Recovery decisions by error kind and action.",
	}, []string{"kind", "action"})

	PayloadsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_payloads_parsed_total",
		Help: "Decoded payloads by parse result.",
	}, []string{"result"})

	FlowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_flow_transitions_total",
		Help: "Scan flow stage transitions by event.",
	}, []string{"event"})

	PaymentSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_payment_submissions_total",
		Help: "Payment submissions handed to the submission collaborator.",
	}, []string{"status"})

	SessionStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanner_session_start_seconds",
		Help:    "Time from start request to ACTIVE.",
		Buckets: prometheus.DefBuckets,
	})
)
