// Package metrics holds the Prometheus collectors for the payment flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChargeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagegen",
		Subsystem: "payment",
		Name:      "charge_outcomes_total",
		Help:      "Charge attempts by outcome.",
	}, []string{"outcome"})

	ThreeDSCaptures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagegen",
		Subsystem: "threeds",
		Name:      "captures_total",
		Help:      "3DS callback results by the detection branch that found them.",
	}, []string{"branch"})

	ThreeDSCaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imagegen",
		Subsystem: "threeds",
		Name:      "capture_failures_total",
		Help:      "3DS callbacks where every detection branch came up empty.",
	})

	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagegen",
		Subsystem: "threeds",
		Name:      "relay_deliveries_total",
		Help:      "Relay channel attempts by channel and result.",
	}, []string{"channel", "result"})

	Activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imagegen",
		Subsystem: "subscription",
		Name:      "activations_total",
		Help:      "Subscription activation calls by result.",
	}, []string{"result"})
)
