// Package metrics holds the prometheus collectors shared by the gateways,
// the session manager and the content stores. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics is a set of registered collectors.
type Metrics struct {
	GatewayOps          *prometheus.CounterVec
	GatewayDuration     *prometheus.HistogramVec
	SessionNegotiations *prometheus.CounterVec
	StoreOps            *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics { // A
	m := &Metrics{
		GatewayOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seal",
			Subsystem: "gateway",
			Name:      "operations_total",
			Help:      "Encrypt and decrypt calls by outcome.",
		}, []string{"op", "outcome"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seal",
			Subsystem: "gateway",
			Name:      "operation_seconds",
			Help:      "Latency of encrypt and decrypt calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		SessionNegotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seal",
			Subsystem: "session",
			Name:      "negotiations_total",
			Help:      "Session credential negotiations by outcome.",
		}, []string{"outcome"}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seal",
			Subsystem: "contentstore",
			Name:      "operations_total",
			Help:      "Content store uploads and downloads by outcome.",
		}, []string{"op", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.GatewayOps,
			m.GatewayDuration,
			m.SessionNegotiations,
			m.StoreOps,
		)
	}
	return m
}

// Outcome maps err to an outcome label.
func Outcome(err error) string { // A
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// ObserveGateway records one gateway call that started at start.
func (m *Metrics) ObserveGateway(op string, start time.Time, err error) { // A
	if m == nil {
		return
	}
	m.GatewayOps.WithLabelValues(op, Outcome(err)).Inc()
	m.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SessionNegotiated records one negotiation attempt.
func (m *Metrics) SessionNegotiated(err error) { // A
	if m == nil {
		return
	}
	m.SessionNegotiations.WithLabelValues(Outcome(err)).Inc()
}

// StoreOp records one content store call.
func (m *Metrics) StoreOp(op string, err error) { // A
	if m == nil {
		return
	}
	m.StoreOps.WithLabelValues(op, Outcome(err)).Inc()
}
