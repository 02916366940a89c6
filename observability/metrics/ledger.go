package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"noodles/core/events"
	"noodles/core/types"
	creditsengine "noodles/native/credits"
	servicesengine "noodles/native/services"
)

// LedgerMetrics tracks trade and execution activity for operators. The
// engines never touch prometheus directly: the Emitter adapter below taps the
// event stream instead.
type LedgerMetrics struct {
	trades               *prometheus.CounterVec
	creditTransfers      prometheus.Counter
	creatorFeeClaims     prometheus.Counter
	executionTransitions *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the process-wide metrics registry, creating and registering
// it on first use.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "noodles_credits_trades_total",
				Help: "Count of settled credit trades by direction.",
			}, []string{"side"}),
			creditTransfers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "noodles_credits_transfers_total",
				Help: "Count of privileged credit transfers.",
			}),
			creatorFeeClaims: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "noodles_creator_fee_claims_total",
				Help: "Count of creator fee payouts.",
			}),
			executionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "noodles_service_execution_transitions_total",
				Help: "Count of service execution transitions by kind.",
			}, []string{"transition"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.trades,
			ledgerRegistry.creditTransfers,
			ledgerRegistry.creatorFeeClaims,
			ledgerRegistry.executionTransitions,
		)
	})
	return ledgerRegistry
}

// Emitter returns an events.Emitter that records every engine event into the
// metrics registry. Wire it alongside other emitters via events.Fanout.
func (l *LedgerMetrics) Emitter() events.Emitter {
	return recorder{metrics: l}
}

type recorder struct {
	metrics *LedgerMetrics
}

type payloadCarrier interface {
	Event() *types.Event
}

func (r recorder) Emit(evt events.Event) {
	if r.metrics == nil || evt == nil {
		return
	}
	switch evt.EventType() {
	case creditsengine.EventTypeCreditsTrade:
		side := "sell"
		if carrier, ok := evt.(payloadCarrier); ok {
			if payload := carrier.Event(); payload != nil && payload.Attributes["isBuy"] == "true" {
				side = "buy"
			}
		}
		r.metrics.trades.WithLabelValues(side).Inc()
	case creditsengine.EventTypeCreditsTransfer:
		r.metrics.creditTransfers.Inc()
	case creditsengine.EventTypeCreatorFeeClaimed:
		r.metrics.creatorFeeClaims.Inc()
	case servicesengine.EventTypeExecutionRequested:
		r.metrics.executionTransitions.WithLabelValues("requested").Inc()
	case servicesengine.EventTypeExecutionAccepted:
		r.metrics.executionTransitions.WithLabelValues("accepted").Inc()
	case servicesengine.EventTypeExecutionCanceled:
		r.metrics.executionTransitions.WithLabelValues("canceled").Inc()
	case servicesengine.EventTypeExecutionValidated:
		r.metrics.executionTransitions.WithLabelValues("validated").Inc()
	case servicesengine.EventTypeExecutionDisputed:
		r.metrics.executionTransitions.WithLabelValues("disputed").Inc()
	case servicesengine.EventTypeExecutionResolved:
		r.metrics.executionTransitions.WithLabelValues("resolved").Inc()
	}
}
