package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds the collectors updated by the scheduling engine and the
// dispatcher.
type Engine struct {
	Scheduled       prometheus.Counter
	Rescheduled     prometheus.Counter
	Cancelled       *prometheus.CounterVec
	Dispatched      *prometheus.CounterVec
	CreditsDebited  prometheus.Counter
	DebitFailures   prometheus.Counter
	SendDuration    prometheus.Histogram
	Armed           prometheus.Gauge
	InboundReceived prometheus.Counter
}

// NewEngine registers the collectors on reg. A nil reg yields unregistered
// collectors, which is what tests want.
func NewEngine(reg prometheus.Registerer) *Engine {
	f := promauto.With(reg)

	return &Engine{
		Scheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "scheduled_messages_created_total",
			Help: "Scheduled messages accepted by the engine",
		}),
		Rescheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "scheduled_messages_rescheduled_total",
			Help: "Pending messages moved to a new fire time",
		}),
		// source is "caller" or "inbound"
		Cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduled_messages_cancelled_total",
			Help: "Pending messages cancelled before dispatch",
		}, []string{"source"}),
		// outcome is "sent", "failed" or "skipped"
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduled_messages_dispatched_total",
			Help: "Dispatch attempts partitioned by outcome",
		}, []string{"outcome"}),
		CreditsDebited: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_credits_debited_total",
			Help: "Credits charged to tenants for dispatched messages",
		}),
		DebitFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_debit_failures_total",
			Help: "Debits that could not be recorded in the ledger",
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Latency of gateway send calls",
			Buckets: prometheus.DefBuckets,
		}),
		Armed: f.NewGauge(prometheus.GaugeOpts{
			Name: "scheduled_messages_armed",
			Help: "Wake-ups currently armed in this process",
		}),
		InboundReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "inbound_events_received_total",
			Help: "Inbound message events evaluated for cancel-on-response",
		}),
	}
}
