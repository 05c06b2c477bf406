package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SalesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orema",
		Name:      "ventes_sync_total",
		Help:      "Sale sync submissions by outcome (created, replayed, rejected).",
	}, []string{"outcome"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orema",
		Name:      "ventes_sync_duration_seconds",
		Help:      "Time spent materializing a synced sale.",
		Buckets:   prometheus.DefBuckets,
	})

	StockMovements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orema",
		Name:      "stock_mouvements_total",
		Help:      "Stock movements written, by type.",
	}, []string{"type"})

	IdempotencySwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orema",
		Name:      "idempotency_keys_swept_total",
		Help:      "Expired idempotency records deleted.",
	})

	CashSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orema",
		Name:      "sessions_caisse_total",
		Help:      "Cash session transitions, by action.",
	}, []string{"action"})
)

const (
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
)
