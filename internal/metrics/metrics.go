package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Push path
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_notifications_total",
			Help: "App Store notifications processed, by notification type and outcome",
		},
		[]string{"type", "outcome"},
	)

	AuthenticityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlement_notification_authenticity_failures_total",
			Help: "Notifications rejected because their signature could not be verified",
		},
	)

	// Client path
	ReceiptVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_receipt_verifications_total",
			Help: "Client receipt verifications, by classification",
		},
		[]string{"result"},
	)

	ReceiptVerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entitlement_receipt_verification_duration_seconds",
			Help:    "Duration of calls to the receipt verification authority",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Store
	UpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_store_upserts_total",
			Help: "Entitlement upserts, by result",
		},
		[]string{"result"},
	)

	// Outbound change webhook
	CallbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitlement_callback_failures_total",
			Help: "Entitlement change callbacks that failed after all retries",
		},
	)
)
