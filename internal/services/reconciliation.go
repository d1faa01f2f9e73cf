package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// EntitlementRepository is the store the engine writes through.
type EntitlementRepository interface {
	UpsertEntitlement(ctx context.Context, userID, originalTransactionID string, update models.EntitlementUpdate) (*database.UpsertResult, error)
	UserIDsForOriginalTransaction(ctx context.Context, originalTransactionID string) ([]string, error)
}

// ChangeNotifier is told about every committed entitlement change.
type ChangeNotifier interface {
	EntitlementChanged(ctx context.Context, change EntitlementChange)
}

// EntitlementChange is one committed row change and what caused it.
type EntitlementChange struct {
	Source   string // notification type, or "receipt"
	Previous *models.Subscription
	Current  *models.Subscription
}

// OutcomeKind summarises what applying an event did.
type OutcomeKind string

const (
	OutcomeApplied      OutcomeKind = "applied"
	OutcomeUnchanged    OutcomeKind = "unchanged"
	OutcomeStale        OutcomeKind = "stale"
	OutcomeNoRow        OutcomeKind = "no_row"
	OutcomeIgnored      OutcomeKind = "ignored"
	OutcomeUnrecognized OutcomeKind = "unrecognized"
	OutcomeDuplicate    OutcomeKind = "duplicate"
)

// Outcome is the result of applying one event, with one upsert result per affected row.
type Outcome struct {
	Kind    OutcomeKind
	Results []*database.UpsertResult
}

// ClientContext describes where a client-reported purchase came from.
type ClientContext struct {
	Platform    string
	Environment models.Environment
}

// transitionRule is one row of the notification state machine. A nil build
// means the notification carries no entitlement change.
type transitionRule struct {
	build func(env *models.NotificationEnvelope) models.EntitlementUpdate
}

var notificationRules = map[models.NotificationKind]transitionRule{
	models.KindSubscribed: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		u := activeRenewal(env.Transaction)
		u.ProductID = nonEmpty(env.Transaction.ProductID)
		return u
	}},
	models.KindDidRenew: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		return activeRenewal(env.Transaction)
	}},
	models.KindRenewalExtended: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		return activeRenewal(env.Transaction)
	}},
	models.KindDidFailToRenew: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		status := models.StatusExpired
		if env.Renewal != nil && env.Renewal.InBillingRetryPeriod {
			status = models.StatusGracePeriod
		}
		return models.EntitlementUpdate{
			Status:          &status,
			ExpiresDate:     expiresOf(env.Transaction),
			AutoRenewStatus: autoRenewOf(env),
		}
	}},
	models.KindExpired: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		return models.EntitlementUpdate{Status: models.Ptr(models.StatusExpired), ExpiresDate: expiresOf(env.Transaction)}
	}},
	models.KindGracePeriodExpired: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		return models.EntitlementUpdate{Status: models.Ptr(models.StatusExpired), ExpiresDate: expiresOf(env.Transaction)}
	}},
	models.KindRefund: {build: revoked},
	models.KindRevoke: {build: revoked},
	models.KindDidChangeRenewalStatus: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		return models.EntitlementUpdate{
			AutoRenewStatus: autoRenewOf(env),
			ExpiresDate:     expiresOf(env.Transaction),
		}
	}},
	models.KindDidChangeRenewalPref: {build: func(env *models.NotificationEnvelope) models.EntitlementUpdate {
		u := models.EntitlementUpdate{ExpiresDate: expiresOf(env.Transaction)}
		if env.Renewal != nil {
			u.ProductID = nonEmpty(env.Renewal.AutoRenewProductID)
		}
		return u
	}},
	models.KindPriceIncrease: {},
	models.KindTest:          {},
}

func activeRenewal(txn *models.TransactionEvent) models.EntitlementUpdate {
	return models.EntitlementUpdate{
		Status:              models.Ptr(models.StatusActive),
		ExpiresDate:         expiresOf(txn),
		LatestTransactionID: nonEmpty(txn.TransactionID),
	}
}

// revoked ends access; the expiry may move backwards.
func revoked(env *models.NotificationEnvelope) models.EntitlementUpdate {
	return models.EntitlementUpdate{
		Status:                models.Ptr(models.StatusCancelled),
		ExpiresDate:           expiresOf(env.Transaction),
		AllowExpiryRegression: true,
	}
}

func expiresOf(txn *models.TransactionEvent) *time.Time {
	if txn == nil || txn.ExpiresDate.IsZero() {
		return nil
	}
	return models.Ptr(txn.ExpiresDate)
}

// autoRenewOf reads the renewal info, falling back to the notification subtype.
func autoRenewOf(env *models.NotificationEnvelope) *bool {
	if env.Renewal != nil {
		return models.Ptr(env.Renewal.AutoRenewStatus)
	}
	switch env.Subtype {
	case "AUTO_RENEW_ENABLED":
		return models.Ptr(true)
	case "AUTO_RENEW_DISABLED":
		return models.Ptr(false)
	}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ReconciliationEngine applies canonical events to the entitlement store.
type ReconciliationEngine struct {
	store    EntitlementRepository
	notifier ChangeNotifier
}

// NewReconciliationEngine creates an engine. notifier may be nil.
func NewReconciliationEngine(store EntitlementRepository, notifier ChangeNotifier) *ReconciliationEngine {
	return &ReconciliationEngine{store: store, notifier: notifier}
}

// ApplyPurchase records a client-verified purchase as an active entitlement.
func (e *ReconciliationEngine) ApplyPurchase(ctx context.Context, userID string, txn *models.TransactionEvent, client ClientContext) (*Outcome, error) {
	if userID == "" || txn == nil || txn.OriginalTransactionID == "" {
		return nil, fmt.Errorf("%w: user and transaction are required", ErrInvalidRequest)
	}

	env := txn.Environment
	if env == "" || env == models.EnvironmentUnknown {
		env = client.Environment
	}
	if env == "" {
		env = models.EnvironmentUnknown
	}
	platform := client.Platform
	if platform == "" {
		platform = models.PlatformIOS
	}

	update := models.EntitlementUpdate{
		Status:              models.Ptr(models.StatusActive),
		ProductID:           nonEmpty(txn.ProductID),
		LatestTransactionID: nonEmpty(txn.TransactionID),
		ExpiresDate:         expiresOf(txn),
		AutoRenewStatus:     txn.AutoRenewStatus,
		Environment:         &env,
		Platform:            &platform,
	}
	if !txn.PurchaseDate.IsZero() {
		update.PurchaseDate = models.Ptr(txn.PurchaseDate)
	}

	result, err := e.store.UpsertEntitlement(ctx, userID, txn.OriginalTransactionID, update)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, "receipt", result)
	return summarise([]*database.UpsertResult{result}), nil
}

// ApplyNotification applies a decoded notification to every row of its lineage.
// A lineage with no row is a no-op: notifications cannot say which user owns it.
func (e *ReconciliationEngine) ApplyNotification(ctx context.Context, env *models.NotificationEnvelope) (*Outcome, error) {
	rule, ok := notificationRules[env.Kind]
	if !ok {
		return &Outcome{Kind: OutcomeUnrecognized}, fmt.Errorf("%w: %s", ErrUnknownEventType, env.NotificationType)
	}
	if rule.build == nil {
		return &Outcome{Kind: OutcomeIgnored}, nil
	}
	if env.Transaction == nil {
		return nil, fmt.Errorf("%w: %s notification without transaction", ErrDecode, env.NotificationType)
	}

	otid := env.Transaction.OriginalTransactionID
	userIDs, err := e.store.UserIDsForOriginalTransaction(ctx, otid)
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		logging.Infof("No entitlement for original_transaction_id %s, ignoring %s", otid, env.NotificationType)
		return &Outcome{Kind: OutcomeNoRow}, nil
	}

	update := rule.build(env)
	if update.IsEmpty() {
		return &Outcome{Kind: OutcomeUnchanged}, nil
	}

	results := make([]*database.UpsertResult, 0, len(userIDs))
	for _, userID := range userIDs {
		result, err := e.store.UpsertEntitlement(ctx, userID, otid, update)
		if err != nil {
			return nil, err
		}
		if result.Outcome == database.UpsertStale {
			logging.Warnf("Discarded stale %s for %s: expires %s older than stored %s",
				env.NotificationType, otid, update.ExpiresDate.Format(time.RFC3339), result.Current.ExpiresDate.Format(time.RFC3339))
		}
		e.notify(ctx, env.NotificationType, result)
		results = append(results, result)
	}
	return summarise(results), nil
}

// ApplyUpdate writes an operator-supplied update to an existing row. Rows are
// only created by purchases.
func (e *ReconciliationEngine) ApplyUpdate(ctx context.Context, userID, originalTransactionID string, update models.EntitlementUpdate, source string) (*database.UpsertResult, error) {
	if update.IsEmpty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrInvalidRequest)
	}
	update.UpdateOnly = true
	result, err := e.store.UpsertEntitlement(ctx, userID, originalTransactionID, update)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, source, result)
	return result, nil
}

func (e *ReconciliationEngine) notify(ctx context.Context, source string, result *database.UpsertResult) {
	if e.notifier == nil || !result.Changed() {
		return
	}
	e.notifier.EntitlementChanged(ctx, EntitlementChange{
		Source:   source,
		Previous: result.Previous,
		Current:  result.Current,
	})
}

func summarise(results []*database.UpsertResult) *Outcome {
	outcome := &Outcome{Kind: OutcomeUnchanged, Results: results}
	for _, r := range results {
		switch {
		case r.Changed():
			outcome.Kind = OutcomeApplied
		case r.Outcome == database.UpsertStale && outcome.Kind == OutcomeUnchanged:
			outcome.Kind = OutcomeStale
		}
	}
	return outcome
}
