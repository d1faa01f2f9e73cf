package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/google/uuid"
)

// PayloadVerifier checks a provider-signed JWS.
type PayloadVerifier interface {
	Verify(ctx context.Context, signed string) (*VerifiedPayload, error)
}

// ReceiptClient validates client receipts with the provider.
type ReceiptClient interface {
	Verify(ctx context.Context, req ReceiptRequest) ([]models.TransactionEvent, error)
	CheckFreshness(txn *models.TransactionEvent, now time.Time) error
}

// Alerter raises an operational alert.
type Alerter interface {
	Alert(ctx context.Context, summary string, details map[string]string)
}

// LogAlerter writes alerts to the error log.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, summary string, details map[string]string) {
	logging.Errorf("ALERT: %s %v", summary, details)
}

// VerifyResult is the success response of a client receipt verification.
type VerifyResult struct {
	Status      string                  `json:"status"`
	Transaction models.TransactionEvent `json:"transaction"`
	Outcome     OutcomeKind             `json:"outcome"`
}

// SubscriptionServiceOptions wires a SubscriptionService.
type SubscriptionServiceOptions struct {
	Verifier     PayloadVerifier
	Receipts     ReceiptClient
	Store        EntitlementRepository
	Notifier     ChangeNotifier
	Replay       *ReplayProtection
	Alerter      Alerter
	SharedSecret string
	Environment  models.Environment // environment tried first for receipts
	Now          func() time.Time
}

// SubscriptionService is the entry point of both ingestion channels.
type SubscriptionService struct {
	verifier     PayloadVerifier
	decoder      *NotificationDecoder
	router       *EventRouter
	engine       *ReconciliationEngine
	receipts     ReceiptClient
	replay       *ReplayProtection
	alerter      Alerter
	sharedSecret string
	environment  models.Environment
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewSubscriptionService creates the ingestion service
func NewSubscriptionService(opts SubscriptionServiceOptions) *SubscriptionService {
	engine := NewReconciliationEngine(opts.Store, opts.Notifier)
	s := &SubscriptionService{
		verifier:     opts.Verifier,
		decoder:      NewNotificationDecoder(),
		router:       NewEventRouter(engine),
		engine:       engine,
		receipts:     opts.Receipts,
		replay:       opts.Replay,
		alerter:      opts.Alerter,
		sharedSecret: opts.SharedSecret,
		environment:  opts.Environment,
		now:          opts.Now,
	}
	if s.alerter == nil {
		s.alerter = LogAlerter{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.environment != models.EnvironmentSandbox {
		s.environment = models.EnvironmentProduction
	}
	return s
}

// Dispatch processes a webhook body in the background. The caller has already
// acknowledged the delivery.
func (s *SubscriptionService) Dispatch(rawBody []byte) {
	body := append([]byte(nil), rawBody...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.HandleWebhook(context.Background(), body)
	}()
}

// Wait blocks until dispatched webhooks are processed.
func (s *SubscriptionService) Wait() {
	s.wg.Wait()
}

// HandleWebhook verifies, decodes and applies one notification delivery.
// Nothing is returned: the provider has been acknowledged already.
func (s *SubscriptionService) HandleWebhook(ctx context.Context, rawBody []byte) {
	correlationID := uuid.NewString()

	outcome, env, err := s.processNotification(ctx, rawBody)
	switch {
	case errors.Is(err, ErrAuthenticity):
		metrics.AuthenticityFailures.Inc()
		s.alerter.Alert(ctx, "App Store notification failed signature verification", map[string]string{
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
		logging.Errorf("[%s] Rejected notification: %v - payload: %s", correlationID, err, rawBody)
	case errors.Is(err, database.ErrConstraint):
		s.alertConstraint(ctx, correlationID, err)
		logging.Errorf("[%s] Store rejected %s notification %s: %v", correlationID, env.NotificationType, env.NotificationUUID, err)
	case errors.Is(err, ErrDecode):
		metrics.NotificationsTotal.WithLabelValues(models.KindUnrecognized.String(), "decode_error").Inc()
		logging.Errorf("[%s] Malformed notification: %v - payload: %s", correlationID, err, rawBody)
	case err != nil:
		logging.Errorf("[%s] Failed to process %s notification %s: %v", correlationID, env.NotificationType, env.NotificationUUID, err)
	default:
		logging.Infof("[%s] Processed %s notification %s - outcome: %s", correlationID, env.NotificationType, env.NotificationUUID, outcome.Kind)
	}
}

func (s *SubscriptionService) processNotification(ctx context.Context, rawBody []byte) (*Outcome, *models.NotificationEnvelope, error) {
	var wrapper models.AppStoreNotificationWrapper
	if err := json.Unmarshal(rawBody, &wrapper); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if wrapper.SignedPayload == "" {
		return nil, nil, fmt.Errorf("%w: missing signedPayload", ErrDecode)
	}

	env, err := s.DecodeNotification(ctx, wrapper.SignedPayload)
	if err != nil {
		return nil, nil, err
	}

	if s.replay != nil && !s.replay.Claim(ctx, env.NotificationUUID) {
		metrics.NotificationsTotal.WithLabelValues(env.Kind.String(), string(OutcomeDuplicate)).Inc()
		return &Outcome{Kind: OutcomeDuplicate}, env, nil
	}

	outcome, err := s.router.Route(ctx, env)
	if err != nil {
		if s.replay != nil {
			s.replay.Release(ctx, env.NotificationUUID)
		}
		return nil, env, err
	}
	return outcome, env, nil
}

// DecodeNotification verifies and decodes a signedPayload without applying it.
func (s *SubscriptionService) DecodeNotification(ctx context.Context, signedPayload string) (*models.NotificationEnvelope, error) {
	verified, err := s.verifier.Verify(ctx, signedPayload)
	if err != nil {
		if !errors.Is(err, ErrAuthenticity) {
			err = fmt.Errorf("%w: %w", ErrAuthenticity, err)
		}
		return nil, err
	}
	return s.decoder.Decode(verified)
}

// VerifyClientReceipt validates a receipt, finds transactionID in it and grants
// userID the entitlement if the purchase is fresh.
func (s *SubscriptionService) VerifyClientReceipt(ctx context.Context, receiptData, transactionID, userID string) (*VerifyResult, error) {
	result, err := s.verifyClientReceipt(ctx, receiptData, transactionID, userID)
	if err != nil {
		class := Classify(err)
		if class.Code == "constraint_violation" {
			s.alertConstraint(ctx, uuid.NewString(), err)
		}
		metrics.ReceiptVerificationsTotal.WithLabelValues(class.Code).Inc()
		logging.Warnf("Receipt verification failed - user_id: %s, transaction_id: %s, class: %s, error: %v", userID, transactionID, class.Code, err)
		return nil, err
	}
	metrics.ReceiptVerificationsTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (s *SubscriptionService) verifyClientReceipt(ctx context.Context, receiptData, transactionID, userID string) (*VerifyResult, error) {
	if receiptData == "" || transactionID == "" || userID == "" {
		return nil, fmt.Errorf("%w: receipt, transaction_id and user_id are required", ErrInvalidRequest)
	}

	// No store transaction is open while the provider is called
	req := ReceiptRequest{ReceiptData: receiptData, SharedSecret: s.sharedSecret, Environment: s.environment}
	events, err := s.receipts.Verify(ctx, req)
	if errors.Is(err, ErrReceiptEnvironmentMismatch) {
		req.Environment = req.Environment.Other()
		logging.Infof("Receipt belongs to the other environment, retrying with %s", req.Environment)
		events, err = s.receipts.Verify(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	txn, err := FindTransaction(events, transactionID)
	if err != nil {
		return nil, err
	}
	if err := s.receipts.CheckFreshness(txn, s.now()); err != nil {
		return nil, err
	}

	outcome, err := s.engine.ApplyPurchase(ctx, userID, txn, ClientContext{
		Platform:    models.PlatformIOS,
		Environment: req.Environment,
	})
	if err != nil {
		return nil, err
	}

	return &VerifyResult{Status: "success", Transaction: *txn, Outcome: outcome.Kind}, nil
}

// UpdateEntitlement applies an administrative correction given as untyped JSON
// fields. Unknown fields are rejected; the expiry may move backwards.
func (s *SubscriptionService) UpdateEntitlement(ctx context.Context, userID, originalTransactionID string, fields map[string]interface{}) (*database.UpsertResult, error) {
	update, err := database.ParseEntitlementUpdate(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	update.AllowExpiryRegression = true

	result, err := s.engine.ApplyUpdate(ctx, userID, originalTransactionID, update, "admin")
	if err != nil {
		if Classify(err).Code == "constraint_violation" {
			s.alertConstraint(ctx, uuid.NewString(), err)
		}
		return nil, err
	}
	logging.Infof("Admin update of %s/%s - outcome: %s", userID, originalTransactionID, result.Outcome)
	return result, nil
}

// alertConstraint reports a store constraint violation. It points at a
// modelling bug, not at bad input.
func (s *SubscriptionService) alertConstraint(ctx context.Context, correlationID string, err error) {
	s.alerter.Alert(ctx, "Entitlement store constraint violation", map[string]string{
		"correlation_id": correlationID,
		"error":          err.Error(),
	})
}
