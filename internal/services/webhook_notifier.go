package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"entitlement-api/internal/metrics"
	"entitlement-api/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Entitlement-Signature"

// WebhookNotifier posts entitlement changes to the app backend
type WebhookNotifier struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
	retryDelays []time.Duration
	now         func() time.Time
	wg          sync.WaitGroup
}

// NewWebhookNotifier creates a new webhook notifier. An empty callbackURL disables it.
func NewWebhookNotifier(callbackURL, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // 10 second timeout
		},
		callbackURL: callbackURL,
		secret:      secret,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		now:         time.Now,
	}
}

// WebhookPayload represents the payload sent to the app backend
type WebhookPayload struct {
	Event                 string `json:"event"` // "entitlement.updated"
	Source                string `json:"source"`
	UserID                string `json:"user_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	LatestTransactionID   string `json:"latest_transaction_id"`
	Status                string `json:"status"`
	PreviousStatus        string `json:"previous_status,omitempty"`
	ProductID             string `json:"product_id"`
	ExpiresDate           string `json:"expires_date"` // ISO 8601 format
	AutoRenewStatus       bool   `json:"auto_renew_status"`
	IsActive              bool   `json:"is_active"`
	Environment           string `json:"environment"`
	Platform              string `json:"platform"`
	Timestamp             string `json:"timestamp"` // ISO 8601 format
}

// EntitlementChanged sends the change in the background.
func (wn *WebhookNotifier) EntitlementChanged(ctx context.Context, change EntitlementChange) {
	if wn.callbackURL == "" || change.Current == nil {
		return
	}

	payload := wn.buildPayload(change)
	ctx = context.WithoutCancel(ctx)

	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.sendWithRetry(ctx, payload)
	}()
}

// Wait blocks until in-flight callbacks finish.
func (wn *WebhookNotifier) Wait() {
	wn.wg.Wait()
}

func (wn *WebhookNotifier) buildPayload(change EntitlementChange) WebhookPayload {
	current := change.Current
	payload := WebhookPayload{
		Event:                 "entitlement.updated",
		Source:                change.Source,
		UserID:                current.UserID,
		OriginalTransactionID: current.OriginalTransactionID,
		LatestTransactionID:   current.LatestTransactionID,
		Status:                string(current.Status),
		ProductID:             current.ProductID,
		ExpiresDate:           current.ExpiresDate.UTC().Format(time.RFC3339),
		AutoRenewStatus:       current.AutoRenewStatus,
		IsActive:              current.IsActiveAt(wn.now()),
		Environment:           string(current.Environment),
		Platform:              current.Platform,
		Timestamp:             wn.now().UTC().Format(time.RFC3339),
	}
	if change.Previous != nil && change.Previous.Status != current.Status {
		payload.PreviousStatus = string(change.Previous.Status)
	}
	return payload
}

// sendWithRetry sends webhook with retry mechanism
// Retry schedule: 1s, 5s, 30s (3 attempts total)
func (wn *WebhookNotifier) sendWithRetry(ctx context.Context, payload WebhookPayload) {
	maxRetries := len(wn.retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.sendWebhook(ctx, payload)
		if err == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, original_transaction_id: %s, attempt: %d",
				wn.callbackURL, payload.OriginalTransactionID, attempt+1)
			return
		}

		logging.Errorf("Webhook notification failed - url: %s, original_transaction_id: %s, attempt: %d, error: %v",
			wn.callbackURL, payload.OriginalTransactionID, attempt+1, err)

		// If not the last attempt, wait before retry
		if attempt < maxRetries-1 {
			time.Sleep(wn.retryDelays[attempt])
		}
	}

	metrics.CallbackFailures.Inc()
	logging.Errorf("Webhook notification failed after %d attempts - url: %s, original_transaction_id: %s",
		maxRetries, wn.callbackURL, payload.OriginalTransactionID)
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(ctx context.Context, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "entitlement-api-webhook/1.0")
	if wn.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(jsonData, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
