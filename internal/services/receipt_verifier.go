package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// ReceiptRequest is the per-call input of a receipt verification.
type ReceiptRequest struct {
	ReceiptData  string
	SharedSecret string
	Environment  models.Environment // production unless sandbox
}

// ReceiptVerifier asks the App Store verifyReceipt endpoint to validate a receipt.
type ReceiptVerifier struct {
	httpClient    *http.Client
	productionURL string
	sandboxURL    string
	timeout       time.Duration
	freshness     time.Duration
}

// NewReceiptVerifier creates a receipt verifier against the given endpoints
func NewReceiptVerifier(productionURL, sandboxURL string, timeout, freshness time.Duration) *ReceiptVerifier {
	return &ReceiptVerifier{
		httpClient:    &http.Client{},
		productionURL: productionURL,
		sandboxURL:    sandboxURL,
		timeout:       timeout,
		freshness:     freshness,
	}
}

// NewReceiptVerifierFromConfig creates a receipt verifier from the app configuration
func NewReceiptVerifierFromConfig(cfg *config.Config) *ReceiptVerifier {
	return NewReceiptVerifier(cfg.VerifyReceiptProdURL, cfg.VerifyReceiptSandboxURL, cfg.ReceiptVerifyTimeout, cfg.ReceiptFreshnessWindow)
}

// Verify validates req.ReceiptData and returns its transactions, oldest purchase first.
func (v *ReceiptVerifier) Verify(ctx context.Context, req ReceiptRequest) ([]models.TransactionEvent, error) {
	if req.ReceiptData == "" {
		return nil, fmt.Errorf("%w: empty receipt", ErrInvalidRequest)
	}
	env := req.Environment
	if env != models.EnvironmentSandbox {
		env = models.EnvironmentProduction
	}
	url := v.productionURL
	if env == models.EnvironmentSandbox {
		url = v.sandboxURL
	}

	resp, err := v.post(ctx, url, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != 0 {
		return nil, &ReceiptError{Status: resp.Status, Environment: env, kind: receiptStatusError(resp.Status)}
	}

	respEnv := models.ParseEnvironment(resp.Environment)
	if respEnv == models.EnvironmentUnknown {
		respEnv = env
	}
	return receiptTransactions(resp, respEnv)
}

// post makes one bounded call to the verification endpoint
func (v *ReceiptVerifier) post(ctx context.Context, url string, req ReceiptRequest) (*models.AppleReceiptResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	jsonData, err := json.Marshal(models.AppleReceiptRequest{
		ReceiptData:            req.ReceiptData,
		Password:               req.SharedSecret,
		ExcludeOldTransactions: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := v.httpClient.Do(httpReq)
	metrics.ReceiptVerificationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Warnf("Receipt verification timed out after %s", v.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrReceiptVerificationTimeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrReceiptVerificationTimeout, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: upstream status %d", ErrReceiptVerificationTimeout, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrReceiptInvalid, resp.StatusCode)
	}

	var appleResp models.AppleReceiptResponse
	if err := json.Unmarshal(body, &appleResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrReceiptInvalid, err)
	}
	return &appleResp, nil
}

// receiptStatusError maps a non-zero verifyReceipt status onto its error kind
func receiptStatusError(status int) error {
	switch {
	case status == 21007, status == 21008:
		return ErrReceiptEnvironmentMismatch
	case status == 21003, status == 21004:
		return ErrReceiptUnauthenticated
	case status == 21005, status >= 21100 && status <= 21199:
		return ErrReceiptVerificationTimeout
	}
	return ErrReceiptInvalid
}

func receiptTransactions(resp *models.AppleReceiptResponse, env models.Environment) ([]models.TransactionEvent, error) {
	records := resp.LatestReceiptInfo
	if len(records) == 0 {
		records = resp.Receipt.InApp
	}

	autoRenew := make(map[string]bool, len(resp.PendingRenewalInfo))
	for _, info := range resp.PendingRenewalInfo {
		autoRenew[info.OriginalTransactionID] = info.AutoRenewStatus == "1"
	}

	events := make([]models.TransactionEvent, 0, len(records))
	for _, record := range records {
		purchaseDate, err := parseAppleTimestamp(record.PurchaseDateMS)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %s purchase date: %v", ErrReceiptInvalid, record.TransactionID, err)
		}
		var expiresDate time.Time
		if record.ExpiresDateMS != "" {
			if expiresDate, err = parseAppleTimestamp(record.ExpiresDateMS); err != nil {
				return nil, fmt.Errorf("%w: transaction %s expires date: %v", ErrReceiptInvalid, record.TransactionID, err)
			}
		}

		event := models.TransactionEvent{
			OriginalTransactionID: record.OriginalTransactionID,
			TransactionID:         record.TransactionID,
			ProductID:             record.ProductID,
			PurchaseDate:          purchaseDate,
			ExpiresDate:           expiresDate,
			OwnershipType:         record.InAppOwnershipType,
			Environment:           env,
		}
		if renew, ok := autoRenew[record.OriginalTransactionID]; ok {
			event.AutoRenewStatus = &renew
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].PurchaseDate.Before(events[j].PurchaseDate)
	})
	return events, nil
}

// FindTransaction returns the event with transactionID.
func FindTransaction(events []models.TransactionEvent, transactionID string) (*models.TransactionEvent, error) {
	for i := range events {
		if events[i].TransactionID == transactionID {
			return &events[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
}

// CheckFreshness rejects transactions purchased longer ago than the freshness window.
func (v *ReceiptVerifier) CheckFreshness(txn *models.TransactionEvent, now time.Time) error {
	if age := now.Sub(txn.PurchaseDate); age > v.freshness {
		return fmt.Errorf("%w: purchased %s ago", ErrReceiptStale, age.Round(time.Second))
	}
	return nil
}

// parseAppleTimestamp parses Apple timestamp (milliseconds since epoch)
func parseAppleTimestamp(timestampStr string) (time.Time, error) {
	if timestampStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	ms, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
