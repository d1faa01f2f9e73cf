package services

import (
	"encoding/json"
	"fmt"
	"time"

	"entitlement-api/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// NotificationDecoder turns a verified notification payload into an envelope.
// The nested signed sub-payloads are covered by the outer signature and are
// only base64-decoded here.
type NotificationDecoder struct {
	parser *jwt.Parser
}

// NewNotificationDecoder creates a decoder
func NewNotificationDecoder() *NotificationDecoder {
	return &NotificationDecoder{parser: jwt.NewParser()}
}

// Decode parses p. Every failure matches ErrDecode.
func (d *NotificationDecoder) Decode(p *VerifiedPayload) (*models.NotificationEnvelope, error) {
	if p == nil || len(p.payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	var payload models.AppStoreNotificationPayload
	if err := json.Unmarshal(p.payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if payload.NotificationType == "" {
		return nil, fmt.Errorf("%w: missing notificationType", ErrDecode)
	}
	if payload.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrDecode)
	}

	env := &models.NotificationEnvelope{
		NotificationType:   payload.NotificationType,
		Kind:               models.ParseNotificationKind(payload.NotificationType),
		Subtype:            payload.Subtype,
		NotificationUUID:   payload.NotificationUUID,
		Version:            payload.Version,
		SignedDate:         fromMillis(payload.SignedDate),
		Environment:        models.ParseEnvironment(payload.Data.Environment),
		BundleID:           payload.Data.BundleID,
		RawTransactionInfo: payload.Data.SignedTransactionInfo,
		RawRenewalInfo:     payload.Data.SignedRenewalInfo,
	}

	if payload.Data.SignedTransactionInfo != "" {
		txn, err := d.decodeTransaction(payload.Data.SignedTransactionInfo)
		if err != nil {
			return nil, err
		}
		if txn.Environment == models.EnvironmentUnknown {
			txn.Environment = env.Environment
		}
		env.Transaction = txn
	}
	if env.Kind.RequiresTransaction() && env.Transaction == nil {
		return nil, fmt.Errorf("%w: %s notification without signedTransactionInfo", ErrDecode, payload.NotificationType)
	}

	if payload.Data.SignedRenewalInfo != "" {
		renewal, err := d.decodeRenewal(payload.Data.SignedRenewalInfo)
		if err != nil {
			return nil, err
		}
		env.Renewal = renewal
	}

	return env, nil
}

func (d *NotificationDecoder) decodeTransaction(signed string) (*models.TransactionEvent, error) {
	var info models.AppStoreTransactionInfo
	if err := d.decodeNested(signed, &info); err != nil {
		return nil, fmt.Errorf("%w: signedTransactionInfo: %v", ErrDecode, err)
	}
	if info.OriginalTransactionID == "" || info.TransactionID == "" {
		return nil, fmt.Errorf("%w: transaction info missing transaction identifiers", ErrDecode)
	}

	return &models.TransactionEvent{
		OriginalTransactionID: info.OriginalTransactionID,
		TransactionID:         info.TransactionID,
		ProductID:             info.ProductID,
		PurchaseDate:          fromMillis(info.PurchaseDate),
		ExpiresDate:           fromMillis(info.ExpiresDate),
		Type:                  info.Type,
		OwnershipType:         info.InAppOwnershipType,
		Environment:           models.ParseEnvironment(info.Environment),
	}, nil
}

func (d *NotificationDecoder) decodeRenewal(signed string) (*models.RenewalEvent, error) {
	var info models.AppStoreRenewalInfo
	if err := d.decodeNested(signed, &info); err != nil {
		return nil, fmt.Errorf("%w: signedRenewalInfo: %v", ErrDecode, err)
	}

	renewal := &models.RenewalEvent{
		AutoRenewProductID:   info.AutoRenewProductID,
		AutoRenewStatus:      info.AutoRenewStatus == 1,
		ExpirationIntent:     info.ExpirationIntent,
		InBillingRetryPeriod: info.IsInBillingRetryPeriod,
		OfferIdentifier:      info.OfferIdentifier,
		PriceIncreaseStatus:  info.PriceIncreaseStatus,
	}
	if info.GracePeriodExpiresDate > 0 {
		grace := fromMillis(info.GracePeriodExpiresDate)
		renewal.GracePeriodExpiresDate = &grace
	}
	return renewal, nil
}

func (d *NotificationDecoder) decodeNested(signed string, out interface{}) error {
	claims := &rawClaims{}
	if _, _, err := d.parser.ParseUnverified(signed, claims); err != nil {
		return err
	}
	return json.Unmarshal(claims.raw, out)
}

// fromMillis converts a provider millisecond timestamp; zero stays the zero time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
