package models

import (
	"time"
)

// NotificationKind is the closed set of App Store Server Notification types the
// reconciliation engine understands. Anything else decodes to KindUnrecognized.
type NotificationKind int

const (
	KindUnrecognized NotificationKind = iota
	KindSubscribed
	KindDidRenew
	KindRenewalExtended
	KindDidFailToRenew
	KindExpired
	KindGracePeriodExpired
	KindRefund
	KindRevoke
	KindDidChangeRenewalStatus
	KindDidChangeRenewalPref
	KindPriceIncrease
	KindTest
)

var notificationKindNames = map[NotificationKind]string{
	KindSubscribed:             "SUBSCRIBED",
	KindDidRenew:               "DID_RENEW",
	KindRenewalExtended:        "RENEWAL_EXTENDED",
	KindDidFailToRenew:         "DID_FAIL_TO_RENEW",
	KindExpired:                "EXPIRED",
	KindGracePeriodExpired:     "GRACE_PERIOD_EXPIRED",
	KindRefund:                 "REFUND",
	KindRevoke:                 "REVOKE",
	KindDidChangeRenewalStatus: "DID_CHANGE_RENEWAL_STATUS",
	KindDidChangeRenewalPref:   "DID_CHANGE_RENEWAL_PREF",
	KindPriceIncrease:          "PRICE_INCREASE",
	KindTest:                   "TEST",
}

var notificationKindsByName = func() map[string]NotificationKind {
	m := make(map[string]NotificationKind, len(notificationKindNames))
	for k, name := range notificationKindNames {
		m[name] = k
	}
	return m
}()

// AllNotificationKinds lists every recognised kind, in declaration order.
func AllNotificationKinds() []NotificationKind {
	kinds := make([]NotificationKind, 0, len(notificationKindNames))
	for k := KindSubscribed; k <= KindTest; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParseNotificationKind maps a provider notification type string to its kind.
func ParseNotificationKind(raw string) NotificationKind {
	if k, ok := notificationKindsByName[raw]; ok {
		return k
	}
	return KindUnrecognized
}

func (k NotificationKind) String() string {
	if name, ok := notificationKindNames[k]; ok {
		return name
	}
	return "UNRECOGNIZED"
}

// RequiresTransaction reports whether a notification of this kind must carry
// signed transaction info to be processed.
func (k NotificationKind) RequiresTransaction() bool {
	switch k {
	case KindUnrecognized, KindTest, KindPriceIncrease:
		return false
	}
	return true
}

// TransactionEvent is the canonical, provider-agnostic purchase or renewal fact.
type TransactionEvent struct {
	OriginalTransactionID string      `json:"original_transaction_id"`
	TransactionID         string      `json:"transaction_id"`
	ProductID             string      `json:"product_id"`
	PurchaseDate          time.Time   `json:"purchase_date"`
	ExpiresDate           time.Time   `json:"expires_date"`
	Type                  string      `json:"type,omitempty"`
	OwnershipType         string      `json:"ownership_type,omitempty"`
	Environment           Environment `json:"environment,omitempty"`

	// AutoRenewStatus is only known on the receipt path, joined from pending renewal info.
	AutoRenewStatus *bool `json:"auto_renew_status,omitempty"`
}

// RenewalEvent is the optional companion fact describing the next renewal.
type RenewalEvent struct {
	AutoRenewProductID     string     `json:"auto_renew_product_id,omitempty"`
	AutoRenewStatus        bool       `json:"auto_renew_status"`
	ExpirationIntent       int        `json:"expiration_intent,omitempty"`
	GracePeriodExpiresDate *time.Time `json:"grace_period_expires_date,omitempty"`
	InBillingRetryPeriod   bool       `json:"in_billing_retry_period"`
	OfferIdentifier        string     `json:"offer_identifier,omitempty"`
	PriceIncreaseStatus    *int       `json:"price_increase_status,omitempty"`
}

// NotificationEnvelope is a decoded notification. It is only ever produced from
// a payload whose signature has been verified.
type NotificationEnvelope struct {
	NotificationType string           `json:"notification_type"`
	Kind             NotificationKind `json:"-"`
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notification_uuid,omitempty"`
	Version          string           `json:"version,omitempty"`
	SignedDate       time.Time        `json:"signed_date"`
	Environment      Environment      `json:"environment"`
	BundleID         string           `json:"bundle_id,omitempty"`

	Transaction *TransactionEvent `json:"transaction,omitempty"`
	Renewal     *RenewalEvent     `json:"renewal,omitempty"`

	// Raw sub-payloads, kept for forensics.
	RawTransactionInfo string `json:"-"`
	RawRenewalInfo     string `json:"-"`
}
