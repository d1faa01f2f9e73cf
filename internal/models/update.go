package models

import (
	"time"
)

// EntitlementUpdate is the closed set of subscription columns a transition may
// write. Nil fields are left untouched; there is no way to name any other column.
type EntitlementUpdate struct {
	Status              *SubscriptionStatus
	ProductID           *string
	LatestTransactionID *string
	PurchaseDate        *time.Time
	ExpiresDate         *time.Time
	AutoRenewStatus     *bool
	Environment         *Environment
	Platform            *string

	// AllowExpiryRegression lets a refund or revocation move expires_date backwards.
	AllowExpiryRegression bool

	// UpdateOnly never seeds a row; a missing row is ErrEntitlementNotFound.
	UpdateOnly bool
}

// Ptr returns a pointer to v, for filling EntitlementUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the update sets no column at all.
func (u EntitlementUpdate) IsEmpty() bool {
	return len(u.Columns()) == 0
}

// CanCreate reports whether the update carries enough to seed a new row.
func (u EntitlementUpdate) CanCreate() bool {
	return u.Status != nil && !u.UpdateOnly
}

// IsStaleFor reports whether applying u to current would move expires_date
// backwards without being allowed to.
func (u EntitlementUpdate) IsStaleFor(current *Subscription) bool {
	if u.ExpiresDate == nil || u.AllowExpiryRegression || current == nil {
		return false
	}
	return u.ExpiresDate.Before(current.ExpiresDate)
}

// Columns returns the set fields keyed by column name.
func (u EntitlementUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.ProductID != nil {
		cols["product_id"] = *u.ProductID
	}
	if u.LatestTransactionID != nil {
		cols["latest_transaction_id"] = *u.LatestTransactionID
	}
	if u.PurchaseDate != nil {
		cols["purchase_date"] = u.PurchaseDate.UTC()
	}
	if u.ExpiresDate != nil {
		cols["expires_date"] = u.ExpiresDate.UTC()
	}
	if u.AutoRenewStatus != nil {
		cols["auto_renew_status"] = *u.AutoRenewStatus
	}
	if u.Environment != nil {
		cols["environment"] = *u.Environment
	}
	if u.Platform != nil {
		cols["platform"] = *u.Platform
	}
	return cols
}

// ChangesFrom returns only the columns whose value differs from current.
func (u EntitlementUpdate) ChangesFrom(current *Subscription) map[string]interface{} {
	changes := make(map[string]interface{})
	if u.Status != nil && *u.Status != current.Status {
		changes["status"] = *u.Status
	}
	if u.ProductID != nil && *u.ProductID != current.ProductID {
		changes["product_id"] = *u.ProductID
	}
	if u.LatestTransactionID != nil && *u.LatestTransactionID != current.LatestTransactionID {
		changes["latest_transaction_id"] = *u.LatestTransactionID
	}
	if u.PurchaseDate != nil && !u.PurchaseDate.Equal(current.PurchaseDate) {
		changes["purchase_date"] = u.PurchaseDate.UTC()
	}
	if u.ExpiresDate != nil && !u.ExpiresDate.Equal(current.ExpiresDate) {
		changes["expires_date"] = u.ExpiresDate.UTC()
	}
	if u.AutoRenewStatus != nil && *u.AutoRenewStatus != current.AutoRenewStatus {
		changes["auto_renew_status"] = *u.AutoRenewStatus
	}
	if u.Environment != nil && *u.Environment != current.Environment {
		changes["environment"] = *u.Environment
	}
	if u.Platform != nil && *u.Platform != current.Platform {
		changes["platform"] = *u.Platform
	}
	return changes
}

// NewSubscription builds the row an update seeds when no row exists yet.
func (u EntitlementUpdate) NewSubscription(userID, originalTransactionID string) *Subscription {
	sub := &Subscription{
		UserID:                userID,
		OriginalTransactionID: originalTransactionID,
		Environment:           EnvironmentUnknown,
		Platform:              PlatformIOS,
	}
	if u.Status != nil {
		sub.Status = *u.Status
	}
	if u.ProductID != nil {
		sub.ProductID = *u.ProductID
	}
	if u.LatestTransactionID != nil {
		sub.LatestTransactionID = *u.LatestTransactionID
	}
	if u.PurchaseDate != nil {
		sub.PurchaseDate = u.PurchaseDate.UTC()
	}
	if u.ExpiresDate != nil {
		sub.ExpiresDate = u.ExpiresDate.UTC()
	}
	if u.AutoRenewStatus != nil {
		sub.AutoRenewStatus = *u.AutoRenewStatus
	}
	if u.Environment != nil {
		sub.Environment = *u.Environment
	}
	if u.Platform != nil {
		sub.Platform = *u.Platform
	}
	return sub
}
