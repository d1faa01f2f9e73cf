package models

import (
	"strings"
	"time"
)

// SubscriptionStatus is the entitlement state of one subscription lineage.
type SubscriptionStatus string

const (
	StatusActive      SubscriptionStatus = "active"
	StatusExpired     SubscriptionStatus = "expired"
	StatusCancelled   SubscriptionStatus = "cancelled"
	StatusGracePeriod SubscriptionStatus = "grace_period"
)

// Valid reports whether s is one of the persisted statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusCancelled, StatusGracePeriod:
		return true
	}
	return false
}

// Environment is the App Store environment a purchase was made in.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentUnknown    Environment = "unknown"
)

// ParseEnvironment normalises provider spellings ("Production", "Sandbox") and
// maps everything else to EnvironmentUnknown.
func ParseEnvironment(raw string) Environment {
	switch Environment(strings.ToLower(strings.TrimSpace(raw))) {
	case EnvironmentProduction:
		return EnvironmentProduction
	case EnvironmentSandbox:
		return EnvironmentSandbox
	}
	return EnvironmentUnknown
}

// Other returns the environment to retry in after an environment mismatch.
func (e Environment) Other() Environment {
	if e == EnvironmentSandbox {
		return EnvironmentProduction
	}
	return EnvironmentSandbox
}

// PlatformIOS is the only platform the receipt path currently produces.
const PlatformIOS = "ios"

// Subscription 订阅权益模型
// One current row per (user_id, original_transaction_id) lineage.
type Subscription struct {
	BaseModel

	// 关联字段
	UserID string `json:"user_id" gorm:"size:64;not null;uniqueIndex:idx_subscription_identity,priority:1;index"`
	User   *User  `json:"-" gorm:"foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`

	// 订阅状态字段
	Status SubscriptionStatus `json:"status" gorm:"not null;size:20;index"`

	// App Store 相关字段
	ProductID             string      `json:"product_id" gorm:"size:100"`
	OriginalTransactionID string      `json:"original_transaction_id" gorm:"size:100;not null;uniqueIndex:idx_subscription_identity,priority:2;index"`
	LatestTransactionID   string      `json:"latest_transaction_id" gorm:"size:100"`
	PurchaseDate          time.Time   `json:"purchase_date"`
	ExpiresDate           time.Time   `json:"expires_date" gorm:"index"`
	AutoRenewStatus       bool        `json:"auto_renew_status"`
	Environment           Environment `json:"environment" gorm:"size:20;default:'unknown'"`
	Platform              string      `json:"platform" gorm:"size:20;default:'ios'"`
}

// TableName 指定表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// IsActiveAt reports whether the entitlement grants access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == StatusActive && s.ExpiresDate.After(t)
}
