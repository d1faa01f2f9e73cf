package database

import (
	"fmt"
	"sort"
	"time"

	"entitlement-api/internal/models"
)

// UpdatableColumns is the whitelist of columns an untyped update may name.
// The identity columns (user_id, original_transaction_id) are not updatable.
var UpdatableColumns = []string{
	"status",
	"product_id",
	"latest_transaction_id",
	"purchase_date",
	"expires_date",
	"auto_renew_status",
	"environment",
	"platform",
}

// ParseEntitlementUpdate converts a decoded JSON object into an EntitlementUpdate.
// Any key outside UpdatableColumns, and any value of the wrong type, is
// rejected with ErrConstraint rather than dropped.
func ParseEntitlementUpdate(fields map[string]interface{}) (models.EntitlementUpdate, error) {
	var update models.EntitlementUpdate

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := fields[key]
		switch key {
		case "status":
			s, err := stringField(key, value)
			if err != nil {
				return update, err
			}
			status := models.SubscriptionStatus(s)
			if !status.Valid() {
				return update, fmt.Errorf("%w: invalid status %q", ErrConstraint, s)
			}
			update.Status = &status
		case "product_id":
			s, err := stringField(key, value)
			if err != nil {
				return update, err
			}
			update.ProductID = &s
		case "latest_transaction_id":
			s, err := stringField(key, value)
			if err != nil {
				return update, err
			}
			update.LatestTransactionID = &s
		case "purchase_date":
			t, err := timeField(key, value)
			if err != nil {
				return update, err
			}
			update.PurchaseDate = &t
		case "expires_date":
			t, err := timeField(key, value)
			if err != nil {
				return update, err
			}
			update.ExpiresDate = &t
		case "auto_renew_status":
			b, ok := value.(bool)
			if !ok {
				return update, fmt.Errorf("%w: %s must be a boolean", ErrConstraint, key)
			}
			update.AutoRenewStatus = &b
		case "environment":
			s, err := stringField(key, value)
			if err != nil {
				return update, err
			}
			env := models.ParseEnvironment(s)
			if env == models.EnvironmentUnknown && s != string(models.EnvironmentUnknown) {
				return update, fmt.Errorf("%w: invalid environment %q", ErrConstraint, s)
			}
			update.Environment = &env
		case "platform":
			s, err := stringField(key, value)
			if err != nil {
				return update, err
			}
			update.Platform = &s
		default:
			return update, fmt.Errorf("%w: field %q is not updatable", ErrConstraint, key)
		}
	}

	return update, nil
}

func stringField(key string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrConstraint, key)
	}
	return s, nil
}

func timeField(key string, value interface{}) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", ErrConstraint, key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", ErrConstraint, key)
	}
	return t, nil
}
