package database

import (
	"testing"
	"time"

	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntitlementUpdate_AcceptsEveryWhitelistedColumn(t *testing.T) {
	valid := map[string]interface{}{
		"status":                "grace_period",
		"product_id":            "pro.yearly",
		"latest_transaction_id": "2000",
		"purchase_date":         "2026-03-01T12:00:00Z",
		"expires_date":          "2026-04-01T12:00:00Z",
		"auto_renew_status":     false,
		"environment":           "Production",
		"platform":              "ios",
	}
	require.Len(t, valid, len(UpdatableColumns))

	update, err := ParseEntitlementUpdate(valid)
	require.NoError(t, err)

	assert.Equal(t, models.StatusGracePeriod, *update.Status)
	assert.Equal(t, "pro.yearly", *update.ProductID)
	assert.Equal(t, "2000", *update.LatestTransactionID)
	assert.True(t, update.PurchaseDate.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, update.ExpiresDate.Equal(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)))
	assert.False(t, *update.AutoRenewStatus)
	assert.Equal(t, models.EnvironmentProduction, *update.Environment)
	assert.Equal(t, "ios", *update.Platform)

	// Every whitelisted column maps onto exactly one typed field
	assert.Len(t, update.Columns(), len(UpdatableColumns))
	for _, column := range UpdatableColumns {
		assert.Contains(t, update.Columns(), column)
	}
}

func TestParseEntitlementUpdate_RejectsUnknownFields(t *testing.T) {
	for _, key := range []string{
		"user_id",
		"original_transaction_id",
		"id",
		"created_at",
		"updated_at",
		"is_active",
		"plan",
		"Status",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := ParseEntitlementUpdate(map[string]interface{}{
				"status": "active",
				key:      "x",
			})
			assert.ErrorIs(t, err, ErrConstraint)
		})
	}
}

func TestParseEntitlementUpdate_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{name: "unknown status", fields: map[string]interface{}{"status": "paused"}},
		{name: "status not a string", fields: map[string]interface{}{"status": 1}},
		{name: "empty product", fields: map[string]interface{}{"product_id": ""}},
		{name: "bad date", fields: map[string]interface{}{"expires_date": "tomorrow"}},
		{name: "date as number", fields: map[string]interface{}{"purchase_date": 1700000000000.0}},
		{name: "auto renew as string", fields: map[string]interface{}{"auto_renew_status": "1"}},
		{name: "unknown environment", fields: map[string]interface{}{"environment": "staging"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntitlementUpdate(tt.fields)
			assert.ErrorIs(t, err, ErrConstraint)
		})
	}
}
