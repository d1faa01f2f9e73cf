//go:build integration

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a PostgreSQL container and migrates it
func setupPostgresStore(t *testing.T) *EntitlementStore {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("entitlements_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(&config.Config{DatabaseURL: connStr})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	return NewEntitlementStore(db).WithClock(func() time.Time { return baseTime })
}

func TestPostgres_ConcurrentUpsertsSerialise(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	expires := baseTime.Add(30 * 24 * time.Hour)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.UpsertEntitlement(ctx, "user-1", "otid-1", purchaseUpdate(expires))
			if !assert.NoError(t, err) {
				return
			}
			if result.Outcome == UpsertCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)

	list, err := store.ListEntitlements(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Disjoint-field updates racing on the locked row both land
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.UpsertEntitlement(ctx, "user-1", "otid-1", models.EntitlementUpdate{ProductID: models.Ptr("pro.yearly")})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := store.UpsertEntitlement(ctx, "user-1", "otid-1", models.EntitlementUpdate{AutoRenewStatus: models.Ptr(false)})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := store.GetEntitlement(ctx, "otid-1", LookupByOriginalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, "pro.yearly", got.ProductID)
	assert.False(t, got.AutoRenewStatus)
}
