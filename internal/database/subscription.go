package database

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertOutcome describes what an upsert did to the row.
type UpsertOutcome string

const (
	UpsertCreated   UpsertOutcome = "created"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
	UpsertStale     UpsertOutcome = "stale"
)

// UpsertResult is the row before and after an upsert. Previous is nil when the
// row was created.
type UpsertResult struct {
	Outcome  UpsertOutcome
	Previous *models.Subscription
	Current  *models.Subscription
}

// Changed reports whether the upsert wrote anything.
func (r *UpsertResult) Changed() bool {
	return r.Outcome == UpsertCreated || r.Outcome == UpsertUpdated
}

// LookupKey selects the column GetEntitlement matches on.
type LookupKey string

const (
	LookupByUserID                LookupKey = "user_id"
	LookupByOriginalTransactionID LookupKey = "original_transaction_id"
)

// Entitlement is a stored row plus its derived access flag.
type Entitlement struct {
	models.Subscription
	IsActive bool `json:"is_active"`
}

var identityColumns = []clause.Column{{Name: "user_id"}, {Name: "original_transaction_id"}}

// EntitlementStore persists one current row per subscription lineage.
type EntitlementStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEntitlementStore creates a store over db
func NewEntitlementStore(db *gorm.DB) *EntitlementStore {
	return &EntitlementStore{db: db, now: time.Now}
}

// WithClock replaces the clock used for the derived is_active flag.
func (s *EntitlementStore) WithClock(now func() time.Time) *EntitlementStore {
	s.now = now
	return s
}

// UpsertEntitlement inserts the row for (userID, originalTransactionID) if it is
// absent and otherwise applies the set fields of update, inside one transaction.
//
// Concurrent callers for the same identity serialise on the unique index and the
// row lock: at most one of them inserts, the others update the inserted row.
// Updates only write the columns they set, so disjoint-field updates never undo
// each other. An update that would move expires_date backwards is discarded
// unless it allows regression.
func (s *EntitlementStore) UpsertEntitlement(ctx context.Context, userID, originalTransactionID string, update models.EntitlementUpdate) (*UpsertResult, error) {
	if userID == "" || originalTransactionID == "" {
		return nil, fmt.Errorf("%w: user_id and original_transaction_id are required", ErrConstraint)
	}
	if update.Status != nil && !update.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrConstraint, *update.Status)
	}

	var result *UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if update.CanCreate() {
			user := models.User{UserID: userID}
			if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
				Create(&user).Error; err != nil {
				return err
			}

			seed := update.NewSubscription(userID, originalTransactionID)
			res := tx.Clauses(clause.OnConflict{Columns: identityColumns, DoNothing: true}).Create(seed)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				result = &UpsertResult{Outcome: UpsertCreated, Current: seed}
				return nil
			}
		}

		// 使用 SELECT FOR UPDATE 锁定行，防止并发问题
		var existing models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND original_transaction_id = ?", userID, originalTransactionID).
			First(&existing).Error; err != nil {
			return err
		}
		previous := existing

		if update.IsStaleFor(&existing) {
			result = &UpsertResult{Outcome: UpsertStale, Previous: &previous, Current: &existing}
			return nil
		}

		changes := update.ChangesFrom(&existing)
		if len(changes) == 0 {
			result = &UpsertResult{Outcome: UpsertUnchanged, Previous: &previous, Current: &existing}
			return nil
		}

		if err := tx.Model(&existing).Updates(changes).Error; err != nil {
			return err
		}

		var current models.Subscription
		if err := tx.First(&current, existing.ID).Error; err != nil {
			return err
		}
		result = &UpsertResult{Outcome: UpsertUpdated, Previous: &previous, Current: &current}
		return nil
	})
	if err != nil {
		err = classifyError(err)
		metrics.UpsertsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to upsert entitlement %s: %w", originalTransactionID, err)
	}

	metrics.UpsertsTotal.WithLabelValues(string(result.Outcome)).Inc()
	return result, nil
}

// EnsureUser creates the account row userID refers to if it is absent.
func (s *EntitlementStore) EnsureUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user_id", ErrConstraint)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&models.User{UserID: userID}).Error
	return classifyError(err)
}

// GetEntitlement returns the most recent row (highest expires_date) matching identifier.
func (s *EntitlementStore) GetEntitlement(ctx context.Context, identifier string, by LookupKey) (*Entitlement, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrConstraint)
	}

	var condition string
	switch by {
	case LookupByUserID:
		condition = "user_id = ?"
	case LookupByOriginalTransactionID:
		condition = "original_transaction_id = ?"
	default:
		return nil, fmt.Errorf("%w: invalid lookup key %q", ErrConstraint, by)
	}

	var subscription models.Subscription
	err := s.db.WithContext(ctx).
		Where(condition, identifier).
		Order("expires_date DESC").
		First(&subscription).Error
	if err != nil {
		return nil, classifyError(err)
	}

	return &Entitlement{
		Subscription: subscription,
		IsActive:     subscription.IsActiveAt(s.now()),
	}, nil
}

// UserIDsForOriginalTransaction lists the users holding a row for the lineage.
func (s *EntitlementStore) UserIDsForOriginalTransaction(ctx context.Context, originalTransactionID string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("original_transaction_id = ?", originalTransactionID).
		Order("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, classifyError(err)
	}
	return userIDs, nil
}

// ListEntitlements returns every lineage of a user, most recent first.
func (s *EntitlementStore) ListEntitlements(ctx context.Context, userID string) ([]Entitlement, error) {
	var subscriptions []models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("expires_date DESC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, classifyError(err)
	}

	now := s.now()
	entitlements := make([]Entitlement, 0, len(subscriptions))
	for _, sub := range subscriptions {
		entitlements = append(entitlements, Entitlement{Subscription: sub, IsActive: sub.IsActiveAt(now)})
	}
	return entitlements, nil
}
