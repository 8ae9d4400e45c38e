package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rai1001/chefos/models"
)

// GormStore backs the Guard with the agent_nonces table. The unique index on
// (connection_id, nonce) makes Commit an atomic conditional insert: under
// concurrent identical requests at most one caller wins the row.
type GormStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewGormStore builds a GormStore with the given TTL, clamped as elsewhere.
func NewGormStore(db *gorm.DB, ttl time.Duration) *GormStore {
	return &GormStore{db: db, ttl: clampTTL(ttl)}
}

// Seen reports whether an unexpired claim exists for the pair.
func (s *GormStore) Seen(ctx context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AgentNonce{}).
		Where("connection_id = ? AND nonce = ? AND expires_at > ?", connectionID, nonce, now).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup nonce: %w", err)
	}
	return count > 0, nil
}

// Commit claims the pair. An expired row for the same pair is removed first,
// then the insert relies on the uniqueness constraint: zero rows affected
// means another request holds an unexpired claim.
func (s *GormStore) Commit(ctx context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ? AND nonce = ? AND expires_at <= ?", connectionID, nonce, now).
			Delete(&models.AgentNonce{}).Error; err != nil {
			return fmt.Errorf("evict expired nonce: %w", err)
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "nonce"}},
			DoNothing: true,
		}).Create(&models.AgentNonce{
			ConnectionID: connectionID,
			Nonce:        nonce,
			ExpiresAt:    now.Add(s.ttl),
		})
		if res.Error != nil {
			return fmt.Errorf("claim nonce: %w", res.Error)
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Prune deletes claims that expired at or before cutoff. Intended for a
// periodic sweep; correctness never depends on it running.
func (s *GormStore) Prune(ctx context.Context, cutoff time.Time) error {
	if err := s.db.WithContext(ctx).Where("expires_at <= ?", cutoff).
		Delete(&models.AgentNonce{}).Error; err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}
