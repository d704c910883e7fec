package repository

import (
	"context"
	"time"

	"github.com/metaaggregator/escrowgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type idempotencyKey struct {
	Key          string    `gorm:"primaryKey;type:text"`
	StatusCode   int       `gorm:"not null;default:0"`
	ResponseBody []byte    `gorm:"type:bytea"`
	Processing   bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (idempotencyKey) TableName() string {
	return "idempotency_keys"
}

// PostgresIdempotencyStore is used when Redis is not configured.
type PostgresIdempotencyStore struct {
	db *gorm.DB
}

func NewPostgresIdempotencyStore(db *gorm.DB) (*PostgresIdempotencyStore, error) {
	if err := db.AutoMigrate(&idempotencyKey{}); err != nil {
		return nil, err
	}
	return &PostgresIdempotencyStore{db: db}, nil
}

func (s *PostgresIdempotencyStore) GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&idempotencyKey{Key: key, Processing: true, CreatedAt: time.Now().UTC()})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return nil, false, nil
	}

	var row idempotencyKey
	if err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error; err != nil {
		return nil, false, err
	}
	return &model.IdempotencyRecord{
		Status:     row.StatusCode,
		Body:       row.ResponseBody,
		CreatedAt:  row.CreatedAt,
		Processing: row.Processing,
	}, true, nil
}

func (s *PostgresIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) error {
	return s.db.WithContext(ctx).Model(&idempotencyKey{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"status_code":   status,
			"response_body": body,
			"processing":    false,
		}).Error
}

func (s *PostgresIdempotencyStore) Unlock(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&idempotencyKey{}).Error
}

func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&idempotencyKey{}).Error
}
