package bidding

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetIdempotencyRecord returns the live record for key and owner, or nil if
// there is none or it has expired.
func (d *Database) GetIdempotencyRecord(ctx context.Context, key, owner string, now time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND owner = ?", key, owner).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !record.ExpiresAt.After(now) {
		return nil, nil
	}
	return &record, nil
}

// SaveIdempotencyRecord stores the record, replacing an expired one with the same key.
func (d *Database) SaveIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}, {Name: "owner"}},
		DoUpdates: clause.AssignmentColumns([]string{"auction_id", "resource_id", "resource_type", "expires_at", "updated_at"}),
	}).Create(record).Error
}

// DeleteExpiredIdempotencyRecords removes records that can no longer be replayed.
func (d *Database) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Unscoped().Where("expires_at <= ?", now).Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
