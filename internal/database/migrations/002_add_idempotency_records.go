package migrations

import (
	"github.com/ksred/klear-escrow/internal/bidding"
	"gorm.io/gorm"
)

// AddIdempotencyRecords creates the bid idempotency table
func AddIdempotencyRecords(db *gorm.DB) error {
	if err := db.AutoMigrate(&bidding.IdempotencyRecord{}); err != nil {
		return err
	}

	// Expired keys are purged by expiry
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`).Error
}
