package migrations

import (
	"github.com/ksred/klear-escrow/internal/registry"
	"gorm.io/gorm"
)

// AddAuctionRecords creates the auction table and the indexes the
// reconciler's scans rely on
func AddAuctionRecords(db *gorm.DB) error {
	if err := db.AutoMigrate(&registry.AuctionRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Time closes scan active auctions by end time
		`CREATE INDEX IF NOT EXISTS idx_auction_records_status_end_time
		 ON auction_records(status, end_time)`,

		// Remote closes scan for owed ledger closes
		`CREATE INDEX IF NOT EXISTS idx_auction_records_pending_close_status
		 ON auction_records(pending_close, status)`,

		// Listing by creator
		`CREATE INDEX IF NOT EXISTS idx_auction_records_creator
		 ON auction_records(creator)`,

		// Newest first listings
		`CREATE INDEX IF NOT EXISTS idx_auction_records_auction_created
		 ON auction_records(auction_created)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
