package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-escrow/internal/auction"
)

// AuctionRecord is the persisted form of an auction. Bids are kept as an
// ordered JSON array so the ranking survives a reload unchanged.
type AuctionRecord struct {
	gorm.Model      `json:"-"`
	AuctionID       string         `gorm:"uniqueIndex" json:"auction_id"`
	RemoteID        string         `gorm:"index" json:"remote_id"`
	Creator         string         `json:"creator"`
	Status          string         `gorm:"index" json:"status"`
	AuctionCreated  time.Time      `json:"auction_created"`
	EndTime         time.Time      `json:"end_time"`
	AutoAcceptPrice *int64         `json:"auto_accept_price"`
	ClosedAt        *time.Time     `json:"closed_at"`
	ClosedReason    string         `json:"closed_reason"`
	WinnerBidID     string         `json:"winner_bid_id"`
	PendingClose    bool           `gorm:"index" json:"pending_close"`
	Metadata        datatypes.JSON `json:"metadata"`
	Bids            datatypes.JSON `json:"bids"`
	Sync            datatypes.JSON `json:"sync"`
}

// Database is the gorm-backed Store.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveAuction upserts the auction keyed on its local id.
func (d *Database) SaveAuction(ctx context.Context, a *auction.Auction) error {
	record, err := toRecord(a)
	if err != nil {
		return err
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "auction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remote_id", "status", "end_time", "auto_accept_price", "closed_at",
			"closed_reason", "winner_bid_id", "pending_close", "metadata", "bids",
			"sync", "updated_at",
		}),
	}).Create(record).Error
}

// LoadAll returns every persisted auction keyed by local id.
func (d *Database) LoadAll(ctx context.Context) (map[string]*auction.Auction, error) {
	var records []AuctionRecord
	if err := d.db.WithContext(ctx).Order("auction_created ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*auction.Auction, len(records))
	for i := range records {
		a, err := fromRecord(&records[i])
		if err != nil {
			return nil, fmt.Errorf("auction %s: %w", records[i].AuctionID, err)
		}
		out[a.ID] = a
	}
	return out, nil
}

// GetAuctionRecord reads a single row.
func (d *Database) GetAuctionRecord(ctx context.Context, auctionID string) (*AuctionRecord, error) {
	var record AuctionRecord
	if err := d.db.WithContext(ctx).Where("auction_id = ?", auctionID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func toRecord(a *auction.Auction) (*AuctionRecord, error) {
	bids, err := json.Marshal(a.Bids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bids: %w", err)
	}
	syncJSON, err := json.Marshal(a.Sync)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync record: %w", err)
	}
	// No metadata is stored as NULL; a JSON null means the same thing.
	var metadata datatypes.JSON
	if len(a.Metadata) > 0 && !isNull(a.Metadata) {
		metadata = datatypes.JSON(a.Metadata)
	}
	remoteID, _ := a.Remote.RemoteID()

	return &AuctionRecord{
		AuctionID:       a.ID,
		RemoteID:        remoteID,
		Creator:         a.Creator,
		Status:          string(a.Status),
		AuctionCreated:  a.CreatedAt,
		EndTime:         a.EndTime,
		AutoAcceptPrice: a.AutoAcceptPrice,
		ClosedAt:        a.ClosedAt,
		ClosedReason:    string(a.ClosedReason),
		WinnerBidID:     a.WinnerBidID,
		PendingClose:    a.PendingClose,
		Metadata:        metadata,
		Bids:            datatypes.JSON(bids),
		Sync:            datatypes.JSON(syncJSON),
	}, nil
}

func fromRecord(r *AuctionRecord) (*auction.Auction, error) {
	a := &auction.Auction{
		ID:              r.AuctionID,
		Remote:          auction.Unmaterialized(),
		Creator:         r.Creator,
		CreatedAt:       r.AuctionCreated.UTC(),
		EndTime:         r.EndTime.UTC(),
		AutoAcceptPrice: r.AutoAcceptPrice,
		Status:          auction.Status(r.Status),
		ClosedReason:    auction.ClosedReason(r.ClosedReason),
		WinnerBidID:     r.WinnerBidID,
		PendingClose:    r.PendingClose,
		Bids:            []auction.Bid{},
	}
	if r.RemoteID != "" {
		a.Remote = auction.Materialized(r.RemoteID)
	}
	if r.ClosedAt != nil {
		t := r.ClosedAt.UTC()
		a.ClosedAt = &t
	}
	if len(r.Metadata) > 0 && !isNull(r.Metadata) {
		a.Metadata = json.RawMessage(r.Metadata)
	}
	if len(r.Bids) > 0 {
		if err := json.Unmarshal(r.Bids, &a.Bids); err != nil {
			return nil, fmt.Errorf("failed to decode bids: %w", err)
		}
	}
	if len(r.Sync) > 0 {
		if err := json.Unmarshal(r.Sync, &a.Sync); err != nil {
			return nil, fmt.Errorf("failed to decode sync record: %w", err)
		}
	}
	return a, nil
}

func isNull(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
