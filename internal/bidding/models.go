package bidding

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auction"
)

// Amounts are USDC minor units; the display form has six decimals.
const displayDecimals = 6

const (
	DefaultDurationMinutes = 60
	idempotencyTTL         = 24 * time.Hour
)

var ErrInvalidAmount = errors.New("amount must be a non-negative value with at most 6 decimals")

type CreateAuctionRequest struct {
	Creator string `json:"-"`
	// Metadata is opaque to the engine: title, description, images.
	Metadata        json.RawMessage  `json:"metadata"`
	EndTime         *time.Time       `json:"end_time"`
	DurationMinutes int              `json:"duration_minutes"`
	AutoAcceptPrice *decimal.Decimal `json:"auto_accept_price"`
}

type PlaceBidRequest struct {
	AuctionID      string
	Bidder         string
	Amount         int64
	IdempotencyKey string
}

type BidOutcome string

const (
	OutcomeConfirmed BidOutcome = "CONFIRMED"
	// OutcomeUnknown means the ledger did not confirm in time; reconciliation decides.
	OutcomeUnknown BidOutcome = "UNKNOWN"
)

type BidResult struct {
	Bid     BidView     `json:"bid"`
	Outcome BidOutcome  `json:"outcome"`
	Auction AuctionView `json:"auction"`
}

type BidView struct {
	ID            string    `json:"id"`
	Bidder        string    `json:"bidder"`
	Amount        int64     `json:"amount"`
	DisplayAmount string    `json:"display_amount"`
	State         string    `json:"state"`
	Refunded      bool      `json:"refunded"`
	TxRef         string    `json:"tx_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type AuctionView struct {
	ID              string          `json:"id"`
	RemoteID        string          `json:"remote_id,omitempty"`
	Creator         string          `json:"creator"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	EndTime         time.Time       `json:"end_time"`
	SecondsLeft     int64           `json:"seconds_left"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	ClosedReason    string          `json:"closed_reason,omitempty"`
	HighestBid      int64           `json:"highest_bid"`
	DisplayHighest  string          `json:"display_highest_bid"`
	MinimumBid      int64           `json:"minimum_bid"`
	AutoAcceptPrice *int64          `json:"auto_accept_price,omitempty"`
	Winner          *BidView        `json:"winner,omitempty"`
	Bids            []BidView       `json:"bids"`
	InDoubtBids     int             `json:"in_doubt_bids"`
	PendingClose    bool            `json:"pending_close"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

type RefundView struct {
	Address       string `json:"address"`
	PendingRefund int64  `json:"pending_refund"`
	DisplayAmount string `json:"display_amount"`
}

type WithdrawResult struct {
	TxRef  string     `json:"tx_ref"`
	Refund RefundView `json:"refund"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_key_owner" json:"idempotency_key"`
	Owner          string    `gorm:"uniqueIndex:idx_idempotency_key_owner" json:"owner"`
	AuctionID      string    `json:"auction_id"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// DisplayAmount renders minor units as a decimal string, e.g. 1500000 -> "1.500000".
func DisplayAmount(amount int64) string {
	return decimal.New(amount, -displayDecimals).StringFixed(displayDecimals)
}

// ToMinorUnits converts a decimal amount into minor units.
func ToMinorUnits(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, ErrInvalidAmount
	}
	shifted := d.Shift(displayDecimals)
	if !shifted.Equal(shifted.Truncate(0)) || !shifted.BigInt().IsInt64() {
		return 0, ErrInvalidAmount
	}
	return shifted.IntPart(), nil
}

func NewBidView(b auction.Bid) BidView {
	return BidView{
		ID:            b.ID,
		Bidder:        b.Bidder,
		Amount:        b.Amount,
		DisplayAmount: DisplayAmount(b.Amount),
		State:         string(b.State),
		Refunded:      b.Refunded,
		TxRef:         b.TxRef,
		Timestamp:     b.Timestamp,
	}
}

// NewAuctionView projects an auction for display at time now.
func NewAuctionView(a *auction.Auction, now time.Time) AuctionView {
	v := AuctionView{
		ID:              a.ID,
		Creator:         a.Creator,
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt,
		EndTime:         a.EndTime,
		ClosedAt:        a.ClosedAt,
		ClosedReason:    string(a.ClosedReason),
		HighestBid:      a.HighestAmount(),
		DisplayHighest:  DisplayAmount(a.HighestAmount()),
		MinimumBid:      minimumBid(a.HighestAmount()),
		AutoAcceptPrice: a.AutoAcceptPrice,
		Bids:            make([]BidView, 0, len(a.Bids)),
		InDoubtBids:     len(a.Sync.InDoubt),
		PendingClose:    a.PendingClose,
		Metadata:        a.Metadata,
	}
	if id, ok := a.Remote.RemoteID(); ok {
		v.RemoteID = id
	}
	if a.IsActive() && now.Before(a.EndTime) {
		v.SecondsLeft = int64(a.EndTime.Sub(now) / time.Second)
	}
	for _, b := range a.Bids {
		v.Bids = append(v.Bids, NewBidView(b))
	}
	if w := a.Winner(); w != nil {
		wv := NewBidView(*w)
		v.Winner = &wv
	}
	return v
}

func minimumBid(highest int64) int64 {
	if highest == math.MaxInt64 {
		return highest
	}
	return highest + 1
}

func NewRefundView(address string, amount int64) RefundView {
	return RefundView{
		Address:       address,
		PendingRefund: amount,
		DisplayAmount: DisplayAmount(amount),
	}
}
