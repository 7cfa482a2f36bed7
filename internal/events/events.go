package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ksred/klear-escrow/internal/auction"
)

type Type string

const (
	TypeAuctionClosed Type = "auction_closed"
	TypeBidRejected   Type = "bid_rejected"
	TypeBidAdmitted   Type = "bid_admitted"
	TypeBidReverted   Type = "bid_reverted"
	TypeSyncDegraded  Type = "sync_degraded"
)

// Event is the envelope delivered to every publisher.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	AuctionID  string    `json:"auctionId"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload,omitempty"`
}

// Publisher delivers events. Implementations must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Winner struct {
	BidID  string `json:"bidId"`
	Bidder string `json:"bidder"`
	Amount int64  `json:"amount"`
}

type AuctionClosed struct {
	AuctionID string  `json:"auctionId"`
	Reason    string  `json:"reason"`
	Winner    *Winner `json:"winner,omitempty"`
}

type BidRejected struct {
	AuctionID string `json:"auctionId"`
	Reason    string `json:"reason"`
	Bidder    string `json:"bidder"`
	Amount    int64  `json:"amount"`
	Minimum   int64  `json:"minimum,omitempty"`
}

type BidAdmitted struct {
	AuctionID string `json:"auctionId"`
	BidID     string `json:"bidId"`
	Bidder    string `json:"bidder"`
	Amount    int64  `json:"amount"`
	State     string `json:"state"`
}

type BidReverted struct {
	AuctionID string `json:"auctionId"`
	BidID     string `json:"bidId"`
	Reason    string `json:"reason"`
	Reopened  bool   `json:"reopened"`
}

type SyncDegraded struct {
	AuctionID           string `json:"auctionId"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError"`
}

func newEvent(t Type, auctionID string, at time.Time, payload any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		AuctionID:  auctionID,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

func NewAuctionClosed(outcome auction.ClosingOutcome) Event {
	p := AuctionClosed{AuctionID: outcome.AuctionID, Reason: string(outcome.Reason)}
	if outcome.Winner != nil {
		p.Winner = &Winner{
			BidID:  outcome.Winner.ID,
			Bidder: outcome.Winner.Bidder,
			Amount: outcome.Winner.Amount,
		}
	}
	return newEvent(TypeAuctionClosed, outcome.AuctionID, outcome.ClosedAt, p)
}

func NewBidRejected(auctionID, bidder string, amount int64, rejection *auction.BidRejection, at time.Time) Event {
	return newEvent(TypeBidRejected, auctionID, at, BidRejected{
		AuctionID: auctionID,
		Reason:    string(rejection.Reason),
		Bidder:    bidder,
		Amount:    amount,
		Minimum:   rejection.Minimum,
	})
}

func NewBidAdmitted(auctionID string, bid auction.Bid, at time.Time) Event {
	return newEvent(TypeBidAdmitted, auctionID, at, BidAdmitted{
		AuctionID: auctionID,
		BidID:     bid.ID,
		Bidder:    bid.Bidder,
		Amount:    bid.Amount,
		State:     string(bid.State),
	})
}

func NewBidReverted(auctionID, bidID, reason string, reopened bool, at time.Time) Event {
	return newEvent(TypeBidReverted, auctionID, at, BidReverted{
		AuctionID: auctionID,
		BidID:     bidID,
		Reason:    reason,
		Reopened:  reopened,
	})
}

func NewSyncDegraded(auctionID string, failures int, lastErr string, at time.Time) Event {
	return newEvent(TypeSyncDegraded, auctionID, at, SyncDegraded{
		AuctionID:           auctionID,
		ConsecutiveFailures: failures,
		LastError:           lastErr,
	})
}

// Encode renders the wire form shared by the redis and nats publishers.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
