package auction

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

type ClosedReason string

const (
	ReasonTimeLimit    ClosedReason = "TIME_LIMIT"
	ReasonPriceReached ClosedReason = "PRICE_REACHED"
)

type BidState string

const (
	BidPending   BidState = "PENDING"   // admitted locally, ledger confirmation outstanding
	BidConfirmed BidState = "CONFIRMED" // present on the escrow ledger
)

// Materialization is either Unmaterialized or Materialized(remoteID). An
// auction only gets a ledger counterpart when its first bid arrives.
type Materialization struct {
	State string `json:"state"`
	Ref   string `json:"remote_id,omitempty"`
}

const (
	unmaterialized = "UNMATERIALIZED"
	materialized   = "MATERIALIZED"
)

func Unmaterialized() Materialization {
	return Materialization{State: unmaterialized}
}

func Materialized(remoteID string) Materialization {
	return Materialization{State: materialized, Ref: remoteID}
}

// RemoteID returns the ledger id and whether the auction has been materialized.
func (m Materialization) RemoteID() (string, bool) {
	if m.State != materialized || m.Ref == "" {
		return "", false
	}
	return m.Ref, true
}

// Auction is the local record of one auction and its bids.
type Auction struct {
	ID              string          `json:"id"`
	Remote          Materialization `json:"remote"`
	Creator         string          `json:"creator"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	EndTime         time.Time       `json:"end_time"`
	AutoAcceptPrice *int64          `json:"auto_accept_price,omitempty"`
	Status          Status          `json:"status"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	ClosedReason    ClosedReason    `json:"closed_reason,omitempty"`
	WinnerBidID     string          `json:"winner_bid_id,omitempty"`
	Bids            []Bid           `json:"bids"`
	// PendingClose is set when a local transition still owes a close call on the ledger.
	PendingClose bool       `json:"pending_close"`
	Sync         SyncRecord `json:"sync"`
}

type Bid struct {
	ID        string    `json:"id"`
	Bidder    string    `json:"bidder"`
	Amount    int64     `json:"amount"`
	TxRef     string    `json:"tx_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Refunded  bool      `json:"refunded"`
	State     BidState  `json:"state"`
}

// InDoubtBid is a bid whose ledger submission timed out. Its outcome is unknown
// until a reconciliation pass finds it on the ledger or sees it superseded.
type InDoubtBid struct {
	BidID       string    `json:"bid_id"`
	Bidder      string    `json:"bidder"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SyncRecord tracks reconciliation progress for one auction.
type SyncRecord struct {
	LastRemoteClosed    bool         `json:"last_remote_closed"`
	LastReconciledAt    *time.Time   `json:"last_reconciled_at,omitempty"`
	LastAttemptAt       *time.Time   `json:"last_attempt_at,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	InDoubt             []InDoubtBid `json:"in_doubt,omitempty"`
	// CloseAnnounced is set once the auction's close has been published.
	CloseAnnounced bool `json:"close_announced"`
}

// ClosingOutcome describes a transition from Active to Closed.
type ClosingOutcome struct {
	AuctionID string       `json:"auction_id"`
	Reason    ClosedReason `json:"reason"`
	Winner    *Bid         `json:"winner,omitempty"`
	ClosedAt  time.Time    `json:"closed_at"`
}

// Admission is the result of a successful AdmitBid.
type Admission struct {
	Bid     Bid
	Closing *ClosingOutcome
}

// RemoteState is the ledger's view of an auction, as consumed by ApplySnapshot.
type RemoteState struct {
	HighestBid      int64
	HighestBidder   string
	AutoAcceptPrice int64 // zero means none
	IsClosed        bool
	EndTime         time.Time
	// Bids holds the ledger's latest bid for each bidder the caller looked up,
	// keyed by BidderKey. A zero Amount means the bidder has no bid there.
	Bids map[string]RemoteBid
	// StaleBefore demotes pending bids admitted before it that the ledger does
	// not show as its highest bid. Zero disables demotion.
	StaleBefore time.Time
}

type RemoteBid struct {
	Amount    int64
	Timestamp time.Time
	Refunded  bool
}

// Drift summarises what ApplySnapshot changed.
type Drift struct {
	Confirmed  []string
	Demoted    []string // pending bids moved to in doubt
	Adopted    []Bid
	Discarded  []InDoubtBid
	Closing    *ClosingOutcome
	Overridden bool // a closed auction's winner was replaced by the ledger's
	Outbid     []string
}

func (d Drift) Changed() bool {
	return len(d.Confirmed) > 0 || len(d.Demoted) > 0 || len(d.Adopted) > 0 || len(d.Discarded) > 0 || d.Closing != nil || d.Overridden
}

// HighestBid returns the top of the bid list, or nil when there are no bids.
func (a *Auction) HighestBid() *Bid {
	if len(a.Bids) == 0 {
		return nil
	}
	return &a.Bids[0]
}

// HighestAmount is zero for an auction without bids.
func (a *Auction) HighestAmount() int64 {
	if b := a.HighestBid(); b != nil {
		return b.Amount
	}
	return 0
}

func (a *Auction) Winner() *Bid {
	if a.WinnerBidID == "" {
		return nil
	}
	return a.findBid(a.WinnerBidID)
}

func (a *Auction) IsActive() bool {
	return a.Status == StatusActive
}

func (a *Auction) findBid(id string) *Bid {
	for i := range a.Bids {
		if a.Bids[i].ID == id {
			return &a.Bids[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the registry.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), a.Metadata...)
	}
	if a.AutoAcceptPrice != nil {
		p := *a.AutoAcceptPrice
		c.AutoAcceptPrice = &p
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	c.Bids = append([]Bid(nil), a.Bids...)
	c.Sync.InDoubt = append([]InDoubtBid(nil), a.Sync.InDoubt...)
	if a.Sync.LastReconciledAt != nil {
		t := *a.Sync.LastReconciledAt
		c.Sync.LastReconciledAt = &t
	}
	if a.Sync.LastAttemptAt != nil {
		t := *a.Sync.LastAttemptAt
		c.Sync.LastAttemptAt = &t
	}
	return &c
}
