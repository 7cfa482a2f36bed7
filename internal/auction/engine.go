package auction

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidAutoAccept = errors.New("auto-accept price must be strictly positive")
	ErrInvalidEndTime    = errors.New("end time must be after creation time")
	ErrMissingCreator    = errors.New("creator address is required")
)

// NewAuction builds an Active, unmaterialized auction.
func NewAuction(creator string, metadata json.RawMessage, createdAt, endTime time.Time, autoAcceptPrice *int64) (*Auction, error) {
	if strings.TrimSpace(creator) == "" {
		return nil, ErrMissingCreator
	}
	if !endTime.After(createdAt) {
		return nil, ErrInvalidEndTime
	}
	if autoAcceptPrice != nil && *autoAcceptPrice <= 0 {
		return nil, ErrInvalidAutoAccept
	}

	a := &Auction{
		ID:        uuid.New().String(),
		Remote:    Unmaterialized(),
		Creator:   creator,
		Metadata:  metadata,
		CreatedAt: createdAt.UTC(),
		EndTime:   endTime.UTC(),
		Status:    StatusActive,
		Bids:      []Bid{},
	}
	if autoAcceptPrice != nil {
		p := *autoAcceptPrice
		a.AutoAcceptPrice = &p
	}
	return a, nil
}

// AdmitBid decides whether a bid may enter the auction and inserts it as
// PENDING. A bid meeting the auto-accept price closes the auction in the same
// call.
func AdmitBid(a *Auction, bidder string, amount int64, now time.Time) (*Admission, error) {
	if !a.IsActive() {
		return nil, &BidRejection{Reason: RejectAuctionClosed}
	}
	if !now.Before(a.EndTime) {
		return nil, &BidRejection{Reason: RejectExpired}
	}
	// Equal bids are rejected: the escrow ledger only accepts strictly higher ones.
	highest := a.HighestAmount()
	if amount <= highest {
		minimum := highest
		if highest < math.MaxInt64 {
			minimum = highest + 1
		}
		return nil, &BidRejection{Reason: RejectTooLow, Minimum: minimum}
	}

	bid := Bid{
		ID:        uuid.New().String(),
		Bidder:    bidder,
		Amount:    amount,
		Timestamp: now.UTC(),
		State:     BidPending,
	}
	insertBid(a, bid)

	admission := &Admission{Bid: bid}
	if a.AutoAcceptPrice != nil && amount >= *a.AutoAcceptPrice {
		admission.Closing = closeAuction(a, ReasonPriceReached, &bid, now)
	}
	return admission, nil
}

// EvaluateTime closes an Active auction whose end time has passed. A highest bid
// already at the auto-accept price takes precedence over the time limit. A
// time-limit close is won by the highest confirmed bid; a pending bid above it
// takes over through ConfirmBid without reopening the auction.
// Returns nil when nothing changes.
func EvaluateTime(a *Auction, now time.Time) *ClosingOutcome {
	if !a.IsActive() {
		return nil
	}
	if h := a.HighestBid(); h != nil && a.AutoAcceptPrice != nil && h.Amount >= *a.AutoAcceptPrice {
		return closeAuction(a, ReasonPriceReached, h, now)
	}
	if now.Before(a.EndTime) {
		return nil
	}
	return closeAuction(a, ReasonTimeLimit, highestConfirmed(a), now)
}

// ForceClose closes an auction because the ledger says so. The winner is the
// highest confirmed bid.
func ForceClose(a *Auction, reason ClosedReason, now time.Time) *ClosingOutcome {
	if !a.IsActive() {
		return nil
	}
	return closeAuction(a, reason, highestConfirmed(a), now)
}

// ConfirmBid records ledger confirmation of a pending bid. It returns the
// bidders whose earlier confirmed bids are now refundable. Confirming an
// already confirmed bid is a no-op. A bid that reconciliation moved to the
// in-doubt list while its request was still running is restored first.
func ConfirmBid(a *Auction, bidID, txRef string) ([]string, error) {
	b := a.findBid(bidID)
	if b == nil {
		idb, ok := takeInDoubt(a, bidID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBidNotFound, bidID)
		}
		restored, _, err := adoptBid(a, idb.BidID, idb.Bidder, idb.Amount, txRef, idb.SubmittedAt, true)
		if err != nil {
			return nil, err
		}
		b = restored
	}
	if txRef != "" {
		b.TxRef = txRef
	}
	b.State = BidConfirmed
	promoteWinner(a, b)
	return markRefunds(a), nil
}

// RevertBid removes a pending bid the ledger refused. If that bid had closed the
// auction at the auto-accept price, the provisional close is rolled back. A
// refused bid already in the in-doubt list is simply dropped from it.
func RevertBid(a *Auction, bidID string) (reopened bool, err error) {
	if _, ok := takeInDoubt(a, bidID); ok {
		return false, nil
	}
	_, reopened, err = removePending(a, bidID)
	return reopened, err
}

// MarkInDoubt moves a pending bid whose ledger call timed out out of the bid
// list and into the reconciliation record. A bid already in doubt is left alone.
func MarkInDoubt(a *Auction, bidID string, now time.Time) (reopened bool, err error) {
	if inDoubt(a, bidID) {
		return false, nil
	}
	b, reopened, err := removePending(a, bidID)
	if err != nil {
		return false, err
	}
	a.Sync.InDoubt = append(a.Sync.InDoubt, InDoubtBid{
		BidID:       b.ID,
		Bidder:      b.Bidder,
		Amount:      b.Amount,
		SubmittedAt: b.Timestamp,
	})
	return reopened, nil
}

// RecoverPending settles the pending bids of an auction loaded from storage.
// Nothing is waiting on them any more: bids of a materialized auction may have
// reached the ledger and become in doubt, the rest never left the process and
// are dropped. Reports whether anything changed.
func RecoverPending(a *Auction, now time.Time) bool {
	var ids []string
	for _, b := range a.Bids {
		if b.State == BidPending {
			ids = append(ids, b.ID)
		}
	}
	_, remote := a.Remote.RemoteID()
	for _, id := range ids {
		if remote {
			_, _ = MarkInDoubt(a, id, now)
		} else {
			_, _ = RevertBid(a, id)
		}
	}
	return len(ids) > 0
}

// Announce returns the closing outcome of a closed auction exactly once, as
// soon as its winner is settled: the winner is confirmed and no pending or
// in-doubt bid could still outrank it. Returns nil otherwise.
func Announce(a *Auction) *ClosingOutcome {
	if a.IsActive() || a.Sync.CloseAnnounced || a.ClosedAt == nil {
		return nil
	}
	w := a.Winner()
	if w != nil && w.State != BidConfirmed {
		return nil
	}
	floor := winnerAmount(a)
	for _, b := range a.Bids {
		if b.State == BidPending && b.Amount > floor {
			return nil
		}
	}
	for _, idb := range a.Sync.InDoubt {
		if idb.Amount > floor {
			return nil
		}
	}

	a.Sync.CloseAnnounced = true
	out := &ClosingOutcome{
		AuctionID: a.ID,
		Reason:    a.ClosedReason,
		ClosedAt:  *a.ClosedAt,
	}
	if w != nil {
		winner := *w
		out.Winner = &winner
	}
	return out
}

// AdoptRemoteBid retroactively admits a bid the ledger has accepted. The local
// expiry check is skipped because the ledger already ruled on it. Refund flags
// are left to the caller.
func AdoptRemoteBid(a *Auction, bidder string, amount int64, txRef string, at time.Time) (*Bid, *ClosingOutcome, error) {
	return adoptBid(a, uuid.New().String(), bidder, amount, txRef, at, false)
}

// adoptBid inserts or confirms a ledger-held bid. Callers mark refunds.
func adoptBid(a *Auction, bidID, bidder string, amount int64, txRef string, at time.Time, override bool) (*Bid, *ClosingOutcome, error) {
	if !a.IsActive() && !override {
		return nil, nil, fmt.Errorf("%w: adopt bid on closed auction %s", ErrConsistency, a.ID)
	}
	if existing := findByBidderAmount(a, bidder, amount); existing != nil {
		existing.State = BidConfirmed
		if txRef != "" {
			existing.TxRef = txRef
		}
		return existing, nil, nil
	}

	bid := Bid{
		ID:        bidID,
		Bidder:    bidder,
		Amount:    amount,
		TxRef:     txRef,
		Timestamp: at.UTC(),
		State:     BidConfirmed,
	}
	insertBid(a, bid)

	var closing *ClosingOutcome
	if a.IsActive() && a.AutoAcceptPrice != nil && amount >= *a.AutoAcceptPrice {
		closing = closeAuction(a, ReasonPriceReached, &bid, at)
	}
	return a.findBid(bid.ID), closing, nil
}

func closeAuction(a *Auction, reason ClosedReason, winner *Bid, now time.Time) *ClosingOutcome {
	closedAt := now.UTC()
	a.Status = StatusClosed
	a.ClosedAt = &closedAt
	a.ClosedReason = reason
	a.WinnerBidID = ""

	out := &ClosingOutcome{
		AuctionID: a.ID,
		Reason:    reason,
		ClosedAt:  closedAt,
	}
	if winner != nil {
		a.WinnerBidID = winner.ID
		w := *winner
		out.Winner = &w
	}
	return out
}

func reopen(a *Auction) {
	a.Status = StatusActive
	a.ClosedAt = nil
	a.ClosedReason = ""
	a.WinnerBidID = ""
	a.PendingClose = false
	a.Sync.CloseAnnounced = false
}

// promoteWinner hands a closed auction to a confirmed bid that outranks its
// winner. The auction stays closed. Reports whether the winner changed.
func promoteWinner(a *Auction, b *Bid) bool {
	if a.IsActive() || b.State != BidConfirmed || b.ID == a.WinnerBidID {
		return false
	}
	if w := a.Winner(); w != nil && w.Amount >= b.Amount {
		return false
	}
	a.WinnerBidID = b.ID
	return true
}

func inDoubt(a *Auction, bidID string) bool {
	for _, idb := range a.Sync.InDoubt {
		if idb.BidID == bidID {
			return true
		}
	}
	return false
}

func takeInDoubt(a *Auction, bidID string) (InDoubtBid, bool) {
	for i, idb := range a.Sync.InDoubt {
		if idb.BidID == bidID {
			a.Sync.InDoubt = append(a.Sync.InDoubt[:i], a.Sync.InDoubt[i+1:]...)
			return idb, true
		}
	}
	return InDoubtBid{}, false
}

func removePending(a *Auction, bidID string) (Bid, bool, error) {
	idx := -1
	for i := range a.Bids {
		if a.Bids[i].ID == bidID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Bid{}, false, fmt.Errorf("%w: %s", ErrBidNotFound, bidID)
	}
	b := a.Bids[idx]
	if b.State != BidPending {
		return Bid{}, false, fmt.Errorf("%w: bid %s is already confirmed", ErrConsistency, bidID)
	}
	a.Bids = append(a.Bids[:idx], a.Bids[idx+1:]...)

	reopened := false
	if a.Status == StatusClosed && a.WinnerBidID == bidID {
		reopen(a)
		reopened = true
	}
	return b, reopened, nil
}

// insertBid keeps Bids sorted by amount descending; equal amounts keep the
// earliest timestamp first and, for identical timestamps, arrival order.
func insertBid(a *Auction, b Bid) {
	pos := len(a.Bids)
	for i, existing := range a.Bids {
		if b.Amount > existing.Amount || (b.Amount == existing.Amount && b.Timestamp.Before(existing.Timestamp)) {
			pos = i
			break
		}
	}
	a.Bids = append(a.Bids, Bid{})
	copy(a.Bids[pos+1:], a.Bids[pos:])
	a.Bids[pos] = b
}

// markRefunds flags every confirmed bid below the highest confirmed one as
// refunded, mirroring the ledger crediting outbid bidders. Returns the bidders
// newly flagged.
func markRefunds(a *Auction) []string {
	var outbid []string
	seenTop := false
	for i := range a.Bids {
		b := &a.Bids[i]
		if b.State != BidConfirmed {
			continue
		}
		if !seenTop {
			seenTop = true
			continue
		}
		if !b.Refunded {
			b.Refunded = true
			outbid = append(outbid, b.Bidder)
		}
	}
	return outbid
}

func highestConfirmed(a *Auction) *Bid {
	for i := range a.Bids {
		if a.Bids[i].State == BidConfirmed {
			return &a.Bids[i]
		}
	}
	return nil
}

func findByBidderAmount(a *Auction, bidder string, amount int64) *Bid {
	for i := range a.Bids {
		if a.Bids[i].Amount == amount && sameAddress(a.Bids[i].Bidder, bidder) {
			return &a.Bids[i]
		}
	}
	return nil
}

func sameAddress(x, y string) bool {
	return strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(y))
}

// BidderKey is the lookup key for a bidder address in RemoteState.Bids.
func BidderKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
