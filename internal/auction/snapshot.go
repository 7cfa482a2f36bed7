package auction

import (
	"time"

	"github.com/google/uuid"
)

// ApplySnapshot folds the ledger's state into the local auction. The ledger
// always wins: stale pending bids are demoted to in doubt, in-doubt bids are
// resolved against the per-bidder records in rs.Bids, the ledger's highest bid
// is confirmed or adopted and a remote close forces a local one.
func ApplySnapshot(a *Auction, rs RemoteState, now time.Time) Drift {
	var d Drift

	d.Demoted = demotePending(a, rs, now)

	// In-doubt bids first, so a timed-out bid that landed keeps its identity.
	var landed []InDoubtBid
	kept := make([]InDoubtBid, 0, len(a.Sync.InDoubt))
	for _, idb := range a.Sync.InDoubt {
		if rs.HighestBid == idb.Amount && sameAddress(rs.HighestBidder, idb.Bidder) {
			landed = append(landed, idb)
			continue
		}
		rec, known := rs.Bids[BidderKey(idb.Bidder)]
		switch {
		case rs.IsClosed && idb.Amount > rs.HighestBid:
			// A closed ledger accepts nothing more, so this bid never landed.
			d.Discarded = append(d.Discarded, idb)
		case !known:
			kept = append(kept, idb)
		case rec.Amount == idb.Amount:
			landed = append(landed, idb)
		default:
			d.Discarded = append(d.Discarded, idb)
		}
	}
	a.Sync.InDoubt = kept

	for _, idb := range landed {
		bid, closing, err := adoptBid(a, idb.BidID, idb.Bidder, idb.Amount, "", idb.SubmittedAt, true)
		if err != nil || bid == nil {
			continue
		}
		d.Adopted = append(d.Adopted, *bid)
		if promoteWinner(a, bid) {
			d.Overridden = true
		}
		if closing != nil {
			d.Closing = closing
		}
	}

	if rs.HighestBid > 0 {
		if b := findByBidderAmount(a, rs.HighestBidder, rs.HighestBid); b != nil {
			if b.State == BidPending {
				b.State = BidConfirmed
				d.Confirmed = append(d.Confirmed, b.ID)
				if promoteWinner(a, b) {
					d.Overridden = true
				}
			}
		} else if a.IsActive() {
			bid, closing, err := AdoptRemoteBid(a, rs.HighestBidder, rs.HighestBid, "", now)
			if err == nil && bid != nil {
				d.Adopted = append(d.Adopted, *bid)
			}
			if closing != nil {
				d.Closing = closing
			}
		} else if winnerAmount(a) < rs.HighestBid {
			// Closed locally on a lower bid than the ledger holds: take the ledger's winner.
			bid, _, err := adoptBid(a, uuid.New().String(), rs.HighestBidder, rs.HighestBid, "", now, true)
			if err == nil && bid != nil {
				d.Adopted = append(d.Adopted, *bid)
				a.WinnerBidID = bid.ID
				d.Overridden = true
			}
		}
	}
	d.Outbid = markRefunds(a)

	if rs.IsClosed && a.IsActive() {
		reason := ReasonTimeLimit
		threshold := rs.AutoAcceptPrice
		if threshold == 0 && a.AutoAcceptPrice != nil {
			threshold = *a.AutoAcceptPrice
		}
		if threshold > 0 && rs.HighestBid >= threshold {
			reason = ReasonPriceReached
		}
		d.Closing = ForceClose(a, reason, now)
	}

	if rs.IsClosed {
		a.PendingClose = false
	} else if !a.IsActive() {
		a.PendingClose = true
	}

	reconciledAt := now.UTC()
	a.Sync.LastRemoteClosed = rs.IsClosed
	a.Sync.LastReconciledAt = &reconciledAt
	a.Sync.LastError = ""
	a.Sync.ConsecutiveFailures = 0
	return d
}

// demotePending moves pending bids the ledger does not hold as its highest bid
// into the in-doubt list once the ledger has closed or the bid has outlived
// StaleBefore. Their requests can no longer be waiting on a confirmation.
func demotePending(a *Auction, rs RemoteState, now time.Time) []string {
	var ids []string
	for _, b := range a.Bids {
		if b.State != BidPending {
			continue
		}
		if rs.HighestBid == b.Amount && sameAddress(rs.HighestBidder, b.Bidder) {
			continue
		}
		stale := !rs.StaleBefore.IsZero() && b.Timestamp.Before(rs.StaleBefore)
		if rs.IsClosed || stale {
			ids = append(ids, b.ID)
		}
	}
	for _, id := range ids {
		_, _ = MarkInDoubt(a, id, now)
	}
	return ids
}

func winnerAmount(a *Auction) int64 {
	if w := a.Winner(); w != nil {
		return w.Amount
	}
	return 0
}
