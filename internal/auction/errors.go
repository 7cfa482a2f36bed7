package auction

import (
	"errors"
	"fmt"
)

var (
	ErrAuctionClosed  = errors.New("auction is closed")
	ErrBidTooLow      = errors.New("bid too low")
	ErrAuctionExpired = errors.New("auction has expired")

	// ErrConsistency marks an internal invariant violation. The offending
	// mutation is discarded and the error is never shown to users.
	ErrConsistency = errors.New("auction consistency violation")
	ErrBidNotFound = errors.New("bid not found")
)

type RejectionReason string

const (
	RejectAuctionClosed RejectionReason = "AUCTION_CLOSED"
	RejectTooLow        RejectionReason = "TOO_LOW"
	RejectExpired       RejectionReason = "EXPIRED"
)

// BidRejection is returned by AdmitBid. Minimum is only meaningful for TOO_LOW.
type BidRejection struct {
	Reason  RejectionReason
	Minimum int64
}

func (r *BidRejection) Error() string {
	if r.Reason == RejectTooLow {
		return fmt.Sprintf("%s: minimum is %d", ErrBidTooLow, r.Minimum)
	}
	return r.Unwrap().Error()
}

func (r *BidRejection) Unwrap() error {
	switch r.Reason {
	case RejectAuctionClosed:
		return ErrAuctionClosed
	case RejectTooLow:
		return ErrBidTooLow
	default:
		return ErrAuctionExpired
	}
}

// AsRejection extracts a BidRejection from err.
func AsRejection(err error) (*BidRejection, bool) {
	var r *BidRejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
