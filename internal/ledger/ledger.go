package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// Transport errors. The outcome may still land; callers re-check via reconciliation.
	ErrUnavailable = errors.New("escrow ledger unavailable")
	ErrTimeout     = errors.New("escrow ledger confirmation timed out")

	// Rejections. Retrying the identical action is expected to fail identically.
	ErrRejected          = errors.New("transaction rejected by signer")
	ErrReverted          = errors.New("transaction reverted by escrow ledger")
	ErrInsufficientFunds = errors.New("insufficient funds or allowance")
	ErrBidTooLow         = errors.New("bid not above ledger highest bid")

	ErrUnknownAuction = errors.New("auction not found on escrow ledger")
)

// IsTransient reports whether err is a transport error worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// IsRejection reports whether err is a terminal ledger rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrReverted) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrBidTooLow)
}

// TxRef identifies a submitted ledger transaction.
type TxRef string

// Snapshot is an authoritative read of one auction on the ledger.
type Snapshot struct {
	RemoteID        string
	Seller          string
	HighestBid      int64
	HighestBidder   string
	AutoAcceptPrice int64 // zero means none
	IsClosed        bool
	EndTime         time.Time
}

// BidRecord is the ledger's latest bid by one bidder on one auction. A zero
// Amount means the bidder has no bid there.
type BidRecord struct {
	Bidder    string
	Amount    int64
	Timestamp time.Time
	Refunded  bool
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxRef       TxRef
	Success     bool
	BlockNumber uint64
	// RemoteID is filled for createAuction receipts.
	RemoteID string
}

// Client is the escrow ledger as consumed by the engine. Every state-changing
// call waits for confirmation and returns ErrTimeout if none arrives in time.
type Client interface {
	CreateAuction(ctx context.Context, seller string, endTime time.Time, autoAcceptPrice int64) (remoteID string, tx TxRef, err error)
	PlaceBid(ctx context.Context, bidder, remoteID string, amount int64) (TxRef, error)
	// CloseAuction treats an already closed auction as success and returns an empty TxRef.
	CloseAuction(ctx context.Context, caller, remoteID string) (TxRef, error)
	WithdrawRefund(ctx context.Context, address string) (TxRef, error)
	ReadAuction(ctx context.Context, remoteID string) (Snapshot, error)
	ReadBid(ctx context.Context, remoteID, bidder string) (BidRecord, error)
	ReadRefundBalance(ctx context.Context, address string) (int64, error)
}
