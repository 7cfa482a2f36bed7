package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auction"
	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/refunds"
	"github.com/ksred/klear-escrow/internal/registry"
)

var (
	ErrMissingBidder = errors.New("bidder address is required")
	ErrInvalidStatus = errors.New("status must be ACTIVE or CLOSED")
	// ErrKeyReused is returned when an idempotency key is replayed against a different auction.
	ErrKeyReused = errors.New("idempotency key already used for another auction")
	// ErrBidReverted is returned when replaying a bid the ledger refused or superseded.
	ErrBidReverted = fmt.Errorf("%w: bid was not accepted", ledger.ErrReverted)

	errNoChange = errors.New("no change")
)

const resourceTypeBid = "bid"

// Service places bids against local auctions and the escrow ledger
type Service struct {
	registry *registry.Registry
	client   ledger.Client
	clock    clock.Clock
	events   events.Publisher
	refunds  *refunds.View
	db       *Database

	materializing singleflight.Group
	submissions   singleflight.Group
}

// NewService wires the bidding service. A nil gormDB disables idempotent replays.
func NewService(reg *registry.Registry, client ledger.Client, clk clock.Clock, pub events.Publisher, view *refunds.View, gormDB *gorm.DB) *Service {
	s := &Service{
		registry: reg,
		client:   client,
		clock:    clk,
		events:   pub,
		refunds:  view,
	}
	if gormDB != nil {
		s.db = NewDatabase(gormDB)
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	return s
}

// CreateAuction registers a new auction. It stays local until its first bid.
func (s *Service) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*AuctionView, error) {
	now := s.clock.Now()

	endTime := now.Add(time.Duration(DefaultDurationMinutes) * time.Minute)
	switch {
	case req.EndTime != nil:
		endTime = *req.EndTime
	case req.DurationMinutes != 0:
		endTime = now.Add(time.Duration(req.DurationMinutes) * time.Minute)
	}

	var autoAccept *int64
	if req.AutoAcceptPrice != nil {
		amount, err := ToMinorUnits(*req.AutoAcceptPrice)
		if err != nil {
			return nil, err
		}
		autoAccept = &amount
	}

	a, err := auction.NewAuction(req.Creator, req.Metadata, now, endTime, autoAccept)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Create(ctx, a); err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "bidding").
		Str("auction_id", a.ID).
		Str("creator", a.Creator).
		Time("end_time", a.EndTime).
		Msg("auction created")

	view := NewAuctionView(a, now)
	return &view, nil
}

// PlaceBid admits a bid locally, then places it on the escrow ledger.
// Repeating a request with the same idempotency key returns the first result.
// A ledger.ErrTimeout comes back together with a result whose outcome is UNKNOWN.
// Parameters:
//   - req.Amount: bid in minor units
//   - req.IdempotencyKey: optional; scoped to the bidder
func (s *Service) PlaceBid(ctx context.Context, req PlaceBidRequest) (*BidResult, error) {
	if strings.TrimSpace(req.Bidder) == "" {
		return nil, ErrMissingBidder
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if req.IdempotencyKey == "" || s.db == nil {
		return s.placeBid(ctx, req)
	}

	owner := strings.ToLower(strings.TrimSpace(req.Bidder))
	res, err, _ := s.submissions.Do(owner+"|"+req.IdempotencyKey, func() (interface{}, error) {
		record, err := s.db.GetIdempotencyRecord(ctx, req.IdempotencyKey, owner, s.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to read idempotency record: %w", err)
		}
		if record != nil {
			return s.replay(record, req)
		}
		return s.placeBid(ctx, req)
	})
	result, _ := res.(*BidResult)
	return result, err
}

func (s *Service) placeBid(ctx context.Context, req PlaceBidRequest) (*BidResult, error) {
	logger := log.With().
		Str("component", "bidding").
		Str("auction_id", req.AuctionID).
		Str("bidder", req.Bidder).
		Int64("amount", req.Amount).
		Logger()

	var admission *auction.Admission
	admitted, err := s.registry.Update(ctx, req.AuctionID, func(a *auction.Auction) error {
		var err error
		admission, err = auction.AdmitBid(a, req.Bidder, req.Amount, s.clock.Now())
		return err
	})
	if err != nil {
		if rejection, ok := auction.AsRejection(err); ok {
			logger.Info().Str("reason", string(rejection.Reason)).Msg("bid rejected")
			events.Emit(ctx, s.events, events.NewBidRejected(req.AuctionID, req.Bidder, req.Amount, rejection, s.clock.Now()))
		}
		return nil, err
	}
	bid := admission.Bid
	logger = logger.With().Str("bid_id", bid.ID).Logger()
	logger.Info().Bool("closes", admission.Closing != nil).Msg("bid admitted")
	events.Emit(ctx, s.events, events.NewBidAdmitted(req.AuctionID, bid, s.clock.Now()))

	if req.IdempotencyKey != "" && s.db != nil {
		record := &IdempotencyRecord{
			IdempotencyKey: req.IdempotencyKey,
			Owner:          strings.ToLower(strings.TrimSpace(req.Bidder)),
			AuctionID:      req.AuctionID,
			ResourceID:     bid.ID,
			ResourceType:   resourceTypeBid,
			ExpiresAt:      s.clock.Now().Add(idempotencyTTL),
		}
		if err := s.db.SaveIdempotencyRecord(ctx, record); err != nil {
			logger.Error().Err(err).Msg("failed to save idempotency record")
		}
	}

	remoteID, err := s.ensureRemote(ctx, admitted)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to materialize auction on the ledger")
		return nil, s.revert(ctx, req.AuctionID, bid.ID, err, logger)
	}

	tx, err := s.client.PlaceBid(ctx, req.Bidder, remoteID, req.Amount)
	switch {
	case err == nil:
		return s.confirm(ctx, req.AuctionID, bid.ID, tx, logger)
	case errors.Is(err, ledger.ErrTimeout):
		return s.markInDoubt(ctx, req.AuctionID, bid, err, logger)
	default:
		// Rejections and submission failures both mean the bid is not on the ledger.
		return nil, s.revert(ctx, req.AuctionID, bid.ID, err, logger)
	}
}

// ensureRemote returns the auction's ledger id, creating the ledger auction on
// first use. Concurrent first bids share one creation.
func (s *Service) ensureRemote(ctx context.Context, a *auction.Auction) (string, error) {
	if id, ok := a.Remote.RemoteID(); ok {
		return id, nil
	}

	res, err, _ := s.materializing.Do(a.ID, func() (interface{}, error) {
		current, err := s.registry.Get(a.ID)
		if err != nil {
			return "", err
		}
		if id, ok := current.Remote.RemoteID(); ok {
			return id, nil
		}

		var threshold int64
		if current.AutoAcceptPrice != nil {
			threshold = *current.AutoAcceptPrice
		}
		remoteID, tx, err := s.client.CreateAuction(ctx, current.Creator, current.EndTime, threshold)
		if err != nil {
			return "", err
		}

		_, err = s.registry.Update(ctx, a.ID, func(x *auction.Auction) error {
			if _, ok := x.Remote.RemoteID(); ok {
				return fmt.Errorf("%w: auction %s materialized twice", auction.ErrConsistency, x.ID)
			}
			x.Remote = auction.Materialized(remoteID)
			// A close that happened while unmaterialized still has to reach the ledger.
			if !x.IsActive() {
				x.PendingClose = true
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		log.Info().
			Str("component", "bidding").
			Str("auction_id", a.ID).
			Str("remote_id", remoteID).
			Str("tx_ref", string(tx)).
			Msg("auction materialized on the ledger")
		return remoteID, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Service) confirm(ctx context.Context, auctionID, bidID string, tx ledger.TxRef, logger zerolog.Logger) (*BidResult, error) {
	var (
		outbid  []string
		closing *auction.ClosingOutcome
	)
	updated, err := s.registry.Update(ctx, auctionID, func(a *auction.Auction) error {
		var err error
		outbid, err = auction.ConfirmBid(a, bidID, string(tx))
		if err != nil {
			return err
		}
		if !a.IsActive() && !a.Sync.LastRemoteClosed {
			a.PendingClose = true
		}
		closing = auction.Announce(a)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("tx_ref", string(tx)).Msg("failed to record ledger confirmation")
		return nil, err
	}
	logger.Info().Str("tx_ref", string(tx)).Msg("bid confirmed on the ledger")

	for _, bidder := range outbid {
		s.refunds.Invalidate(bidder)
	}
	s.announce(ctx, closing, logger)
	return s.result(updated, bidID, OutcomeConfirmed), nil
}

func (s *Service) announce(ctx context.Context, closing *auction.ClosingOutcome, logger zerolog.Logger) {
	if closing == nil {
		return
	}
	winner := ""
	if closing.Winner != nil {
		winner = closing.Winner.ID
	}
	logger.Info().Str("reason", string(closing.Reason)).Str("winner_bid_id", winner).Msg("auction close announced")
	events.Emit(ctx, s.events, events.NewAuctionClosed(*closing))
}

func (s *Service) revert(ctx context.Context, auctionID, bidID string, cause error, logger zerolog.Logger) error {
	var (
		reopened bool
		closing  *auction.ClosingOutcome
	)
	_, err := s.registry.Update(ctx, auctionID, func(a *auction.Auction) error {
		var err error
		reopened, err = auction.RevertBid(a, bidID)
		if err != nil {
			return err
		}
		closing = auction.Announce(a)
		return nil
	})
	if errors.Is(err, auction.ErrBidNotFound) {
		logger.Debug().AnErr("cause", cause).Msg("bid already settled by reconciliation")
		return cause
	}
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("failed to revert bid")
		return cause
	}
	logger.Info().Err(cause).Bool("reopened", reopened).Msg("bid reverted")
	events.Emit(ctx, s.events, events.NewBidReverted(auctionID, bidID, cause.Error(), reopened, s.clock.Now()))
	s.announce(ctx, closing, logger)
	return cause
}

func (s *Service) markInDoubt(ctx context.Context, auctionID string, bid auction.Bid, cause error, logger zerolog.Logger) (*BidResult, error) {
	var (
		reopened bool
		closing  *auction.ClosingOutcome
	)
	updated, err := s.registry.Update(ctx, auctionID, func(a *auction.Auction) error {
		var err error
		reopened, err = auction.MarkInDoubt(a, bid.ID, s.clock.Now())
		if err != nil {
			return err
		}
		closing = auction.Announce(a)
		return nil
	})
	if errors.Is(err, auction.ErrConsistency) {
		// Reconciliation already found the bid on the ledger.
		current, getErr := s.registry.Get(auctionID)
		if getErr != nil {
			return nil, getErr
		}
		return s.result(current, bid.ID, OutcomeConfirmed), nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark bid in doubt")
		return nil, err
	}
	logger.Warn().Err(cause).Bool("reopened", reopened).Msg("ledger confirmation timed out, bid left for reconciliation")
	s.announce(ctx, closing, logger)

	result := s.result(updated, bid.ID, OutcomeUnknown)
	result.Bid = NewBidView(bid)
	return result, cause
}

func (s *Service) replay(record *IdempotencyRecord, req PlaceBidRequest) (*BidResult, error) {
	if record.AuctionID != req.AuctionID {
		return nil, ErrKeyReused
	}
	a, err := s.registry.Get(record.AuctionID)
	if err != nil {
		return nil, err
	}

	for _, b := range a.Bids {
		if b.ID != record.ResourceID {
			continue
		}
		if b.State == auction.BidConfirmed {
			return s.result(a, b.ID, OutcomeConfirmed), nil
		}
		return s.result(a, b.ID, OutcomeUnknown), ledger.ErrTimeout
	}
	for _, d := range a.Sync.InDoubt {
		if d.BidID == record.ResourceID {
			result := s.result(a, d.BidID, OutcomeUnknown)
			result.Bid = BidView{
				ID:            d.BidID,
				Bidder:        d.Bidder,
				Amount:        d.Amount,
				DisplayAmount: DisplayAmount(d.Amount),
				State:         string(auction.BidPending),
				Timestamp:     d.SubmittedAt,
			}
			return result, ledger.ErrTimeout
		}
	}
	return nil, ErrBidReverted
}

func (s *Service) result(a *auction.Auction, bidID string, outcome BidOutcome) *BidResult {
	r := &BidResult{
		Outcome: outcome,
		Auction: NewAuctionView(a, s.clock.Now()),
	}
	for _, b := range a.Bids {
		if b.ID == bidID {
			r.Bid = NewBidView(b)
			break
		}
	}
	return r
}

// CloseAuction closes the auction if its end time has passed. The ledger close
// is left to reconciliation. AuctionClosed is published here only if the
// winner is already settled.
func (s *Service) CloseAuction(ctx context.Context, auctionID string) (*AuctionView, error) {
	var closing, announced *auction.ClosingOutcome
	updated, err := s.registry.Update(ctx, auctionID, func(a *auction.Auction) error {
		closing = auction.EvaluateTime(a, s.clock.Now())
		if closing == nil {
			return errNoChange
		}
		if _, ok := a.Remote.RemoteID(); ok {
			a.PendingClose = true
		}
		announced = auction.Announce(a)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return s.Get(auctionID)
	}
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "bidding").Str("auction_id", auctionID).Logger()
	logger.Info().Str("reason", string(closing.Reason)).Msg("auction closed")
	s.announce(ctx, announced, logger)

	view := NewAuctionView(updated, s.clock.Now())
	return &view, nil
}

func (s *Service) Get(auctionID string) (*AuctionView, error) {
	a, err := s.registry.Get(auctionID)
	if err != nil {
		return nil, err
	}
	view := NewAuctionView(a, s.clock.Now())
	return &view, nil
}

// List returns auctions newest first, optionally filtered by status.
func (s *Service) List(status string) ([]AuctionView, error) {
	st := auction.Status(strings.ToUpper(status))
	switch st {
	case "", auction.StatusActive, auction.StatusClosed:
	default:
		return nil, ErrInvalidStatus
	}

	now := s.clock.Now()
	auctions := s.registry.List(st)
	views := make([]AuctionView, 0, len(auctions))
	for _, a := range auctions {
		views = append(views, NewAuctionView(a, now))
	}
	return views, nil
}

// PendingRefund reads the address's refund balance from the ledger.
func (s *Service) PendingRefund(ctx context.Context, address string) (*RefundView, error) {
	amount, err := s.refunds.PendingRefund(ctx, address)
	if err != nil {
		return nil, err
	}
	view := NewRefundView(strings.ToLower(address), amount)
	return &view, nil
}

// Withdraw pays out the address's refund balance. On ledger.ErrTimeout the
// result carries the submitted transaction.
func (s *Service) Withdraw(ctx context.Context, address string) (*WithdrawResult, error) {
	tx, err := s.refunds.Withdraw(ctx, address)
	if err != nil {
		if errors.Is(err, ledger.ErrTimeout) {
			return &WithdrawResult{TxRef: string(tx), Refund: NewRefundView(strings.ToLower(address), 0)}, err
		}
		return nil, err
	}

	result := &WithdrawResult{TxRef: string(tx), Refund: NewRefundView(strings.ToLower(address), 0)}
	if e, ok := s.refunds.Cached(address); ok {
		result.Refund = NewRefundView(e.Address, e.Amount)
	}
	return result, nil
}

// PurgeExpiredKeys deletes idempotency records past their expiry.
func (s *Service) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	return s.db.DeleteExpiredIdempotencyRecords(ctx, s.clock.Now())
}
