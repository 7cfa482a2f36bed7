package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-escrow/internal/auction"
	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/refunds"
	"github.com/ksred/klear-escrow/internal/registry"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultRetryCeiling = 5
	DefaultConcurrency  = 8

	// DefaultConfirmWindow is how long a pending bid may wait for its ledger
	// confirmation before reconciliation treats it as in doubt.
	DefaultConfirmWindow = 2 * ledger.DefaultPollInterval * time.Duration(ledger.DefaultPollAttempts)
)

// errUnchanged aborts a registry update that found nothing to do.
var errUnchanged = errors.New("unchanged")

type Config struct {
	Interval     time.Duration
	RetryCeiling int
	Concurrency  int
	// ConfirmWindow bounds how long a pending bid may go unconfirmed.
	ConfirmWindow time.Duration
	// Operator signs ledger closes. Empty means the auction creator does.
	Operator string
}

// Processor periodically folds escrow ledger state into the registry and
// pushes local closes to the ledger.
type Processor struct {
	registry *registry.Registry
	client   ledger.Client
	clock    clock.Clock
	events   events.Publisher
	refunds  *refunds.View
	cfg      Config

	running chan struct{}
}

func NewProcessor(reg *registry.Registry, client ledger.Client, clk clock.Clock, pub events.Publisher, view *refunds.View, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = DefaultConfirmWindow
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Processor{
		registry: reg,
		client:   client,
		clock:    clk,
		events:   pub,
		refunds:  view,
		cfg:      cfg,
		running:  make(chan struct{}, 1),
	}
}

// Start runs one pass immediately and then one per interval until ctx is done.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconcile_processor").Logger()
	logger.Info().Dur("interval", p.cfg.Interval).Msg("starting reconciliation processor")

	p.RunOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation processor")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. It returns false without doing anything if
// another pass is still running.
func (p *Processor) RunOnce(ctx context.Context) bool {
	select {
	case p.running <- struct{}{}:
	default:
		log.Debug().Str("component", "reconcile_processor").Msg("pass already running, skipping")
		return false
	}
	defer func() { <-p.running }()

	logger := log.With().Str("component", "reconcile_processor").Logger()

	closed := p.evaluateTimes(ctx, logger)
	synced := p.syncRemote(ctx, logger)
	announced := p.announceCloses(ctx, logger)
	pushed := p.pushCloses(ctx, logger)

	logger.Debug().
		Int("time_closed", closed).
		Int("synced", synced).
		Int("announced", announced).
		Int("remote_closed", pushed).
		Msg("reconciliation pass complete")
	return true
}

// evaluateTimes closes active auctions whose end time has passed. The close is
// published by announceCloses once its winner is settled.
func (p *Processor) evaluateTimes(ctx context.Context, logger zerolog.Logger) int {
	now := p.clock.Now()
	ids := p.registry.Select(func(a *auction.Auction) bool { return a.IsActive() })

	closed := 0
	for _, id := range ids {
		var outcome *auction.ClosingOutcome
		_, err := p.registry.Update(ctx, id, func(a *auction.Auction) error {
			outcome = auction.EvaluateTime(a, now)
			if outcome == nil {
				return errUnchanged
			}
			if _, ok := a.Remote.RemoteID(); ok {
				a.PendingClose = true
			}
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Str("auction_id", id).Msg("failed to evaluate auction end time")
			continue
		}
		closed++
		logger.Info().
			Str("auction_id", id).
			Str("reason", string(outcome.Reason)).
			Msg("auction closed")
	}
	return closed
}

// announceCloses publishes AuctionClosed for closed auctions whose winner has
// become settled since they closed.
func (p *Processor) announceCloses(ctx context.Context, logger zerolog.Logger) int {
	ids := p.registry.Select(func(a *auction.Auction) bool {
		return !a.IsActive() && !a.Sync.CloseAnnounced
	})

	announced := 0
	for _, id := range ids {
		var outcome *auction.ClosingOutcome
		_, err := p.registry.Update(ctx, id, func(a *auction.Auction) error {
			outcome = auction.Announce(a)
			if outcome == nil {
				return errUnchanged
			}
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Str("auction_id", id).Msg("failed to announce auction close")
			continue
		}
		announced++
		events.Emit(ctx, p.events, events.NewAuctionClosed(*outcome))
	}
	return announced
}

// syncRemote reads the ledger for every materialized auction that can still
// change and applies the snapshot. Reads run concurrently across auctions.
func (p *Processor) syncRemote(ctx context.Context, logger zerolog.Logger) int {
	ids := p.registry.Select(func(a *auction.Auction) bool {
		if _, ok := a.Remote.RemoteID(); !ok {
			return false
		}
		return a.IsActive() || a.PendingClose || len(a.Sync.InDoubt) > 0 || hasPending(a)
	})

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	results := make([]bool, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			results[i] = p.syncOne(ctx, id, logger)
			return nil
		})
	}
	_ = g.Wait()

	synced := 0
	for _, ok := range results {
		if ok {
			synced++
		}
	}
	return synced
}

func (p *Processor) syncOne(ctx context.Context, id string, logger zerolog.Logger) bool {
	a, err := p.registry.Get(id)
	if err != nil {
		return false
	}
	remoteID, ok := a.Remote.RemoteID()
	if !ok {
		return false
	}

	snap, err := p.client.ReadAuction(ctx, remoteID)
	if err != nil {
		p.recordFailure(ctx, id, err, logger)
		return false
	}
	rs := RemoteState(snap)
	rs.StaleBefore = p.clock.Now().Add(-p.cfg.ConfirmWindow)
	rs.Bids, err = p.readBids(ctx, a, remoteID, rs)
	if err != nil {
		p.recordFailure(ctx, id, err, logger)
		return false
	}

	var drift auction.Drift
	_, err = p.registry.Update(ctx, id, func(a *auction.Auction) error {
		drift = auction.ApplySnapshot(a, rs, p.clock.Now())
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("auction_id", id).Msg("failed to apply ledger snapshot")
		return false
	}
	p.publishDrift(ctx, id, drift, logger)
	return true
}

// readBids fetches the ledger's per-bidder record for every in-doubt bid and
// for every pending bid the snapshot is about to demote.
func (p *Processor) readBids(ctx context.Context, a *auction.Auction, remoteID string, rs auction.RemoteState) (map[string]auction.RemoteBid, error) {
	var bidders []string
	for _, idb := range a.Sync.InDoubt {
		bidders = append(bidders, idb.Bidder)
	}
	for _, b := range a.Bids {
		if b.State == auction.BidPending && (rs.IsClosed || b.Timestamp.Before(rs.StaleBefore)) {
			bidders = append(bidders, b.Bidder)
		}
	}
	if len(bidders) == 0 {
		return nil, nil
	}

	out := make(map[string]auction.RemoteBid, len(bidders))
	for _, bidder := range bidders {
		key := auction.BidderKey(bidder)
		if _, ok := out[key]; ok {
			continue
		}
		rec, err := p.client.ReadBid(ctx, remoteID, bidder)
		if err != nil {
			return nil, err
		}
		out[key] = auction.RemoteBid{
			Amount:    rec.Amount,
			Timestamp: rec.Timestamp,
			Refunded:  rec.Refunded,
		}
	}
	return out, nil
}

func (p *Processor) publishDrift(ctx context.Context, id string, drift auction.Drift, logger zerolog.Logger) {
	now := p.clock.Now()
	if drift.Changed() {
		logger.Info().
			Str("auction_id", id).
			Int("confirmed", len(drift.Confirmed)).
			Int("demoted", len(drift.Demoted)).
			Int("adopted", len(drift.Adopted)).
			Int("discarded", len(drift.Discarded)).
			Bool("closed", drift.Closing != nil).
			Bool("winner_overridden", drift.Overridden).
			Msg("local state corrected from ledger")
	}
	for _, b := range drift.Adopted {
		events.Emit(ctx, p.events, events.NewBidAdmitted(id, b, now))
	}
	for _, idb := range drift.Discarded {
		events.Emit(ctx, p.events, events.NewBidReverted(id, idb.BidID, "not found on ledger", false, now))
	}
	if p.refunds != nil {
		for _, bidder := range drift.Outbid {
			p.refunds.Invalidate(bidder)
		}
	}
}

// pushCloses sends owed close calls to the ledger.
func (p *Processor) pushCloses(ctx context.Context, logger zerolog.Logger) int {
	ids := p.registry.Select(func(a *auction.Auction) bool {
		_, ok := a.Remote.RemoteID()
		return ok && a.PendingClose
	})

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	results := make([]bool, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			results[i] = p.closeOne(ctx, id, logger)
			return nil
		})
	}
	_ = g.Wait()

	pushed := 0
	for _, ok := range results {
		if ok {
			pushed++
		}
	}
	return pushed
}

func (p *Processor) closeOne(ctx context.Context, id string, logger zerolog.Logger) bool {
	a, err := p.registry.Get(id)
	if err != nil {
		return false
	}
	remoteID, _ := a.Remote.RemoteID()
	caller := p.cfg.Operator
	if caller == "" {
		caller = a.Creator
	}

	tx, err := p.client.CloseAuction(ctx, caller, remoteID)
	if err != nil {
		p.recordFailure(ctx, id, err, logger)
		return false
	}

	_, err = p.registry.Update(ctx, id, func(a *auction.Auction) error {
		a.PendingClose = false
		a.Sync.LastRemoteClosed = true
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("auction_id", id).Msg("failed to record ledger close")
		return false
	}
	logger.Info().Str("auction_id", id).Str("tx_ref", string(tx)).Msg("auction closed on ledger")
	return true
}

// recordFailure counts a failed ledger interaction. Crossing the retry
// ceiling raises a SyncDegraded event once; the auction keeps being retried.
func (p *Processor) recordFailure(ctx context.Context, id string, cause error, logger zerolog.Logger) {
	now := p.clock.Now()
	var failures int
	_, err := p.registry.Update(ctx, id, func(a *auction.Auction) error {
		attempt := now.UTC()
		a.Sync.ConsecutiveFailures++
		a.Sync.LastError = cause.Error()
		a.Sync.LastAttemptAt = &attempt
		failures = a.Sync.ConsecutiveFailures
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("auction_id", id).Msg("failed to record reconciliation failure")
		return
	}

	event := logger.Debug()
	if !ledger.IsTransient(cause) {
		event = logger.Warn()
	}
	event.Err(cause).Str("auction_id", id).Int("consecutive_failures", failures).Msg("ledger interaction failed")

	if failures > p.cfg.RetryCeiling {
		logger.Warn().
			Str("auction_id", id).
			Int("consecutive_failures", failures).
			Int("retry_ceiling", p.cfg.RetryCeiling).
			Msg("reconciliation degraded")
		if failures == p.cfg.RetryCeiling+1 {
			events.Emit(ctx, p.events, events.NewSyncDegraded(id, failures, cause.Error(), now))
		}
	}
}

func hasPending(a *auction.Auction) bool {
	for _, b := range a.Bids {
		if b.State == auction.BidPending {
			return true
		}
	}
	return false
}

// RemoteState converts a ledger snapshot into the engine's view of it.
func RemoteState(s ledger.Snapshot) auction.RemoteState {
	return auction.RemoteState{
		HighestBid:      s.HighestBid,
		HighestBidder:   s.HighestBidder,
		AutoAcceptPrice: s.AutoAcceptPrice,
		IsClosed:        s.IsClosed,
		EndTime:         s.EndTime,
	}
}
