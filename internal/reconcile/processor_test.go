package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/ksred/klear-escrow/internal/auction"
	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/ledger/memory"
	"github.com/ksred/klear-escrow/internal/refunds"
	"github.com/ksred/klear-escrow/internal/registry"
)

type fixture struct {
	ctx    context.Context
	clk    *clock.Manual
	ledger *memory.Ledger
	reg    *registry.Registry
	view   *refunds.View
	events <-chan events.Event
	proc   *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := memory.New(clk, ledger.NewPoller(time.Millisecond, 30))
	reg, err := registry.New(ctx, nil)
	assert.NoError(t, err)
	bus := events.NewBus(64)
	sub, cancel := bus.Subscribe()
	t.Cleanup(cancel)
	view := refunds.NewView(l, clk)

	return &fixture{
		ctx:    ctx,
		clk:    clk,
		ledger: l,
		reg:    reg,
		view:   view,
		events: sub,
		proc:   NewProcessor(reg, l, clk, bus, view, cfg),
	}
}

func (f *fixture) auction(t *testing.T, duration time.Duration, autoAccept *int64, materialize bool) *auction.Auction {
	t.Helper()
	a, err := auction.NewAuction("0xseller", nil, f.clk.Now(), f.clk.Now().Add(duration), autoAccept)
	assert.NoError(t, err)
	if materialize {
		var threshold int64
		if autoAccept != nil {
			threshold = *autoAccept
		}
		remoteID, _, err := f.ledger.CreateAuction(f.ctx, a.Creator, a.EndTime, threshold)
		assert.NoError(t, err)
		a.Remote = auction.Materialized(remoteID)
	}
	assert.NoError(t, f.reg.Create(f.ctx, a))
	return a
}

func (f *fixture) remoteID(t *testing.T, a *auction.Auction) string {
	t.Helper()
	id, ok := a.Remote.RemoteID()
	assert.True(t, ok)
	return id
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func ofType(evts []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Remote reports closed at 30 with no auto-accept while local is still active.
func TestRunOnce_RemoteCloseForcesLocalClose(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Hour, nil, true)
	remoteID := f.remoteID(t, a)

	_, err := f.ledger.PlaceBid(f.ctx, "0xbob", remoteID, 30)
	assert.NoError(t, err)
	f.ledger.ForceClose(remoteID)

	check.True(t, f.proc.RunOnce(f.ctx))

	got, err := f.reg.Get(a.ID)
	assert.NoError(t, err)
	check.Equal(t, auction.StatusClosed, got.Status)
	check.Equal(t, auction.ReasonTimeLimit, got.ClosedReason)
	assert.NotNil(t, got.Winner())
	check.Equal(t, int64(30), got.Winner().Amount)
	check.Equal(t, "0xbob", got.Winner().Bidder)
	check.False(t, got.PendingClose)
	check.True(t, got.Sync.LastRemoteClosed)

	closed := ofType(f.drain(), events.TypeAuctionClosed)
	assert.Equal(t, 1, len(closed))
	check.Equal(t, "TIME_LIMIT", closed[0].Payload.(events.AuctionClosed).Reason)
}

// A bid whose confirmation timed out is adopted once the ledger shows it.
func TestRunOnce_AdoptsTimedOutBid(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Hour, nil, true)
	remoteID := f.remoteID(t, a)

	var bidID string
	_, err := f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		adm, err := auction.AdmitBid(a, "0xalice", 25, f.clk.Now())
		if err != nil {
			return err
		}
		bidID = adm.Bid.ID
		return nil
	})
	assert.NoError(t, err)

	f.ledger.HideNextReceipt(memory.OpPlaceBid)
	_, err = f.ledger.PlaceBid(f.ctx, "0xalice", remoteID, 25)
	check.True(t, errors.Is(err, ledger.ErrTimeout))

	_, err = f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		_, err := auction.MarkInDoubt(a, bidID, f.clk.Now())
		return err
	})
	assert.NoError(t, err)
	inDoubt, _ := f.reg.Get(a.ID)
	check.Equal(t, 0, len(inDoubt.Bids))
	check.Equal(t, 1, len(inDoubt.Sync.InDoubt))

	f.proc.RunOnce(f.ctx)

	got, _ := f.reg.Get(a.ID)
	check.Equal(t, 0, len(got.Sync.InDoubt))
	assert.Equal(t, 1, len(got.Bids))
	check.Equal(t, bidID, got.Bids[0].ID)
	check.Equal(t, auction.BidConfirmed, got.Bids[0].State)
	check.Equal(t, auction.StatusActive, got.Status)
	check.Equal(t, 1, len(ofType(f.drain(), events.TypeBidAdmitted)))
}

func TestRunOnce_DiscardsSupersededInDoubtBid(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Hour, nil, true)
	remoteID := f.remoteID(t, a)

	_, err := f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		adm, err := auction.AdmitBid(a, "0xalice", 20, f.clk.Now())
		if err != nil {
			return err
		}
		_, err = auction.MarkInDoubt(a, adm.Bid.ID, f.clk.Now())
		return err
	})
	assert.NoError(t, err)
	_, err = f.ledger.PlaceBid(f.ctx, "0xbob", remoteID, 40)
	assert.NoError(t, err)

	f.proc.RunOnce(f.ctx)

	got, _ := f.reg.Get(a.ID)
	check.Equal(t, 0, len(got.Sync.InDoubt))
	assert.Equal(t, 1, len(got.Bids))
	check.Equal(t, "0xbob", got.Bids[0].Bidder)
	check.Equal(t, 1, len(ofType(f.drain(), events.TypeBidReverted)))
}

func TestRunOnce_TimeCloseIsPushedToLedger(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Minute, nil, true)
	remoteID := f.remoteID(t, a)

	_, err := f.ledger.PlaceBid(f.ctx, "0xalice", remoteID, 10)
	assert.NoError(t, err)
	f.proc.RunOnce(f.ctx)

	got, _ := f.reg.Get(a.ID)
	assert.Equal(t, 1, len(got.Bids))
	check.Equal(t, auction.BidConfirmed, got.Bids[0].State)

	f.clk.Advance(2 * time.Minute)
	f.proc.RunOnce(f.ctx)

	got, _ = f.reg.Get(a.ID)
	check.Equal(t, auction.StatusClosed, got.Status)
	check.Equal(t, auction.ReasonTimeLimit, got.ClosedReason)
	check.False(t, got.PendingClose)
	check.Equal(t, int64(10), got.Winner().Amount)

	snap, err := f.ledger.ReadAuction(f.ctx, remoteID)
	assert.NoError(t, err)
	check.True(t, snap.IsClosed)
}

func TestRunOnce_UnmaterializedCloseStaysLocal(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Minute, nil, false)

	f.clk.Advance(time.Minute)
	f.proc.RunOnce(f.ctx)

	got, _ := f.reg.Get(a.ID)
	check.Equal(t, auction.StatusClosed, got.Status)
	check.Nil(t, got.Winner())
	check.False(t, got.PendingClose)
	check.Equal(t, 1, len(ofType(f.drain(), events.TypeAuctionClosed)))
}

func TestRunOnce_FailuresDegradePastCeiling(t *testing.T) {
	f := newFixture(t, Config{RetryCeiling: 2})
	a := f.auction(t, time.Hour, nil, true)

	for i := 0; i < 4; i++ {
		f.ledger.FailNext(memory.OpReadAuction, ledger.ErrUnavailable)
		f.proc.RunOnce(f.ctx)
	}

	got, _ := f.reg.Get(a.ID)
	check.Equal(t, 4, got.Sync.ConsecutiveFailures)
	check.NotEqual(t, "", got.Sync.LastError)
	assert.NotNil(t, got.Sync.LastAttemptAt)

	degraded := ofType(f.drain(), events.TypeSyncDegraded)
	assert.Equal(t, 1, len(degraded))
	check.Equal(t, 3, degraded[0].Payload.(events.SyncDegraded).ConsecutiveFailures)

	// A good read clears the counter.
	f.proc.RunOnce(f.ctx)
	got, _ = f.reg.Get(a.ID)
	check.Equal(t, 0, got.Sync.ConsecutiveFailures)
	check.Equal(t, "", got.Sync.LastError)
}

func TestRunOnce_InvalidatesOutbidRefundCache(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Hour, nil, true)
	remoteID := f.remoteID(t, a)

	_, err := f.ledger.PlaceBid(f.ctx, "0xalice", remoteID, 10)
	assert.NoError(t, err)
	f.proc.RunOnce(f.ctx)
	_, err = f.view.PendingRefund(f.ctx, "0xalice")
	assert.NoError(t, err)

	_, err = f.ledger.PlaceBid(f.ctx, "0xbob", remoteID, 12)
	assert.NoError(t, err)
	f.proc.RunOnce(f.ctx)

	_, cached := f.view.Cached("0xalice")
	check.False(t, cached)
	got, _ := f.reg.Get(a.ID)
	assert.Equal(t, 2, len(got.Bids))
	check.True(t, got.Bids[1].Refunded)
}

func TestRunOnce_SkipsWhilePassRunning(t *testing.T) {
	f := newFixture(t, Config{})
	f.proc.running <- struct{}{}
	check.False(t, f.proc.RunOnce(f.ctx))
	<-f.proc.running
	check.True(t, f.proc.RunOnce(f.ctx))
}

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	a := f.auction(t, time.Minute, nil, false)
	f.clk.Advance(time.Minute)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		f.proc.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, _ := f.reg.Get(a.ID); got.Status == auction.StatusClosed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := f.reg.Get(a.ID)
	check.Equal(t, auction.StatusClosed, got.Status)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

// Alice's bid timed out locally but landed, then Bob outbid her on the ledger.
func TestRunOnce_AdoptsTimedOutBidThatWasOutbid(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.auction(t, time.Hour, nil, true)
	remoteID := f.remoteID(t, a)

	var bidID string
	_, err := f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		adm, err := auction.AdmitBid(a, "0xalice", 25, f.clk.Now())
		if err != nil {
			return err
		}
		bidID = adm.Bid.ID
		return nil
	})
	assert.NoError(t, err)
	f.ledger.HideNextReceipt(memory.OpPlaceBid)
	_, err = f.ledger.PlaceBid(f.ctx, "0xalice", remoteID, 25)
	check.True(t, errors.Is(err, ledger.ErrTimeout))
	_, err = f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		_, err := auction.MarkInDoubt(a, bidID, f.clk.Now())
		return err
	})
	assert.NoError(t, err)

	_, err = f.ledger.PlaceBid(f.ctx, "0xbob", remoteID, 40)
	assert.NoError(t, err)
	_, err = f.view.PendingRefund(f.ctx, "0xalice")
	assert.NoError(t, err)

	f.proc.RunOnce(f.ctx)

	got, _ := f.reg.Get(a.ID)
	check.Equal(t, 0, len(got.Sync.InDoubt))
	assert.Equal(t, 2, len(got.Bids))
	check.Equal(t, "0xbob", got.Bids[0].Bidder)
	check.Equal(t, bidID, got.Bids[1].ID)
	check.Equal(t, auction.BidConfirmed, got.Bids[1].State)
	check.True(t, got.Bids[1].Refunded)

	evts := f.drain()
	check.Equal(t, 0, len(ofType(evts, events.TypeBidReverted)))
	check.Equal(t, 2, len(ofType(evts, events.TypeBidAdmitted)))
	_, cached := f.view.Cached("0xalice")
	check.False(t, cached)
}

// A pending bid whose request died is demoted once it outlives the
// confirmation window, then dropped when the ledger has no such bid.
func TestRunOnce_StalePendingBidLeavesTheTop(t *testing.T) {
	f := newFixture(t, Config{ConfirmWindow: time.Minute})
	a := f.auction(t, time.Hour, nil, true)
	remoteID := f.remoteID(t, a)

	_, err := f.ledger.PlaceBid(f.ctx, "0xalice", remoteID, 10)
	assert.NoError(t, err)
	f.proc.RunOnce(f.ctx)

	var stuckID string
	_, err = f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		adm, err := auction.AdmitBid(a, "0xbob", 30, f.clk.Now())
		if err != nil {
			return err
		}
		stuckID = adm.Bid.ID
		return nil
	})
	assert.NoError(t, err)
	f.drain()

	f.proc.RunOnce(f.ctx)
	got, _ := f.reg.Get(a.ID)
	check.Equal(t, int64(30), got.HighestAmount())

	f.clk.Advance(2 * time.Minute)
	f.proc.RunOnce(f.ctx)

	got, _ = f.reg.Get(a.ID)
	check.Equal(t, int64(10), got.HighestAmount())
	check.Equal(t, 0, len(got.Sync.InDoubt))
	reverted := ofType(f.drain(), events.TypeBidReverted)
	assert.Equal(t, 1, len(reverted))
	check.Equal(t, stuckID, reverted[0].Payload.(events.BidReverted).BidID)
}

// The time limit passes while a higher bid is still awaiting confirmation.
func TestRunOnce_TimeCloseWaitsForPendingTopBid(t *testing.T) {
	f := newFixture(t, Config{ConfirmWindow: time.Hour})
	a := f.auction(t, time.Minute, nil, true)
	remoteID := f.remoteID(t, a)

	_, err := f.ledger.PlaceBid(f.ctx, "0xalice", remoteID, 10)
	assert.NoError(t, err)
	f.proc.RunOnce(f.ctx)

	var pendingID string
	_, err = f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		adm, err := auction.AdmitBid(a, "0xbob", 20, f.clk.Now())
		if err != nil {
			return err
		}
		pendingID = adm.Bid.ID
		return nil
	})
	assert.NoError(t, err)
	f.drain()

	f.clk.Advance(2 * time.Minute)
	f.proc.RunOnce(f.ctx)

	got, _ := f.reg.Get(a.ID)
	check.Equal(t, auction.StatusClosed, got.Status)
	check.Equal(t, "0xalice", got.Winner().Bidder)
	check.Equal(t, 0, len(ofType(f.drain(), events.TypeAuctionClosed)))

	// The ledger refuses Bob's bid.
	_, err = f.reg.Update(f.ctx, a.ID, func(a *auction.Auction) error {
		reopened, err := auction.RevertBid(a, pendingID)
		check.False(t, reopened)
		return err
	})
	assert.NoError(t, err)

	f.proc.RunOnce(f.ctx)
	got, _ = f.reg.Get(a.ID)
	check.Equal(t, auction.StatusClosed, got.Status)
	closed := ofType(f.drain(), events.TypeAuctionClosed)
	assert.Equal(t, 1, len(closed))
	payload := closed[0].Payload.(events.AuctionClosed)
	check.Equal(t, "TIME_LIMIT", payload.Reason)
	assert.NotNil(t, payload.Winner)
	check.Equal(t, "0xalice", payload.Winner.Bidder)

	f.proc.RunOnce(f.ctx)
	check.Equal(t, 0, len(ofType(f.drain(), events.TypeAuctionClosed)))
}
