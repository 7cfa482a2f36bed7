package auction

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAuction(t *testing.T, duration time.Duration, autoAccept *int64) *Auction {
	t.Helper()
	a, err := NewAuction("0xseller", nil, t0, t0.Add(duration), autoAccept)
	assert.NoError(t, err)
	return a
}

func price(v int64) *int64 { return &v }

func TestNewAuction_Validation(t *testing.T) {
	_, err := NewAuction("", nil, t0, t0.Add(time.Minute), nil)
	check.True(t, errors.Is(err, ErrMissingCreator))

	_, err = NewAuction("0xseller", nil, t0, t0, nil)
	check.True(t, errors.Is(err, ErrInvalidEndTime))

	_, err = NewAuction("0xseller", nil, t0, t0.Add(time.Minute), price(0))
	check.True(t, errors.Is(err, ErrInvalidAutoAccept))

	a, err := NewAuction("0xseller", nil, t0, t0.Add(time.Minute), price(50))
	assert.NoError(t, err)
	check.Equal(t, StatusActive, a.Status)
	_, ok := a.Remote.RemoteID()
	check.False(t, ok)
	check.Equal(t, int64(50), *a.AutoAcceptPrice)
}

// Scenario A: equal bids are rejected and the time limit closes with the top bid.
func TestScenarioA_TimeLimitClose(t *testing.T) {
	a := newTestAuction(t, 60*time.Second, nil)

	adm, err := AdmitBid(a, "0xalice", 10, t0.Add(1*time.Second))
	assert.NoError(t, err)
	check.Nil(t, adm.Closing)
	check.Equal(t, BidPending, adm.Bid.State)

	_, err = AdmitBid(a, "0xbob", 10, t0.Add(2*time.Second))
	check.True(t, errors.Is(err, ErrBidTooLow))
	rej, ok := AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, RejectTooLow, rej.Reason)
	check.Equal(t, int64(11), rej.Minimum)

	_, err = ConfirmBid(a, adm.Bid.ID, "0xtx")
	assert.NoError(t, err)
	check.Nil(t, EvaluateTime(a, t0.Add(59*time.Second)))

	out := EvaluateTime(a, t0.Add(61*time.Second))
	assert.NotNil(t, out)
	check.Equal(t, ReasonTimeLimit, out.Reason)
	assert.NotNil(t, out.Winner)
	check.Equal(t, int64(10), out.Winner.Amount)
	check.Equal(t, adm.Bid.ID, a.WinnerBidID)
	check.Equal(t, StatusClosed, a.Status)
	check.NotNil(t, a.ClosedAt)
}

// Scenario B: reaching the auto-accept price closes immediately.
func TestScenarioB_PriceReachedClose(t *testing.T) {
	a := newTestAuction(t, time.Hour, price(50))

	adm, err := AdmitBid(a, "0xalice", 20, t0.Add(time.Second))
	assert.NoError(t, err)
	check.Nil(t, adm.Closing)

	adm, err = AdmitBid(a, "0xbob", 50, t0.Add(2*time.Second))
	assert.NoError(t, err)
	assert.NotNil(t, adm.Closing)
	check.Equal(t, ReasonPriceReached, adm.Closing.Reason)
	check.Equal(t, adm.Bid.ID, adm.Closing.Winner.ID)
	check.Equal(t, StatusClosed, a.Status)

	_, err = AdmitBid(a, "0xcarol", 100, t0.Add(3*time.Second))
	check.True(t, errors.Is(err, ErrAuctionClosed))
}

func TestAdmitBid_Expired(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	_, err := AdmitBid(a, "0xalice", 5, t0.Add(time.Minute))
	check.True(t, errors.Is(err, ErrAuctionExpired))
	check.Equal(t, 0, len(a.Bids))
}

func TestAdmitBid_ZeroAmountRejected(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	_, err := AdmitBid(a, "0xalice", 0, t0.Add(time.Second))
	rej, ok := AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, int64(1), rej.Minimum)
}

func TestAdmitBid_KeepsStrictlyDescendingOrder(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	amounts := []int64{5, 7, 7, 12, 3, 40}
	for i, amt := range amounts {
		_, _ = AdmitBid(a, "0xbidder", amt, t0.Add(time.Duration(i+1)*time.Second))
	}
	assert.Equal(t, 4, len(a.Bids))
	for i := 1; i < len(a.Bids); i++ {
		check.True(t, a.Bids[i-1].Amount > a.Bids[i].Amount)
	}
	check.Equal(t, int64(40), a.HighestAmount())
}

func TestEvaluateTime_IdempotentAfterClose(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	adm, err := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))
	assert.NoError(t, err)
	_, err = ConfirmBid(a, adm.Bid.ID, "0xtx")
	assert.NoError(t, err)

	out := EvaluateTime(a, t0.Add(2*time.Minute))
	assert.NotNil(t, out)
	closedAt := *a.ClosedAt

	check.Nil(t, EvaluateTime(a, t0.Add(3*time.Minute)))
	_, err = AdmitBid(a, "0xbob", 99, t0.Add(4*time.Minute))
	check.True(t, errors.Is(err, ErrAuctionClosed))

	check.Equal(t, closedAt, *a.ClosedAt)
	check.Equal(t, ReasonTimeLimit, a.ClosedReason)
	check.Equal(t, out.Winner.ID, a.WinnerBidID)
}

func TestEvaluateTime_NoBidsNoWinner(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	out := EvaluateTime(a, t0.Add(time.Minute))
	assert.NotNil(t, out)
	check.Nil(t, out.Winner)
	check.Equal(t, "", a.WinnerBidID)
}

func TestEvaluateTime_PriceTakesPrecedenceOverTime(t *testing.T) {
	a := newTestAuction(t, time.Minute, price(50))
	// A ledger-confirmed bid at the threshold folded in after the end time.
	_, closing, err := AdoptRemoteBid(a, "0xalice", 60, "0xtx", t0.Add(2*time.Minute))
	assert.NoError(t, err)
	assert.NotNil(t, closing)
	check.Equal(t, ReasonPriceReached, closing.Reason)

	// Same tick: threshold met and end time passed on an auction still Active.
	b := newTestAuction(t, time.Minute, price(50))
	b.Bids = append(b.Bids, Bid{ID: "b1", Bidder: "0xbob", Amount: 50, Timestamp: t0, State: BidConfirmed})
	out := EvaluateTime(b, t0.Add(5*time.Minute))
	assert.NotNil(t, out)
	check.Equal(t, ReasonPriceReached, out.Reason)
	check.Equal(t, "b1", b.WinnerBidID)
}

func TestRevertBid_RollsBackProvisionalClose(t *testing.T) {
	a := newTestAuction(t, time.Hour, price(50))
	first, err := AdmitBid(a, "0xalice", 20, t0.Add(time.Second))
	assert.NoError(t, err)
	_, err = ConfirmBid(a, first.Bid.ID, "0xtx1")
	assert.NoError(t, err)

	adm, err := AdmitBid(a, "0xbob", 60, t0.Add(2*time.Second))
	assert.NoError(t, err)
	assert.NotNil(t, adm.Closing)

	reopened, err := RevertBid(a, adm.Bid.ID)
	assert.NoError(t, err)
	check.True(t, reopened)
	check.Equal(t, StatusActive, a.Status)
	check.Nil(t, a.ClosedAt)
	check.Equal(t, 1, len(a.Bids))
	check.Equal(t, int64(20), a.HighestAmount())
}

func TestRevertBid_ConfirmedBidIsConsistencyError(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	adm, err := AdmitBid(a, "0xalice", 20, t0.Add(time.Second))
	assert.NoError(t, err)
	_, err = ConfirmBid(a, adm.Bid.ID, "0xtx")
	assert.NoError(t, err)

	_, err = RevertBid(a, adm.Bid.ID)
	check.True(t, errors.Is(err, ErrConsistency))
	check.Equal(t, 1, len(a.Bids))
}

func TestConfirmBid_FlagsOutbidRefunds(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	first, _ := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))
	_, err := ConfirmBid(a, first.Bid.ID, "0xtx1")
	assert.NoError(t, err)

	second, _ := AdmitBid(a, "0xbob", 15, t0.Add(2*time.Second))
	outbid, err := ConfirmBid(a, second.Bid.ID, "0xtx2")
	assert.NoError(t, err)
	check.Equal(t, []string{"0xalice"}, outbid)
	check.True(t, a.Bids[1].Refunded)
	check.False(t, a.Bids[0].Refunded)

	_, err = ConfirmBid(a, "missing", "")
	check.True(t, errors.Is(err, ErrBidNotFound))
}

func TestMarkInDoubt_MovesBidToSyncRecord(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	adm, _ := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))

	_, err := MarkInDoubt(a, adm.Bid.ID, t0.Add(time.Minute))
	assert.NoError(t, err)
	check.Equal(t, 0, len(a.Bids))
	assert.Equal(t, 1, len(a.Sync.InDoubt))
	check.Equal(t, adm.Bid.ID, a.Sync.InDoubt[0].BidID)

	// A second timeout report for the same bid changes nothing.
	reopened, err := MarkInDoubt(a, adm.Bid.ID, t0.Add(2*time.Minute))
	assert.NoError(t, err)
	check.False(t, reopened)
	check.Equal(t, 1, len(a.Sync.InDoubt))
}

func TestAdmitBid_HighestAtMaxInt64(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	a.Bids = append(a.Bids, Bid{ID: "top", Bidder: "0xwhale", Amount: math.MaxInt64, Timestamp: t0, State: BidConfirmed})

	_, err := AdmitBid(a, "0xalice", math.MaxInt64, t0.Add(time.Second))
	rej, ok := AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, RejectTooLow, rej.Reason)
	check.Equal(t, int64(math.MaxInt64), rej.Minimum)
	check.Equal(t, 1, len(a.Bids))
}

// A time-limit close never hands the auction to an unconfirmed bid, and a
// later revert of that bid does not reopen it.
func TestEvaluateTime_PendingTopThenRevertKeepsClose(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	first, _ := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))
	_, err := ConfirmBid(a, first.Bid.ID, "0xtx1")
	assert.NoError(t, err)
	second, err := AdmitBid(a, "0xbob", 20, t0.Add(2*time.Second))
	assert.NoError(t, err)

	out := EvaluateTime(a, t0.Add(time.Minute))
	assert.NotNil(t, out)
	assert.NotNil(t, out.Winner)
	check.Equal(t, first.Bid.ID, out.Winner.ID)
	closedAt := *a.ClosedAt

	// Bob's bid could still take the auction, so the close is held back.
	check.Nil(t, Announce(a))

	reopened, err := RevertBid(a, second.Bid.ID)
	assert.NoError(t, err)
	check.False(t, reopened)
	check.Equal(t, StatusClosed, a.Status)
	check.Equal(t, first.Bid.ID, a.WinnerBidID)
	check.True(t, closedAt.Equal(*a.ClosedAt))

	announced := Announce(a)
	assert.NotNil(t, announced)
	check.Equal(t, ReasonTimeLimit, announced.Reason)
	check.Equal(t, first.Bid.ID, announced.Winner.ID)
	check.Nil(t, Announce(a))
}

func TestEvaluateTime_PendingTopConfirmedTakesOver(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	first, _ := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))
	_, _ = ConfirmBid(a, first.Bid.ID, "0xtx1")
	second, _ := AdmitBid(a, "0xbob", 20, t0.Add(2*time.Second))

	EvaluateTime(a, t0.Add(time.Minute))
	check.Equal(t, first.Bid.ID, a.WinnerBidID)

	outbid, err := ConfirmBid(a, second.Bid.ID, "0xtx2")
	assert.NoError(t, err)
	check.Equal(t, []string{"0xalice"}, outbid)
	check.Equal(t, StatusClosed, a.Status)
	check.Equal(t, ReasonTimeLimit, a.ClosedReason)
	check.Equal(t, second.Bid.ID, a.WinnerBidID)

	announced := Announce(a)
	assert.NotNil(t, announced)
	check.Equal(t, second.Bid.ID, announced.Winner.ID)
}

func TestAnnounce_WaitsForPendingPriceWinner(t *testing.T) {
	a := newTestAuction(t, time.Hour, price(50))
	adm, _ := AdmitBid(a, "0xalice", 60, t0.Add(time.Second))
	assert.NotNil(t, adm.Closing)
	check.Nil(t, Announce(a))

	_, err := ConfirmBid(a, adm.Bid.ID, "0xtx")
	assert.NoError(t, err)
	announced := Announce(a)
	assert.NotNil(t, announced)
	check.Equal(t, ReasonPriceReached, announced.Reason)
	check.True(t, a.Sync.CloseAnnounced)
}

func TestConfirmBid_RestoresBidMovedInDoubt(t *testing.T) {
	a := newTestAuction(t, time.Hour, price(50))
	adm, _ := AdmitBid(a, "0xalice", 60, t0.Add(time.Second))
	reopened, err := MarkInDoubt(a, adm.Bid.ID, t0.Add(time.Minute))
	assert.NoError(t, err)
	check.True(t, reopened)

	_, err = ConfirmBid(a, adm.Bid.ID, "0xtx")
	assert.NoError(t, err)
	check.Equal(t, 0, len(a.Sync.InDoubt))
	assert.Equal(t, 1, len(a.Bids))
	check.Equal(t, adm.Bid.ID, a.Bids[0].ID)
	check.Equal(t, BidConfirmed, a.Bids[0].State)
	check.Equal(t, "0xtx", a.Bids[0].TxRef)
	check.Equal(t, StatusClosed, a.Status)
	check.Equal(t, ReasonPriceReached, a.ClosedReason)
	check.Equal(t, adm.Bid.ID, a.WinnerBidID)
}

func TestRevertBid_DropsInDoubtBid(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	adm, _ := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))
	_, _ = MarkInDoubt(a, adm.Bid.ID, t0.Add(time.Minute))

	reopened, err := RevertBid(a, adm.Bid.ID)
	assert.NoError(t, err)
	check.False(t, reopened)
	check.Equal(t, 0, len(a.Sync.InDoubt))

	_, err = RevertBid(a, adm.Bid.ID)
	check.True(t, errors.Is(err, ErrBidNotFound))
}

func TestRecoverPending(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	a.Remote = Materialized("3")
	confirmed, _ := AdmitBid(a, "0xalice", 10, t0.Add(time.Second))
	_, _ = ConfirmBid(a, confirmed.Bid.ID, "0xtx")
	pending, _ := AdmitBid(a, "0xbob", 20, t0.Add(2*time.Second))

	check.True(t, RecoverPending(a, t0.Add(time.Minute)))
	assert.Equal(t, 1, len(a.Bids))
	check.Equal(t, confirmed.Bid.ID, a.Bids[0].ID)
	assert.Equal(t, 1, len(a.Sync.InDoubt))
	check.Equal(t, pending.Bid.ID, a.Sync.InDoubt[0].BidID)
	check.False(t, RecoverPending(a, t0.Add(time.Minute)))

	local := newTestAuction(t, time.Hour, nil)
	_, _ = AdmitBid(local, "0xcarol", 5, t0.Add(time.Second))
	check.True(t, RecoverPending(local, t0.Add(time.Minute)))
	check.Equal(t, 0, len(local.Bids))
	check.Equal(t, 0, len(local.Sync.InDoubt))
}

func TestInsertBid_TiesBrokenByEarliestTimestamp(t *testing.T) {
	a := newTestAuction(t, time.Hour, nil)
	_, _, err := AdoptRemoteBid(a, "0xlate", 30, "", t0.Add(5*time.Second))
	assert.NoError(t, err)
	_, _, err = AdoptRemoteBid(a, "0xearly", 30, "", t0.Add(2*time.Second))
	assert.NoError(t, err)

	check.Equal(t, "0xearly", a.Bids[0].Bidder)
	check.Equal(t, "0xlate", a.Bids[1].Bidder)
}

func TestAdoptRemoteBid_ClosedAuctionIsConsistencyError(t *testing.T) {
	a := newTestAuction(t, time.Minute, nil)
	EvaluateTime(a, t0.Add(time.Minute))

	_, _, err := AdoptRemoteBid(a, "0xalice", 10, "", t0.Add(2*time.Minute))
	check.True(t, errors.Is(err, ErrConsistency))
	check.Equal(t, 0, len(a.Bids))
}

func TestClone_IsDeep(t *testing.T) {
	a := newTestAuction(t, time.Hour, price(5))
	_, _ = AdmitBid(a, "0xalice", 1, t0.Add(time.Second))
	c := a.Clone()
	c.Bids[0].Amount = 99
	*c.AutoAcceptPrice = 7
	check.Equal(t, int64(1), a.Bids[0].Amount)
	check.Equal(t, int64(5), *a.AutoAcceptPrice)
}
