package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/ksred/klear-escrow/internal/auction"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestBus_FanOutAndCancel(t *testing.T) {
	bus := NewBus(4)
	first, cancelFirst := bus.Subscribe()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()
	check.Equal(t, 2, bus.Subscribers())

	e := NewBidAdmitted("a1", auction.Bid{ID: "b1", Bidder: "0xalice", Amount: 10, State: auction.BidPending}, t0)
	assert.NoError(t, bus.Publish(context.Background(), e))

	check.Equal(t, e.ID, (<-first).ID)
	check.Equal(t, e.ID, (<-second).ID)

	cancelFirst()
	cancelFirst()
	_, open := <-first
	check.False(t, open)
	check.Equal(t, 1, bus.Subscribers())
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		assert.NoError(t, bus.Publish(context.Background(), NewSyncDegraded("a1", i, "down", t0)))
	}
	got := <-ch
	check.Equal(t, 0, got.Payload.(SyncDegraded).ConsecutiveFailures)
	select {
	case <-ch:
		t.Fatal("expected later events to be dropped")
	default:
	}
}

func TestMulti_ContinuesPastFailures(t *testing.T) {
	failing := &recorder{err: errors.New("redis down")}
	ok := &recorder{}
	m := Multi{failing, nil, ok}

	err := m.Publish(context.Background(), NewSyncDegraded("a1", 6, "timeout", t0))
	check.Error(t, err)
	check.Equal(t, 1, len(failing.events))
	check.Equal(t, 1, len(ok.events))

	// Emit swallows the error.
	Emit(context.Background(), m, NewSyncDegraded("a1", 7, "timeout", t0))
	check.Equal(t, 2, len(ok.events))
	Emit(context.Background(), nil, NewSyncDegraded("a1", 7, "timeout", t0))
}

func TestAuctionClosed_WireShape(t *testing.T) {
	winner := auction.Bid{ID: "b2", Bidder: "0xbob", Amount: 15}
	e := NewAuctionClosed(auction.ClosingOutcome{
		AuctionID: "a1",
		Reason:    auction.ReasonTimeLimit,
		Winner:    &winner,
		ClosedAt:  t0,
	})
	data, err := Encode(e)
	assert.NoError(t, err)

	var decoded struct {
		Type      string `json:"type"`
		AuctionID string `json:"auctionId"`
		Payload   struct {
			Reason string `json:"reason"`
			Winner struct {
				Bidder string `json:"bidder"`
				Amount int64  `json:"amount"`
			} `json:"winner"`
		} `json:"payload"`
	}
	assert.NoError(t, json.Unmarshal(data, &decoded))
	check.Equal(t, "auction_closed", decoded.Type)
	check.Equal(t, "a1", decoded.AuctionID)
	check.Equal(t, "TIME_LIMIT", decoded.Payload.Reason)
	check.Equal(t, "0xbob", decoded.Payload.Winner.Bidder)
	check.Equal(t, int64(15), decoded.Payload.Winner.Amount)

	noWinner := NewAuctionClosed(auction.ClosingOutcome{AuctionID: "a2", Reason: auction.ReasonTimeLimit, ClosedAt: t0})
	check.Nil(t, noWinner.Payload.(AuctionClosed).Winner)
}

func TestBidRejected_CarriesMinimum(t *testing.T) {
	e := NewBidRejected("a1", "0xcarol", 5, &auction.BidRejection{Reason: auction.RejectTooLow, Minimum: 16}, t0)
	p := e.Payload.(BidRejected)
	check.Equal(t, "TOO_LOW", p.Reason)
	check.Equal(t, int64(16), p.Minimum)
	check.Equal(t, TypeBidRejected, e.Type)
}

func TestSubject(t *testing.T) {
	check.Equal(t, "escrow.events.auction_closed", Subject(DefaultNATSSubject, TypeAuctionClosed))
}
