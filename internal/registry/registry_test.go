package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-escrow/internal/auction"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&AuctionRecord{}))
	return NewDatabase(db)
}

func newAuction(t *testing.T, created time.Time) *auction.Auction {
	t.Helper()
	a, err := auction.NewAuction("0xseller", json.RawMessage(`{"title":"lamp"}`), created, created.Add(time.Hour), nil)
	assert.NoError(t, err)
	return a
}

func TestRegistry_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, nil)
	assert.NoError(t, err)

	a := newAuction(t, t0)
	assert.NoError(t, r.Create(ctx, a))
	check.True(t, errors.Is(r.Create(ctx, a), ErrExists))

	_, err = r.Get("missing")
	check.True(t, errors.Is(err, ErrNotFound))

	updated, err := r.Update(ctx, a.ID, func(a *auction.Auction) error {
		_, err := auction.AdmitBid(a, "0xalice", 10, t0.Add(time.Minute))
		return err
	})
	assert.NoError(t, err)
	check.Equal(t, 1, len(updated.Bids))

	// A failing update leaves the auction untouched.
	_, err = r.Update(ctx, a.ID, func(a *auction.Auction) error {
		a.Bids = nil
		return errors.New("boom")
	})
	check.Error(t, err)
	got, err := r.Get(a.ID)
	assert.NoError(t, err)
	check.Equal(t, 1, len(got.Bids))

	// Copies handed out do not alias registry state.
	got.Bids[0].Amount = 999
	again, _ := r.Get(a.ID)
	check.Equal(t, int64(10), again.Bids[0].Amount)
}

func TestRegistry_ListAndSelect(t *testing.T) {
	ctx := context.Background()
	r, _ := New(ctx, nil)

	older := newAuction(t, t0)
	newer := newAuction(t, t0.Add(time.Minute))
	assert.NoError(t, r.Create(ctx, older))
	assert.NoError(t, r.Create(ctx, newer))
	_, err := r.Update(ctx, older.ID, func(a *auction.Auction) error {
		auction.EvaluateTime(a, t0.Add(2*time.Hour))
		return nil
	})
	assert.NoError(t, err)

	all := r.List("")
	assert.Equal(t, 2, len(all))
	check.Equal(t, newer.ID, all[0].ID)

	active := r.List(auction.StatusActive)
	assert.Equal(t, 1, len(active))
	check.Equal(t, newer.ID, active[0].ID)

	ids := r.Select(func(a *auction.Auction) bool { return a.Status == auction.StatusClosed })
	check.Equal(t, []string{older.ID}, ids)
}

func TestRegistry_UpdatesAreSerializedPerAuction(t *testing.T) {
	ctx := context.Background()
	r, _ := New(ctx, nil)
	a := newAuction(t, t0)
	assert.NoError(t, r.Create(ctx, a))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, _ = r.Update(ctx, a.ID, func(a *auction.Auction) error {
				_, err := auction.AdmitBid(a, "0xbidder", amount, t0.Add(time.Second))
				return err
			})
		}(int64(i))
	}
	wg.Wait()

	got, _ := r.Get(a.ID)
	check.Equal(t, int64(20), got.HighestAmount())
	for i := 1; i < len(got.Bids); i++ {
		check.True(t, got.Bids[i-1].Amount > got.Bids[i].Amount)
	}
}

func TestDatabase_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	r, err := New(ctx, store)
	assert.NoError(t, err)
	a := newAuction(t, t0)
	assert.NoError(t, r.Create(ctx, a))

	_, err = r.Update(ctx, a.ID, func(a *auction.Auction) error {
		a.Remote = auction.Materialized("12")
		for _, amount := range []int64{10, 30} {
			adm, err := auction.AdmitBid(a, fmt.Sprintf("0xbidder%d", amount), amount, t0.Add(time.Minute))
			if err != nil {
				return err
			}
			if _, err := auction.ConfirmBid(a, adm.Bid.ID, "0xtx"); err != nil {
				return err
			}
		}
		a.Sync.ConsecutiveFailures = 2
		return nil
	})
	assert.NoError(t, err)

	reloaded, err := New(ctx, store)
	assert.NoError(t, err)
	got, err := reloaded.Get(a.ID)
	assert.NoError(t, err)

	remoteID, ok := got.Remote.RemoteID()
	check.True(t, ok)
	check.Equal(t, "12", remoteID)
	assert.Equal(t, 2, len(got.Bids))
	check.Equal(t, int64(30), got.Bids[0].Amount)
	check.Equal(t, int64(10), got.Bids[1].Amount)
	check.True(t, got.Bids[1].Refunded)
	check.Equal(t, auction.BidConfirmed, got.Bids[0].State)
	check.Equal(t, 2, got.Sync.ConsecutiveFailures)
	check.True(t, got.EndTime.Equal(a.EndTime))
	check.Equal(t, `{"title":"lamp"}`, string(got.Metadata))

	record, err := store.GetAuctionRecord(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, "ACTIVE", record.Status)
	check.Equal(t, "12", record.RemoteID)
}

func TestDatabase_ReloadMovesPendingBidsInDoubt(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	r, err := New(ctx, store)
	assert.NoError(t, err)
	remote := newAuction(t, t0)
	local := newAuction(t, t0)
	assert.NoError(t, r.Create(ctx, remote))
	assert.NoError(t, r.Create(ctx, local))

	var confirmedID, pendingID string
	_, err = r.Update(ctx, remote.ID, func(a *auction.Auction) error {
		a.Remote = auction.Materialized("4")
		adm, err := auction.AdmitBid(a, "0xalice", 10, t0.Add(time.Minute))
		if err != nil {
			return err
		}
		confirmedID = adm.Bid.ID
		if _, err := auction.ConfirmBid(a, confirmedID, "0xtx"); err != nil {
			return err
		}
		adm, err = auction.AdmitBid(a, "0xbob", 20, t0.Add(2*time.Minute))
		pendingID = adm.Bid.ID
		return err
	})
	assert.NoError(t, err)
	_, err = r.Update(ctx, local.ID, func(a *auction.Auction) error {
		_, err := auction.AdmitBid(a, "0xcarol", 5, t0.Add(time.Minute))
		return err
	})
	assert.NoError(t, err)

	reloaded, err := New(ctx, store)
	assert.NoError(t, err)

	got, err := reloaded.Get(remote.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(got.Bids))
	check.Equal(t, confirmedID, got.Bids[0].ID)
	assert.Equal(t, 1, len(got.Sync.InDoubt))
	check.Equal(t, pendingID, got.Sync.InDoubt[0].BidID)
	check.Equal(t, int64(20), got.Sync.InDoubt[0].Amount)

	// Never reached the ledger, so the bid is dropped.
	got, err = reloaded.Get(local.ID)
	assert.NoError(t, err)
	check.Equal(t, 0, len(got.Bids))
	check.Equal(t, 0, len(got.Sync.InDoubt))

	// The recovery was persisted, not just applied in memory.
	again, err := New(ctx, store)
	assert.NoError(t, err)
	got, _ = again.Get(remote.ID)
	check.Equal(t, 1, len(got.Sync.InDoubt))
}

func TestDatabase_MetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	r, err := New(ctx, store)
	assert.NoError(t, err)

	empty, err := auction.NewAuction("0xseller", json.RawMessage(`{}`), t0, t0.Add(time.Hour), nil)
	assert.NoError(t, err)
	none, err := auction.NewAuction("0xseller", nil, t0, t0.Add(time.Hour), nil)
	assert.NoError(t, err)
	assert.NoError(t, r.Create(ctx, empty))
	assert.NoError(t, r.Create(ctx, none))

	record, err := store.GetAuctionRecord(ctx, none.ID)
	assert.NoError(t, err)
	check.False(t, len(record.Metadata) > 0 && string(record.Metadata) != "null")

	reloaded, err := New(ctx, store)
	assert.NoError(t, err)
	got, _ := reloaded.Get(empty.ID)
	check.Equal(t, `{}`, string(got.Metadata))
	got, _ = reloaded.Get(none.ID)
	check.Equal(t, 0, len(got.Metadata))
}
