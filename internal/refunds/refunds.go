package refunds

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/ledger"
)

// Entry is the last balance read from the ledger for one address.
type Entry struct {
	Address   string    `json:"address"`
	Amount    int64     `json:"pendingRefund"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// View reads refund balances from the escrow ledger. The cache is advisory
// and only used for display; PendingRefund always goes to the ledger.
type View struct {
	client ledger.Client
	clock  clock.Clock
	reads  singleflight.Group

	mu    sync.RWMutex
	cache map[string]Entry
}

func NewView(client ledger.Client, clk clock.Clock) *View {
	return &View{
		client: client,
		clock:  clk,
		cache:  make(map[string]Entry),
	}
}

// PendingRefund reads the ledger balance and refreshes the cache.
// Concurrent reads for the same address share one ledger call.
func (v *View) PendingRefund(ctx context.Context, address string) (int64, error) {
	key := normalize(address)
	res, err, _ := v.reads.Do(key, func() (interface{}, error) {
		amount, err := v.client.ReadRefundBalance(ctx, key)
		if err != nil {
			return int64(0), err
		}
		v.mu.Lock()
		v.cache[key] = Entry{Address: key, Amount: amount, FetchedAt: v.clock.Now()}
		v.mu.Unlock()
		return amount, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Cached returns the last known balance without touching the ledger.
func (v *View) Cached(address string) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.cache[normalize(address)]
	return e, ok
}

// Invalidate drops the cached balance, typically after the address is outbid.
func (v *View) Invalidate(address string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, normalize(address))
}

// Withdraw asks the ledger to pay out the address's refund balance. Only a
// confirmed withdrawal touches the cache. A timeout is returned as
// ledger.ErrTimeout and the cache is left alone.
func (v *View) Withdraw(ctx context.Context, address string) (ledger.TxRef, error) {
	logger := log.With().Str("component", "refund_view").Str("address", normalize(address)).Logger()

	tx, err := v.client.WithdrawRefund(ctx, normalize(address))
	if err != nil {
		logger.Warn().Err(err).Msg("withdrawal failed")
		return tx, err
	}
	logger.Info().Str("tx_ref", string(tx)).Msg("refund withdrawn")

	v.Invalidate(address)
	if _, err := v.PendingRefund(ctx, address); err != nil {
		logger.Warn().Err(err).Msg("failed to refresh refund balance after withdrawal")
	}
	return tx, nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
