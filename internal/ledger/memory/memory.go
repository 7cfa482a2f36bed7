package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/ledger"
)

// Op names a ledger operation for fault injection.
type Op string

const (
	OpCreate      Op = "create_auction"
	OpPlaceBid    Op = "place_bid"
	OpClose       Op = "close_auction"
	OpWithdraw    Op = "withdraw_refund"
	OpReadAuction Op = "read_auction"
	OpReadBid     Op = "read_bid"
	OpReadRefund  Op = "read_refund_balance"
)

type escrowAuction struct {
	id            string
	seller        string
	endTime       time.Time
	highestBid    int64
	highestBidder string
	autoAccept    int64
	closed        bool
	bids          map[string]*ledger.BidRecord // latest bid per bidder
}

// Ledger is an in-process escrow ledger with the AuctionEscrow contract's
// rules. State changes apply on submission; receipts become visible to the
// poller unless hidden, which models a transaction that lands late.
type Ledger struct {
	mu       sync.Mutex
	clock    clock.Clock
	poller   *ledger.Poller
	latency  time.Duration
	counter  uint64
	txSeq    uint64
	auctions map[string]*escrowAuction
	refunds  map[string]int64
	balances map[string]int64 // nil entry means unlimited
	receipts map[ledger.TxRef]ledger.Receipt
	hidden   map[ledger.TxRef]bool
	faults   map[Op][]error
	hideNext map[Op]int
}

type Option func(*Ledger)

// WithLatency delays every call, like a network round trip.
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

func New(clk clock.Clock, poller *ledger.Poller, opts ...Option) *Ledger {
	if poller == nil {
		poller = ledger.NewPoller(ledger.DefaultPollInterval, ledger.DefaultPollAttempts)
	}
	l := &Ledger{
		clock:    clk,
		poller:   poller,
		auctions: make(map[string]*escrowAuction),
		refunds:  make(map[string]int64),
		balances: make(map[string]int64),
		receipts: make(map[ledger.TxRef]ledger.Receipt),
		hidden:   make(map[ledger.TxRef]bool),
		faults:   make(map[Op][]error),
		hideNext: make(map[Op]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next call of op return err without touching state.
func (l *Ledger) FailNext(op Op, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], err)
}

// HideNextReceipt applies the next op but never shows its receipt.
func (l *Ledger) HideNextReceipt(op Op) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hideNext[op]++
}

// SetBalance caps what address can bid. Addresses without a balance are unlimited.
func (l *Ledger) SetBalance(address string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[normalize(address)] = amount
}

// ForceClose closes an auction directly on the ledger, as the contract's own
// time check or another client would.
func (l *Ledger) ForceClose(remoteID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.auctions[remoteID]; ok {
		a.closed = true
	}
}

func (l *Ledger) CreateAuction(ctx context.Context, seller string, endTime time.Time, autoAcceptPrice int64) (string, ledger.TxRef, error) {
	if err := l.pause(ctx); err != nil {
		return "", "", err
	}

	l.mu.Lock()
	if err := l.takeFault(OpCreate); err != nil {
		l.mu.Unlock()
		return "", "", err
	}
	if !endTime.After(l.clock.Now()) {
		l.mu.Unlock()
		return "", "", fmt.Errorf("%w: end time must be in the future", ledger.ErrReverted)
	}
	if autoAcceptPrice < 0 {
		l.mu.Unlock()
		return "", "", fmt.Errorf("%w: negative auto-accept price", ledger.ErrReverted)
	}
	l.counter++
	id := strconv.FormatUint(l.counter, 10)
	l.auctions[id] = &escrowAuction{
		id:         id,
		seller:     normalize(seller),
		endTime:    endTime.Truncate(time.Second),
		autoAccept: autoAcceptPrice,
		bids:       make(map[string]*ledger.BidRecord),
	}
	tx := l.submit(OpCreate, id)
	l.mu.Unlock()

	log.Debug().Str("component", "memory_ledger").Str("remote_id", id).Msg("auction created")

	receipt, err := l.poller.Wait(ctx, tx, l.fetchReceipt)
	if err != nil {
		return "", tx, err
	}
	return receipt.RemoteID, tx, nil
}

func (l *Ledger) PlaceBid(ctx context.Context, bidder, remoteID string, amount int64) (ledger.TxRef, error) {
	if err := l.pause(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	if err := l.takeFault(OpPlaceBid); err != nil {
		l.mu.Unlock()
		return "", err
	}
	a, ok := l.auctions[remoteID]
	if !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %w %s", ledger.ErrReverted, ledger.ErrUnknownAuction, remoteID)
	}
	switch {
	case a.closed:
		l.mu.Unlock()
		return "", fmt.Errorf("%w: auction closed", ledger.ErrReverted)
	case !l.clock.Now().Before(a.endTime):
		l.mu.Unlock()
		return "", fmt.Errorf("%w: auction ended", ledger.ErrReverted)
	case amount <= a.highestBid:
		l.mu.Unlock()
		return "", fmt.Errorf("%w: highest is %d", ledger.ErrBidTooLow, a.highestBid)
	}
	who := normalize(bidder)
	if bal, capped := l.balances[who]; capped && bal < amount {
		l.mu.Unlock()
		return "", ledger.ErrInsufficientFunds
	}
	if capped := l.hasBalance(who); capped {
		l.balances[who] -= amount
	}

	if a.highestBidder != "" {
		l.refunds[a.highestBidder] += a.highestBid
		if prev := a.bids[a.highestBidder]; prev != nil {
			prev.Refunded = true
		}
	}
	a.bids[who] = &ledger.BidRecord{Bidder: who, Amount: amount, Timestamp: l.clock.Now().UTC()}
	a.highestBid = amount
	a.highestBidder = who
	if a.autoAccept > 0 && amount >= a.autoAccept {
		a.closed = true
	}
	tx := l.submit(OpPlaceBid, remoteID)
	l.mu.Unlock()

	if _, err := l.poller.Wait(ctx, tx, l.fetchReceipt); err != nil {
		return tx, err
	}
	return tx, nil
}

func (l *Ledger) CloseAuction(ctx context.Context, caller, remoteID string) (ledger.TxRef, error) {
	if err := l.pause(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	if err := l.takeFault(OpClose); err != nil {
		l.mu.Unlock()
		return "", err
	}
	a, ok := l.auctions[remoteID]
	if !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %w %s", ledger.ErrReverted, ledger.ErrUnknownAuction, remoteID)
	}
	if a.closed {
		l.mu.Unlock()
		return "", nil
	}
	if l.clock.Now().Before(a.endTime) {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: auction still running", ledger.ErrReverted)
	}
	a.closed = true
	tx := l.submit(OpClose, remoteID)
	l.mu.Unlock()

	if _, err := l.poller.Wait(ctx, tx, l.fetchReceipt); err != nil {
		return tx, err
	}
	return tx, nil
}

func (l *Ledger) WithdrawRefund(ctx context.Context, address string) (ledger.TxRef, error) {
	if err := l.pause(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	if err := l.takeFault(OpWithdraw); err != nil {
		l.mu.Unlock()
		return "", err
	}
	who := normalize(address)
	amount := l.refunds[who]
	if amount == 0 {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: no refund pending", ledger.ErrReverted)
	}
	l.refunds[who] = 0
	if l.hasBalance(who) {
		l.balances[who] += amount
	}
	tx := l.submit(OpWithdraw, "")
	l.mu.Unlock()

	if _, err := l.poller.Wait(ctx, tx, l.fetchReceipt); err != nil {
		return tx, err
	}
	return tx, nil
}

func (l *Ledger) ReadAuction(ctx context.Context, remoteID string) (ledger.Snapshot, error) {
	if err := l.pause(ctx); err != nil {
		return ledger.Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFault(OpReadAuction); err != nil {
		return ledger.Snapshot{}, err
	}
	a, ok := l.auctions[remoteID]
	if !ok {
		return ledger.Snapshot{}, fmt.Errorf("%w: %s", ledger.ErrUnknownAuction, remoteID)
	}
	return ledger.Snapshot{
		RemoteID:        a.id,
		Seller:          a.seller,
		HighestBid:      a.highestBid,
		HighestBidder:   a.highestBidder,
		AutoAcceptPrice: a.autoAccept,
		IsClosed:        a.closed,
		EndTime:         a.endTime,
	}, nil
}

// ReadBid returns the bidder's latest bid, like the contract's getBid.
func (l *Ledger) ReadBid(ctx context.Context, remoteID, bidder string) (ledger.BidRecord, error) {
	if err := l.pause(ctx); err != nil {
		return ledger.BidRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFault(OpReadBid); err != nil {
		return ledger.BidRecord{}, err
	}
	a, ok := l.auctions[remoteID]
	if !ok {
		return ledger.BidRecord{}, fmt.Errorf("%w: %s", ledger.ErrUnknownAuction, remoteID)
	}
	who := normalize(bidder)
	if rec := a.bids[who]; rec != nil {
		return *rec, nil
	}
	return ledger.BidRecord{Bidder: who}, nil
}

func (l *Ledger) ReadRefundBalance(ctx context.Context, address string) (int64, error) {
	if err := l.pause(ctx); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFault(OpReadRefund); err != nil {
		return 0, err
	}
	return l.refunds[normalize(address)], nil
}

func (l *Ledger) fetchReceipt(_ context.Context, tx ledger.TxRef) (ledger.Receipt, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hidden[tx] {
		return ledger.Receipt{}, false, nil
	}
	r, ok := l.receipts[tx]
	return r, ok, nil
}

// submit records a receipt for a state change. Callers hold l.mu.
func (l *Ledger) submit(op Op, remoteID string) ledger.TxRef {
	l.txSeq++
	tx := ledger.TxRef(fmt.Sprintf("0xmem%060x", l.txSeq))
	l.receipts[tx] = ledger.Receipt{
		TxRef:       tx,
		Success:     true,
		BlockNumber: l.txSeq,
		RemoteID:    remoteID,
	}
	if l.hideNext[op] > 0 {
		l.hideNext[op]--
		l.hidden[tx] = true
	}
	return tx
}

func (l *Ledger) takeFault(op Op) error {
	queue := l.faults[op]
	if len(queue) == 0 {
		return nil
	}
	l.faults[op] = queue[1:]
	return queue[0]
}

func (l *Ledger) hasBalance(who string) bool {
	_, ok := l.balances[who]
	return ok
}

func (l *Ledger) pause(ctx context.Context) error {
	if l.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, ctx.Err())
	case <-time.After(l.latency):
		return nil
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
