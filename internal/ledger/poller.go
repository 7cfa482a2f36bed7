package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 30
)

// ReceiptFetcher looks up a receipt. found=false means the transaction is still pending.
type ReceiptFetcher func(ctx context.Context, tx TxRef) (receipt Receipt, found bool, err error)

// Poller waits for transaction receipts at a fixed interval with a bounded
// number of attempts. It resolves to a receipt or ErrTimeout, never hangs.
type Poller struct {
	interval time.Duration
	attempts int
}

func NewPoller(interval time.Duration, attempts int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	return &Poller{interval: interval, attempts: attempts}
}

func (p *Poller) Attempts() int {
	return p.attempts
}

// Wait polls fetch until a receipt appears. Fetch errors count as attempts.
func (p *Poller) Wait(ctx context.Context, tx TxRef, fetch ReceiptFetcher) (Receipt, error) {
	logger := log.With().
		Str("component", "receipt_poller").
		Str("tx_ref", string(tx)).
		Logger()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		receipt, found, err := fetch(ctx, tx)
		switch {
		case err != nil:
			lastErr = err
			logger.Debug().Err(err).Int("attempt", attempt).Msg("receipt lookup failed")
		case found:
			logger.Debug().Int("attempt", attempt).Bool("success", receipt.Success).Msg("receipt confirmed")
			return receipt, nil
		}

		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	logger.Warn().Int("attempts", p.attempts).Msg("no receipt within poll limit")
	if lastErr != nil {
		return Receipt{}, fmt.Errorf("%w after %d attempts: %v", ErrTimeout, p.attempts, lastErr)
	}
	return Receipt{}, fmt.Errorf("%w after %d attempts", ErrTimeout, p.attempts)
}
