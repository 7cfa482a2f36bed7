package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/auction"
)

var (
	ErrNotFound = errors.New("auction not found")
	ErrExists   = errors.New("auction already registered")
)

// Store persists auctions. A nil Store keeps the registry purely in memory.
type Store interface {
	SaveAuction(ctx context.Context, a *auction.Auction) error
	LoadAll(ctx context.Context) (map[string]*auction.Auction, error)
}

type entry struct {
	mu      sync.Mutex
	auction *auction.Auction
}

// Registry owns every local auction. Each auction has its own exclusive
// section; callers must not make ledger calls from inside Update.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   Store
}

// New loads persisted auctions from store.
func New(ctx context.Context, store Store) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*entry),
		store:   store,
	}
	if store == nil {
		return r, nil
	}

	loaded, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load auctions: %w", err)
	}
	now := time.Now()
	recovered := 0
	for id, a := range loaded {
		// Requests that were awaiting ledger confirmation died with the process.
		if auction.RecoverPending(a, now) {
			recovered++
			if err := store.SaveAuction(ctx, a); err != nil {
				log.Error().Err(err).Str("component", "registry").Str("auction_id", id).Msg("failed to persist recovered auction")
			}
		}
		r.entries[id] = &entry{auction: a}
	}
	log.Info().
		Str("component", "registry").
		Int("auctions", len(loaded)).
		Int("recovered", recovered).
		Msg("registry loaded")
	return r, nil
}

// Create registers and persists a new auction.
func (r *Registry) Create(ctx context.Context, a *auction.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, a.ID)
	}
	if r.store != nil {
		if err := r.store.SaveAuction(ctx, a); err != nil {
			return fmt.Errorf("failed to persist auction: %w", err)
		}
	}
	r.entries[a.ID] = &entry{auction: a.Clone()}
	return nil
}

// Get returns a copy of the auction.
func (r *Registry) Get(id string) (*auction.Auction, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auction.Clone(), nil
}

// Update runs fn inside the auction's exclusive section on a working copy.
// The copy replaces the stored auction only if fn succeeds and the change
// persists; otherwise the auction is left as it was.
func (r *Registry) Update(ctx context.Context, id string, fn func(a *auction.Auction) error) (*auction.Auction, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.auction.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.SaveAuction(ctx, working); err != nil {
			return nil, fmt.Errorf("failed to persist auction %s: %w", id, err)
		}
	}
	e.auction = working
	return working.Clone(), nil
}

// List returns copies of all auctions, newest first. An empty status matches all.
func (r *Registry) List(status auction.Status) []*auction.Auction {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*auction.Auction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if status == "" || e.auction.Status == status {
			out = append(out, e.auction.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Select returns the ids of auctions matching keep.
func (r *Registry) Select(keep func(a *auction.Auction) bool) []string {
	var ids []string
	for _, a := range r.List("") {
		if keep(a) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}
