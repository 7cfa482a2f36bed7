package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-escrow/internal/auction"
	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/bidding"
	"github.com/ksred/klear-escrow/internal/clock"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/ledger/memory"
	"github.com/ksred/klear-escrow/internal/reconcile"
	"github.com/ksred/klear-escrow/internal/refunds"
	"github.com/ksred/klear-escrow/internal/registry"
)

const (
	numAuctions = 5
	bidsPerUser = 20
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func main() {
	mode := flag.String("mode", "scenarios", "scenarios (in-process) or load (against a running server)")
	server := flag.String("server", "http://localhost:8080", "server address for load mode")
	flag.Parse()

	switch *mode {
	case "scenarios":
		if err := runScenarios(); err != nil {
			log.Fatal().Err(err).Msg("Scenario failed")
		}
	case "load":
		if err := runLoad(*server); err != nil {
			log.Fatal().Err(err).Msg("Load simulation failed")
		}
	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode")
	}
}

// world is an in-process engine on a manual clock and the memory ledger
type world struct {
	ctx     context.Context
	clk     *clock.Manual
	ledger  *memory.Ledger
	service *bidding.Service
	proc    *reconcile.Processor
}

func newWorld() (*world, error) {
	ctx := context.Background()
	clk := clock.NewManual(time.Now().UTC().Truncate(time.Second))
	l := memory.New(clk, ledger.NewPoller(time.Millisecond, ledger.DefaultPollAttempts))
	reg, err := registry.New(ctx, nil)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(64)
	view := refunds.NewView(l, clk)
	return &world{
		ctx:     ctx,
		clk:     clk,
		ledger:  l,
		service: bidding.NewService(reg, l, clk, bus, view, nil),
		proc:    reconcile.NewProcessor(reg, l, clk, bus, view, reconcile.Config{}),
	}, nil
}

// create opens an auction ending in seconds. autoAccept is in minor units, 0 for none.
func (w *world) create(seconds int, autoAccept int64) (*bidding.AuctionView, error) {
	end := w.clk.Now().Add(time.Duration(seconds) * time.Second)
	req := bidding.CreateAuctionRequest{Creator: "0xseller", EndTime: &end}
	if autoAccept > 0 {
		price := decimal.New(autoAccept, -6)
		req.AutoAcceptPrice = &price
	}
	return w.service.CreateAuction(w.ctx, req)
}

func (w *world) bid(auctionID, bidder string, amount int64) (*bidding.BidResult, error) {
	return w.service.PlaceBid(w.ctx, bidding.PlaceBidRequest{AuctionID: auctionID, Bidder: bidder, Amount: amount})
}

func expect(cond bool, format string, args ...interface{}) error {
	if !cond {
		return fmt.Errorf(format, args...)
	}
	return nil
}

// runScenarios replays the four reference scenarios against the engine
func runScenarios() error {
	scenarios := []struct {
		name string
		run  func(w *world) error
	}{
		{"A: time limit close, equal bid rejected", scenarioTimeLimit},
		{"B: auto-accept close", scenarioAutoAccept},
		{"C: ledger close folded in", scenarioRemoteClose},
		{"D: timed-out bid adopted", scenarioAdoptTimedOut},
	}

	for _, s := range scenarios {
		w, err := newWorld()
		if err != nil {
			return err
		}
		start := time.Now()
		if err := s.run(w); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		log.Info().Str("scenario", s.name).Dur("took", time.Since(start)).Msg("Scenario passed")
	}
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("All escrow scenarios passed")
	fmt.Println(strings.Repeat("=", 80))
	return nil
}

func scenarioTimeLimit(w *world) error {
	a, err := w.create(60, 0)
	if err != nil {
		return err
	}
	w.clk.Advance(time.Second)
	if _, err := w.bid(a.ID, "0xalice", 10); err != nil {
		return err
	}
	w.clk.Advance(time.Second)
	_, err = w.bid(a.ID, "0xbob", 10)
	if rejection, ok := auction.AsRejection(err); !ok || rejection.Reason != auction.RejectTooLow {
		return fmt.Errorf("equal bid: want TOO_LOW, got %v", err)
	}
	w.clk.Advance(59 * time.Second)
	w.proc.RunOnce(w.ctx)

	got, err := w.service.Get(a.ID)
	if err != nil {
		return err
	}
	if err := expect(got.Status == "CLOSED" && got.ClosedReason == "TIME_LIMIT", "want TIME_LIMIT close, got %s/%s", got.Status, got.ClosedReason); err != nil {
		return err
	}
	return expect(got.Winner != nil && got.Winner.Amount == 10, "want winner 10, got %+v", got.Winner)
}

func scenarioAutoAccept(w *world) error {
	a, err := w.create(3600, 50)
	if err != nil {
		return err
	}
	if _, err := w.bid(a.ID, "0xalice", 20); err != nil {
		return err
	}
	result, err := w.bid(a.ID, "0xbob", 50)
	if err != nil {
		return err
	}
	if err := expect(result.Auction.ClosedReason == "PRICE_REACHED", "want PRICE_REACHED, got %q", result.Auction.ClosedReason); err != nil {
		return err
	}
	_, err = w.bid(a.ID, "0xcarol", 100)
	return expect(errors.Is(err, auction.ErrAuctionClosed), "want AUCTION_CLOSED, got %v", err)
}

func scenarioRemoteClose(w *world) error {
	a, err := w.create(3600, 0)
	if err != nil {
		return err
	}
	first, err := w.bid(a.ID, "0xalice", 10)
	if err != nil {
		return err
	}
	// Another client bids and the ledger closes without this process seeing it.
	if _, err := w.ledger.PlaceBid(w.ctx, "0xbob", first.Auction.RemoteID, 30); err != nil {
		return err
	}
	w.ledger.ForceClose(first.Auction.RemoteID)
	w.proc.RunOnce(w.ctx)

	got, err := w.service.Get(a.ID)
	if err != nil {
		return err
	}
	if err := expect(got.ClosedReason == "TIME_LIMIT", "want TIME_LIMIT, got %q", got.ClosedReason); err != nil {
		return err
	}
	return expect(got.Winner != nil && got.Winner.Amount == 30, "want winner 30, got %+v", got.Winner)
}

func scenarioAdoptTimedOut(w *world) error {
	a, err := w.create(3600, 0)
	if err != nil {
		return err
	}
	if _, err := w.bid(a.ID, "0xalice", 10); err != nil {
		return err
	}
	w.ledger.HideNextReceipt(memory.OpPlaceBid)
	result, err := w.bid(a.ID, "0xbob", 25)
	if !errors.Is(err, ledger.ErrTimeout) {
		return fmt.Errorf("want timeout, got %v", err)
	}
	w.proc.RunOnce(w.ctx)

	got, err := w.service.Get(a.ID)
	if err != nil {
		return err
	}
	if err := expect(got.HighestBid == 25 && got.InDoubtBids == 0, "want adopted 25, got %d with %d in doubt", got.HighestBid, got.InDoubtBids); err != nil {
		return err
	}
	for _, b := range got.Bids {
		if b.ID == result.Bid.ID {
			return expect(b.State == "CONFIRMED", "want adopted bid CONFIRMED, got %s", b.State)
		}
	}
	return fmt.Errorf("adopted bid %s missing", result.Bid.ID)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Minimum int64  `json:"minimum"`
	} `json:"error"`
}

// simulationClient is one bidder talking to the escrow API
type simulationClient struct {
	baseURL   string
	address   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string, account int, stats map[string]*routeStats) (*simulationClient, error) {
	apiKey, address := auth.TestAccount(account)
	sc := &simulationClient{
		baseURL: baseURL,
		address: address,
		client:  &http.Client{Timeout: 60 * time.Second},
		stats:   stats,
	}

	var token auth.TokenResponse
	_, err := sc.call("auth", "POST", "/api/v1/auth/token", map[string]string{
		"api_key":    apiKey,
		"api_secret": auth.TestAPISecret,
	}, nil, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token
	return sc, nil
}

// call sends a request and decodes the envelope's data into out
func (sc *simulationClient) call(route, method, path string, body interface{}, headers map[string]string, out interface{}) (*envelope, error) {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[route].addDuration(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewBuffer(payload)
	}
	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("Response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &env, err
		}
	}
	failed = resp.StatusCode >= 500
	if !env.Success && env.Error != nil {
		return &env, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	return &env, nil
}

// runLoad drives concurrent bidders against a running server
func runLoad(baseURL string) error {
	stats := map[string]*routeStats{
		"auth":   {name: "Authentication"},
		"create": {name: "Create Auction"},
		"bid":    {name: "Place Bid"},
		"get":    {name: "Get Auction"},
	}

	seller, err := newSimulationClient(baseURL, 0, stats)
	if err != nil {
		return err
	}

	var auctionIDs []string
	for i := 0; i < numAuctions; i++ {
		var view bidding.AuctionView
		_, err := seller.call("create", "POST", "/api/v1/auctions", map[string]interface{}{
			"metadata":         map[string]string{"title": fmt.Sprintf("Lot %d", i+1)},
			"duration_minutes": 10,
		}, nil, &view)
		if err != nil {
			return fmt.Errorf("failed to create auction: %w", err)
		}
		auctionIDs = append(auctionIDs, view.ID)
		log.Info().Str("auction_id", view.ID).Msg("Auction created")
	}

	var (
		wg                           sync.WaitGroup
		mu                           sync.Mutex
		confirmed, rejected, pending int
	)
	startTime := time.Now()
	for account := 1; account < auth.TestAccounts; account++ {
		bidder, err := newSimulationClient(baseURL, account, stats)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(sc *simulationClient) {
			defer wg.Done()
			for i := 0; i < bidsPerUser; i++ {
				auctionID := auctionIDs[rand.Intn(len(auctionIDs))]
				var current bidding.AuctionView
				if _, err := sc.call("get", "GET", "/api/v1/auctions/"+auctionID, nil, nil, &current); err != nil {
					continue
				}
				amount := current.MinimumBid + int64(rand.Intn(1_000_000))

				var result bidding.BidResult
				env, err := sc.call("bid", "POST", "/api/v1/auctions/"+auctionID+"/bids",
					map[string]string{"amount": bidding.DisplayAmount(amount)},
					map[string]string{"Idempotency-Key": uuid.New().String()}, &result)

				mu.Lock()
				switch {
				case err == nil:
					confirmed++
				case env != nil && env.Error != nil && env.Error.Code == "CONFIRMATION_PENDING":
					pending++
				default:
					rejected++
				}
				mu.Unlock()

				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(bidder)
	}
	wg.Wait()

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW AUCTION LOAD SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Auctions:   %d
Confirmed:  %d
Rejected:   %d
Pending:    %d
Duration:   %v

`, len(auctionIDs), confirmed, rejected, pending, duration.Round(time.Millisecond))

	for _, id := range auctionIDs {
		var view bidding.AuctionView
		if _, err := seller.call("get", "GET", "/api/v1/auctions/"+id, nil, nil, &view); err != nil {
			continue
		}
		fmt.Printf("%s  %-6s  highest %s  bids %d\n", id, view.Status, view.DisplayHighest, len(view.Bids))
	}

	printPerformanceStats(stats)
	return nil
}

// printPerformanceStats prints latency figures per route
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nRoute Performance")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-16s %6s %6s %10s %10s %10s %10s\n", "Route", "Calls", "Fails", "Mean", "Median", "P95", "P99")
	for _, key := range []string{"auth", "create", "get", "bid"} {
		rs := stats[key]
		_, _, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-16s %6d %6d %10v %10v %10v %10v\n", rs.name, rs.totalCalls, rs.failures,
			mean.Round(time.Microsecond), median.Round(time.Microsecond),
			p95.Round(time.Microsecond), p99.Round(time.Microsecond))
	}
}
