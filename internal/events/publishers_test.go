package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/redis/go-redis/v9"

	"github.com/ksred/klear-escrow/internal/auction"
)

func TestRedisPublisher_PublishesEncodedEvent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	pub, err := NewRedisPublisher(ctx, mr.Addr(), "")
	assert.NoError(t, err)
	defer pub.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(ctx, DefaultRedisChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	assert.NoError(t, err)

	e := NewBidAdmitted("a1", auction.Bid{ID: "b1", Bidder: "0xalice", Amount: 10, State: auction.BidConfirmed}, t0)
	assert.NoError(t, pub.Publish(ctx, e))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	assert.NoError(t, err)
	check.Equal(t, DefaultRedisChannel, msg.Channel)

	var decoded struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Payload struct {
			BidID  string `json:"bidId"`
			Amount int64  `json:"amount"`
		} `json:"payload"`
	}
	assert.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
	check.Equal(t, e.ID, decoded.ID)
	check.Equal(t, "bid_admitted", decoded.Type)
	check.Equal(t, "b1", decoded.Payload.BidID)
	check.Equal(t, int64(10), decoded.Payload.Amount)
}

func TestRedisPublisher_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisPublisher(context.Background(), addr, "escrow:test")
	check.Error(t, err)
}

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	assert.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisher_PublishesPerTypeSubject(t *testing.T) {
	ns := runNATS(t)

	conn, err := nats.Connect(ns.ClientURL())
	assert.NoError(t, err)
	defer conn.Close()
	sub, err := conn.SubscribeSync(DefaultNATSSubject + ".>")
	assert.NoError(t, err)
	assert.NoError(t, conn.Flush())

	pub, err := NewNATSPublisher(ns.ClientURL(), "")
	assert.NoError(t, err)
	defer pub.Close()

	winner := auction.Bid{ID: "b2", Bidder: "0xbob", Amount: 15, State: auction.BidConfirmed}
	e := NewAuctionClosed(auction.ClosingOutcome{AuctionID: "a1", Reason: auction.ReasonPriceReached, Winner: &winner, ClosedAt: t0})
	assert.NoError(t, pub.Publish(context.Background(), e))

	msg, err := sub.NextMsg(2 * time.Second)
	assert.NoError(t, err)
	check.Equal(t, "escrow.events.auction_closed", msg.Subject)

	var decoded struct {
		AuctionID string `json:"auctionId"`
		Payload   struct {
			Reason string `json:"reason"`
		} `json:"payload"`
	}
	assert.NoError(t, json.Unmarshal(msg.Data, &decoded))
	check.Equal(t, "a1", decoded.AuctionID)
	check.Equal(t, "PRICE_REACHED", decoded.Payload.Reason)
}

func TestNATSPublisher_ConnectFailure(t *testing.T) {
	ns := runNATS(t)
	url := ns.ClientURL()
	ns.Shutdown()

	_, err := NewNATSPublisher(url, "")
	check.Error(t, err)
}
