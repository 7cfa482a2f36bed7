package bidding

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler pushes bus events to a websocket client.
// Query parameter: auction_id (optional filter)
func StreamHandler(bus *events.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		auctionID := c.Query("auction_id")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Str("component", "event_stream").Err(err).Msg("failed to upgrade connection")
			return
		}
		defer conn.Close()

		logger := log.With().
			Str("component", "event_stream").
			Str("client_id", uuid.New().String()).
			Str("auction_id", auctionID).
			Logger()

		sub, cancel := bus.Subscribe()
		defer cancel()
		logger.Debug().Int("subscribers", bus.Subscribers()).Msg("client connected")

		// The read pump only handles pongs and notices the client leaving.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				logger.Debug().Msg("client disconnected")
				return
			case <-c.Request.Context().Done():
				return
			case e, ok := <-sub:
				if !ok {
					return
				}
				if auctionID != "" && e.AuctionID != auctionID {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(e); err != nil {
					logger.Debug().Err(err).Msg("write failed")
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
