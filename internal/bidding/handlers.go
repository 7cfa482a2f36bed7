package bidding

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/pkg/response"
)

type placeBidBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// GinHandlers contains HTTP handlers for auction endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for auction endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateAuctionHandler handles POST requests to create auctions
// The creator is the wallet address in the JWT
func (h *GinHandlers) CreateAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := auth.GetAddress(c)
		if address == "" {
			response.Unauthorized(c, "Missing wallet address in token")
			return
		}

		var req CreateAuctionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		req.Creator = address

		view, err := h.service.CreateAuction(c.Request.Context(), req)
		respond(c, view, err)
	}
}

// ListAuctionsHandler handles GET requests listing auctions
// Query parameter: status (ACTIVE or CLOSED, optional)
func (h *GinHandlers) ListAuctionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := h.service.List(c.Query("status"))
		respond(c, views, err)
	}
}

// GetAuctionHandler handles GET requests for a single auction
// URL parameter: auction_id
func (h *GinHandlers) GetAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.Get(c.Param("auction_id"))
		respond(c, view, err)
	}
}

// PlaceBidHandler handles POST requests to bid on an auction
// Requires a valid JWT token and idempotency key in headers
// Request body: {"amount": "12.50"} in USDC
func (h *GinHandlers) PlaceBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		address := auth.GetAddress(c)
		if address == "" {
			response.Unauthorized(c, "Missing wallet address in token")
			return
		}

		var body placeBidBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		amount, err := ToMinorUnits(body.Amount)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.PlaceBid(c.Request.Context(), PlaceBidRequest{
			AuctionID:      c.Param("auction_id"),
			Bidder:         address,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
		})
		respond(c, result, err)
	}
}

// CloseAuctionHandler handles POST requests asking for a time check
// URL parameter: auction_id
func (h *GinHandlers) CloseAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.CloseAuction(c.Request.Context(), c.Param("auction_id"))
		respond(c, view, err)
	}
}

// PendingRefundHandler handles GET requests for an address's refund balance
// URL parameter: address
func (h *GinHandlers) PendingRefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.PendingRefund(c.Request.Context(), c.Param("address"))
		respond(c, view, err)
	}
}

// WithdrawHandler handles POST requests withdrawing the caller's refunds
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := auth.GetAddress(c)
		if address == "" {
			response.Unauthorized(c, "Missing wallet address in token")
			return
		}

		result, err := h.service.Withdraw(c.Request.Context(), address)
		respond(c, result, err)
	}
}

func respond(c *gin.Context, data interface{}, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrMissingBidder),
		errors.Is(err, ErrInvalidStatus):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrKeyReused):
		response.Conflict(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
