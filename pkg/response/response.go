package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-escrow/internal/auction"
	"github.com/ksred/klear-escrow/internal/ledger"
	"github.com/ksred/klear-escrow/internal/registry"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Minimum is the lowest acceptable bid when a bid was too low.
	Minimum int64 `json:"minimum,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"

	ErrCodeAuctionClosed       = "AUCTION_CLOSED"
	ErrCodeAuctionExpired      = "AUCTION_EXPIRED"
	ErrCodeBidTooLow           = "BID_TOO_LOW"
	ErrCodeLedgerRejected      = "LEDGER_REJECTED"
	ErrCodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrCodeConfirmationPending = "CONFIRMATION_PENDING"
	ErrCodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, registry.ErrNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, registry.ErrExists):
		Conflict(c, "Resource already exists")
	case errors.Is(err, ledger.ErrTimeout):
		Accepted(c, data, "Submitted to the escrow ledger; confirmation is still pending")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// Accepted sends a 202 response for an operation whose outcome is not yet known
func Accepted(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusAccepted, Response{
		Success: false,
		Data:    data,
		Error: &Error{
			Code:    ErrCodeConfirmationPending,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	c.JSON(http.StatusTooManyRequests, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeRateLimited,
			Message: message,
		},
	})
}

func fail(c *gin.Context, status int, e Error) {
	c.JSON(status, Response{Success: false, Error: &e})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	if rejection, ok := auction.AsRejection(err); ok {
		switch rejection.Reason {
		case auction.RejectTooLow:
			fail(c, http.StatusUnprocessableEntity, Error{
				Code:    ErrCodeBidTooLow,
				Message: rejection.Error(),
				Minimum: rejection.Minimum,
			})
		case auction.RejectExpired:
			fail(c, http.StatusConflict, Error{Code: ErrCodeAuctionExpired, Message: rejection.Error()})
		default:
			fail(c, http.StatusConflict, Error{Code: ErrCodeAuctionClosed, Message: rejection.Error()})
		}
		return
	}

	switch {
	case errors.Is(err, auction.ErrInvalidAutoAccept),
		errors.Is(err, auction.ErrInvalidEndTime),
		errors.Is(err, auction.ErrMissingCreator):
		fail(c, http.StatusBadRequest, Error{Code: ErrCodeValidationFailed, Message: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		fail(c, http.StatusPaymentRequired, Error{Code: ErrCodeInsufficientFunds, Message: err.Error()})
	case ledger.IsRejection(err):
		fail(c, http.StatusConflict, Error{Code: ErrCodeLedgerRejected, Message: err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		fail(c, http.StatusServiceUnavailable, Error{Code: ErrCodeLedgerUnavailable, Message: "Escrow ledger unavailable, try again later"})
	default:
		log.Error().Str("component", "response").Err(err).Msg("unhandled error")
		InternalError(c, "An unexpected error occurred")
	}
} 