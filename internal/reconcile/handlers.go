package reconcile

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-escrow/internal/registry"
	"github.com/ksred/klear-escrow/pkg/response"
)

type runResult struct {
	Ran bool `json:"ran"`
}

// GinHandlers contains operator endpoints for reconciliation
type GinHandlers struct {
	processor *Processor
	registry  *registry.Registry
}

func NewGinHandlers(processor *Processor, reg *registry.Registry) *GinHandlers {
	return &GinHandlers{
		processor: processor,
		registry:  reg,
	}
}

// RunHandler triggers a reconciliation pass. ran is false if one was already running.
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ran := h.processor.RunOnce(c.Request.Context())
		response.Success(c, runResult{Ran: ran})
	}
}

// SyncStatusHandler returns an auction's reconciliation record
// URL parameter: auction_id
func (h *GinHandlers) SyncStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := h.registry.Get(c.Param("auction_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, a.Sync)
	}
}
