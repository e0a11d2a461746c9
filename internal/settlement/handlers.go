package settlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
)

// Handler provides HTTP endpoints for settlements.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up read-only settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlements/:key", h.GetSettlement)
	r.GET("/escrows/:contractId/settlements", h.ListSettlements)
}

// RegisterProtectedRoutes sets up routes that move funds.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:contractId/release", h.ReleaseCompleted)
}

// ReleaseCompleted handles POST /v1/escrows/:contractId/release
func (h *Handler) ReleaseCompleted(c *gin.Context) {
	result, err := h.engine.SettleCompletion(c.Request.Context(), c.Param("contractId"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	RespondResult(c, result)
}

// GetSettlement handles GET /v1/settlements/:key
func (h *Handler) GetSettlement(c *gin.Context) {
	s, err := h.engine.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// ListSettlements handles GET /v1/escrows/:contractId/settlements
func (h *Handler) ListSettlements(c *gin.Context) {
	items, err := h.engine.ListByContract(c.Request.Context(), c.Param("contractId"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settlements": items,
		"count":       len(items),
	})
}

// RespondResult writes 200 for a settled result and 202 while the
// transaction awaits confirmation.
func RespondResult(c *gin.Context, result *Result) {
	status := http.StatusOK
	if result.Status == ResultPendingConfirmation {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"result": result})
}
