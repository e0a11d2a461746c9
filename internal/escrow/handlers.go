package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/pagination"
)

// Handler provides HTTP endpoints for escrow records.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:contractId", h.GetEscrow)
	r.GET("/jobs/:jobId/escrows", h.ListJobEscrows)
}

// RegisterProtectedRoutes sets up routes that require an actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:contractId/fund", h.FundEscrow)
	r.POST("/escrows/:contractId/milestones/:index", h.CompleteMilestone)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, "Invalid request body")
		return
	}

	record, err := h.service.CreateRecord(c.Request.Context(), req)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": record})
}

// GetEscrow handles GET /v1/escrows/:contractId
func (h *Handler) GetEscrow(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("contractId"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": record})
}

// ListEscrows handles GET /v1/escrows?status=disputed
func (h *Handler) ListEscrows(c *gin.Context) {
	status := Status(c.Query("status"))
	if status == "" {
		apperrors.BadRequest(c, "status query parameter is required")
		return
	}

	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	records, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// ListJobEscrows handles GET /v1/jobs/:jobId/escrows
func (h *Handler) ListJobEscrows(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	records, err := h.service.ListByJob(c.Request.Context(), c.Param("jobId"), limit)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// FundEscrow handles POST /v1/escrows/:contractId/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	record, err := h.service.Fund(c.Request.Context(), c.Param("contractId"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": record})
}

// CompleteMilestone handles POST /v1/escrows/:contractId/milestones/:index
func (h *Handler) CompleteMilestone(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		apperrors.Respond(c, ErrMilestoneOutOfRange.WithMessage("milestone index must be an integer"))
		return
	}

	record, err := h.service.CompleteMilestone(c.Request.Context(), c.Param("contractId"), index)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": record})
}
