package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/auth"
	"github.com/PlayraLive/h-ai-sub005/internal/pagination"
	"github.com/PlayraLive/h-ai-sub005/internal/settlement"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up read-only dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/escrows/:contractId/disputes", h.ListContractDisputes)
	r.GET("/jobs/:jobId/disputes", h.ListJobDisputes)
}

// RegisterProtectedRoutes sets up routes that require an actor. Role
// checks are applied per route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.CreateDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/cancel", h.CancelDispute)
	r.POST("/disputes/:id/arbitrator", auth.RequireRole(auth.RoleAdmin), h.AssignArbitrator)
	r.POST("/disputes/:id/admin-call", h.CallAdmin)
	r.POST("/disputes/:id/admin-call/acknowledge", auth.RequireRole(auth.RoleAdmin), h.AcknowledgeAdminCall)
	r.POST("/disputes/:id/admin-call/resolve", auth.RequireRole(auth.RoleAdmin), h.ResolveAdminCall)
	r.POST("/disputes/:id/resolve", auth.RequireRole(auth.RoleArbitrator, auth.RoleAdmin), h.ResolveDispute)
}

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, "Invalid request body")
		return
	}
	if req.InitiatorID == "" {
		if actor, ok := auth.GetActor(c); ok {
			req.InitiatorID = actor.ID
		}
	}

	d, err := h.manager.CreateDispute(c.Request.Context(), req)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListContractDisputes handles GET /v1/escrows/:contractId/disputes
func (h *Handler) ListContractDisputes(c *gin.Context) {
	limit, cursor, err := pageParams(c)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	items, err := h.manager.ListByContract(c.Request.Context(), c.Param("contractId"), limit+1, WithCursor(cursor))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	respondPage(c, items, limit)
}

// ListJobDisputes handles GET /v1/jobs/:jobId/disputes
func (h *Handler) ListJobDisputes(c *gin.Context) {
	limit, cursor, err := pageParams(c)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	items, err := h.manager.ListByJob(c.Request.Context(), c.Param("jobId"), limit+1, WithCursor(cursor))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	respondPage(c, items, limit)
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, "Invalid request body")
		return
	}
	if actor, ok := auth.GetActor(c); ok && req.SubmittedBy == "" {
		req.SubmittedBy = actor.ID
	}

	item, err := h.manager.AddEvidence(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": item})
}

// AssignArbitrator handles POST /v1/disputes/:id/arbitrator
func (h *Handler) AssignArbitrator(c *gin.Context) {
	var req struct {
		ArbitratorID string `json:"arbitratorId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, "Invalid request body")
		return
	}

	d, err := h.manager.AssignArbitrator(c.Request.Context(), c.Param("id"), req.ArbitratorID)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CallAdmin handles POST /v1/disputes/:id/admin-call
func (h *Handler) CallAdmin(c *gin.Context) {
	var req AdminCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, "Invalid request body")
		return
	}

	d, err := h.manager.CallAdmin(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AcknowledgeAdminCall handles POST /v1/disputes/:id/admin-call/acknowledge
func (h *Handler) AcknowledgeAdminCall(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	d, err := h.manager.AcknowledgeAdminCall(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveAdminCall handles POST /v1/disputes/:id/admin-call/resolve
func (h *Handler) ResolveAdminCall(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperrors.BadRequest(c, "Invalid request body")
			return
		}
	}

	actor, _ := auth.GetActor(c)
	d, err := h.manager.ResolveAdminCall(c.Request.Context(), c.Param("id"), actor.ID, req.Notes)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
//
// Responds 200 once the payout is confirmed and 202 while the receipt is
// still pending.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, "Invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		actor, _ := auth.GetActor(c)
		req.ResolvedBy = actor.ID
	}

	result, err := h.manager.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	status := http.StatusOK
	if result.Status == settlement.ResultPendingConfirmation {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"result": result})
}

// CancelDispute handles POST /v1/disputes/:id/cancel
func (h *Handler) CancelDispute(c *gin.Context) {
	d, err := h.manager.CancelDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondPage(c *gin.Context, items []*Dispute, limit int) {
	page := pagination.Paginate(items, limit)
	if page.Items == nil {
		page.Items = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

func pageParams(c *gin.Context) (int, *pagination.Cursor, error) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		return 0, nil, err
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		return 0, nil, err
	}
	return limit, cursor, nil
}
