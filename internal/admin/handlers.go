package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/engine"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/tiers"
	"github.com/mbd888/coverpool/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	protocol   Protocol
	clock      engine.Clock
	reconciler Reconciler
	sweeper    Sweeper
	logger     *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(p Protocol, clock engine.Clock, logger *slog.Logger) *Handler {
	return &Handler{protocol: p, clock: clock, logger: logger}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithSweeper sets the lapsed-policy sweeper.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// RegisterRoutes sets up owner routes. The group must require auth; the
// engine rejects callers other than the owner.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/tiers", h.registerTier)
	r.PUT("/admin/parameters", h.updateParameters)
	r.POST("/admin/ownership", h.transferOwnership)
	r.POST("/admin/rewards/fund", h.fundRewardPool)
	r.PUT("/admin/risk/:address", validation.AddressParamMiddleware(), h.setRiskProfile)
	r.POST("/admin/claims/:address/:claimId/adjudicate", validation.AddressParamMiddleware(), h.adjudicateClaim)
	r.POST("/admin/policies/:address/terminate", validation.AddressParamMiddleware(), h.terminatePolicy)
}

// RegisterOpsRoutes sets up operator routes. The group must run
// auth.RequireAdmin.
func (h *Handler) RegisterOpsRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.getReconciliation)
	r.POST("/admin/reconciliation", h.triggerReconciliation)
	r.POST("/admin/policies/expire-lapsed", h.expireLapsed)
}

func (h *Handler) call(c *gin.Context) protocol.Call {
	return engine.Call(c, h.clock)
}

func invalidBody(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func (h *Handler) registerTier(c *gin.Context) {
	var req tiers.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, "id, name and coverageMultiplier are required")
		return
	}
	tier, err := h.protocol.RegisterTier(c.Request.Context(), h.call(c), req)
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tier": tier})
}

func (h *Handler) updateParameters(c *gin.Context) {
	var req protocol.Params
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, "basePremium and claimCeiling are required")
		return
	}
	state, err := h.protocol.UpdateParameters(c.Request.Context(), h.call(c), req)
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *Handler) transferOwnership(c *gin.Context) {
	var req OwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, "newOwner is required")
		return
	}
	state, err := h.protocol.TransferOwnership(c.Request.Context(), h.call(c), req.NewOwner)
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *Handler) fundRewardPool(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, "amount is required")
		return
	}
	state, err := h.protocol.FundRewardPool(c.Request.Context(), h.call(c), req.Amount)
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *Handler) setRiskProfile(c *gin.Context) {
	var req risk.ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, "invalid risk profile body")
		return
	}
	profile, err := h.protocol.SetRiskProfile(c.Request.Context(), h.call(c), c.Param("address"), req)
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile, "score": risk.Score(profile)})
}

func (h *Handler) adjudicateClaim(c *gin.Context) {
	id, ok := validation.Uint64Param(c.Param("claimId"))
	if !ok {
		invalidBody(c, "claimId must be an unsigned integer")
		return
	}
	var req claims.AdjudicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c, "verdict is required")
		return
	}
	claim, err := h.protocol.AdjudicateClaim(c.Request.Context(), h.call(c), c.Param("address"), id, req.Verdict, req.Payout)
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

func (h *Handler) terminatePolicy(c *gin.Context) {
	p, err := h.protocol.TerminatePolicy(c.Request.Context(), h.call(c), c.Param("address"))
	if err != nil {
		engine.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// getReconciliation returns the last report, running a check if none exists.
func (h *Handler) getReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "reconciliation not configured"})
		return
	}
	if report := h.reconciler.LastReport(); report != nil {
		c.JSON(http.StatusOK, gin.H{"report": report})
		return
	}
	h.triggerReconciliation(c)
}

// triggerReconciliation runs an on-demand custody reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "reconciliation not configured"})
		return
	}
	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// expireLapsed writes the expired status for lapsed policies now instead
// of waiting for the next sweep.
func (h *Handler) expireLapsed(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "expiry sweeper not configured"})
		return
	}
	n, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Error("expiry sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": n, "height": h.clock.Now()})
}
