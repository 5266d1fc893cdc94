package engine

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/auth"
	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/pagination"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/stakes"
	"github.com/mbd888/coverpool/internal/validation"
)

// Handler provides HTTP endpoints for the coverage protocol.
type Handler struct {
	engine *Engine
	clock  Clock
	logger *slog.Logger
}

// NewHandler creates a new engine handler
func NewHandler(engine *Engine, clock Clock, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, clock: clock, logger: logger}
}

// RegisterRoutes sets up public read routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/state", h.GetState)
	r.GET("/tiers", h.ListTiers)
	r.GET("/tiers/:id", h.GetTier)
	r.GET("/premium", h.ComputePremium)

	accounts := r.Group("/accounts/:address")
	accounts.Use(validation.AddressParamMiddleware())
	accounts.GET("/policy", h.GetPolicy)
	accounts.GET("/claims", h.ListClaims)
	accounts.GET("/claims/:claimId", h.GetClaim)
	accounts.GET("/risk", h.GetRiskProfile)
	accounts.GET("/risk/assessments", h.ListAssessments)
	accounts.GET("/stake", h.GetStakeAccount)
}

// RegisterProtectedRoutes sets up routes where the API key's account is
// the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/policies", h.PurchasePolicy)
	r.POST("/policies/:address/expire", validation.AddressParamMiddleware(), h.ExpirePolicy)
	r.POST("/claims", h.SubmitClaim)
	r.POST("/stakes", h.Stake)
	r.POST("/stakes/rewards", h.ClaimRewards)
	r.POST("/stakes/unstake", h.Unstake)
}

// Call builds the operation context for an authenticated request at the
// current block height.
func Call(c *gin.Context, clock Clock) protocol.Call {
	return protocol.NewCall(auth.GetAuthenticatedAccount(c), clock.Now())
}

// RespondError writes err as {"error": code, "message": text} with the
// status for its kind. Unclassified errors are logged and masked.
func RespondError(c *gin.Context, logger *slog.Logger, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Record not found"})
		return
	}
	status := protocol.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": protocol.Code(err), "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

// --- Reads ---

// GetState handles GET /state
func (h *Handler) GetState(c *gin.Context) {
	state, err := h.engine.GetState(c.Request.Context())
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "height": h.clock.Now()})
}

// ListTiers handles GET /tiers
func (h *Handler) ListTiers(c *gin.Context) {
	ts, err := h.engine.ListTiers(c.Request.Context())
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": ts, "count": len(ts)})
}

// GetTier handles GET /tiers/:id
func (h *Handler) GetTier(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		badRequest(c, "tier id must be a positive integer")
		return
	}
	tier, err := h.engine.GetTier(c.Request.Context(), uint32(id))
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidParameters) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tier_not_found", "message": err.Error()})
			return
		}
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier})
}

// ComputePremium handles GET /premium?tierId=&coverage=&account=
func (h *Handler) ComputePremium(c *gin.Context) {
	tierID, err := strconv.ParseUint(c.Query("tierId"), 10, 32)
	if err != nil {
		badRequest(c, "tierId must be a positive integer")
		return
	}
	coverage, ok := validation.Uint64Param(c.Query("coverage"))
	if !ok {
		badRequest(c, "coverage must be an unsigned integer in base units")
		return
	}
	account := c.Query("account")
	if account != "" && !validation.IsValidAddress(account) {
		badRequest(c, "account must be a valid address")
		return
	}

	quote, err := h.engine.ComputePremium(c.Request.Context(), uint32(tierID), coverage, account)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// GetPolicy handles GET /accounts/:address/policy
func (h *Handler) GetPolicy(c *gin.Context) {
	p, err := h.engine.GetPolicy(c.Request.Context(), c.Param("address"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy.NewView(p, h.clock.Now())})
}

// ListClaims handles GET /accounts/:address/claims?cursor=&limit=
func (h *Handler) ListClaims(c *gin.Context) {
	cs, err := h.engine.ListClaims(c.Request.Context(), c.Param("address"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, next, err := pagination.Page(cs, "claims", c.Query("cursor"), limit, func(cl *claims.Claim) uint64 { return cl.ID })
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
		return
	}
	resp := gin.H{"claims": page, "count": len(page)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetClaim handles GET /accounts/:address/claims/:claimId
func (h *Handler) GetClaim(c *gin.Context) {
	id, ok := validation.Uint64Param(c.Param("claimId"))
	if !ok {
		badRequest(c, "claimId must be an unsigned integer")
		return
	}
	claim, err := h.engine.GetClaim(c.Request.Context(), c.Param("address"), id)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// GetRiskProfile handles GET /accounts/:address/risk
func (h *Handler) GetRiskProfile(c *gin.Context) {
	view, err := h.engine.GetRiskProfile(c.Request.Context(), c.Param("address"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": view})
}

// ListAssessments handles GET /accounts/:address/risk/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	as, err := h.engine.ListAssessments(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": as, "count": len(as)})
}

// GetStakeAccount handles GET /accounts/:address/stake
func (h *Handler) GetStakeAccount(c *gin.Context) {
	acct, err := h.engine.GetStakeAccount(c.Request.Context(), c.Param("address"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	view, err := stakes.NewView(acct, h.clock.Now())
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": view})
}

// --- Mutations ---

// PurchasePolicy handles POST /policies
func (h *Handler) PurchasePolicy(c *gin.Context) {
	var req policy.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "tierId, coverage, stakeAmount and duration are required")
		return
	}

	p, err := h.engine.PurchasePolicy(c.Request.Context(), Call(c, h.clock), req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"policy":         policy.NewView(p, p.StartTime),
		"premiumDisplay": amount.Format(p.PremiumPaid),
	})
}

// ExpirePolicy handles POST /policies/:address/expire. Any authenticated
// caller may record the expiry of a lapsed policy.
func (h *Handler) ExpirePolicy(c *gin.Context) {
	call := Call(c, h.clock)
	p, err := h.engine.ExpirePolicy(c.Request.Context(), call, c.Param("address"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy.NewView(p, call.Height)})
}

// SubmitClaim handles POST /claims
func (h *Handler) SubmitClaim(c *gin.Context) {
	var req claims.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount is required")
		return
	}
	if len(req.EvidenceDocument) > validation.MaxRequestSize/2 {
		badRequest(c, "evidence document too large")
		return
	}

	claim, err := h.engine.SubmitClaim(c.Request.Context(), Call(c, h.clock), req.Amount, req.EvidenceHash(), req.Category)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"claim": claim})
}

// Stake handles POST /stakes
func (h *Handler) Stake(c *gin.Context) {
	var req stakes.StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount is required")
		return
	}

	call := Call(c, h.clock)
	acct, err := h.engine.Stake(c.Request.Context(), call, req.Amount)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	view, err := stakes.NewView(acct, call.Height)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stake": view})
}

// ClaimRewards handles POST /stakes/rewards
func (h *Handler) ClaimRewards(c *gin.Context) {
	paid, err := h.engine.ClaimRewards(c.Request.Context(), Call(c, h.clock))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paid": paid, "paidDisplay": amount.Format(paid)})
}

// Unstake handles POST /stakes/unstake
func (h *Handler) Unstake(c *gin.Context) {
	var req stakes.UnstakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount is required")
		return
	}

	call := Call(c, h.clock)
	acct, err := h.engine.Unstake(c.Request.Context(), call, req.Amount)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	view, err := stakes.NewView(acct, call.Height)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": view})
}
