package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/idgen"
	"github.com/mbd888/coverpool/internal/validation"
)

// Handler provides HTTP endpoints for balances and the development faucet.
type Handler struct {
	ledger *Ledger
	clock  *BlockClock
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, clock *BlockClock, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, clock: clock, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/history", h.GetHistory)
	r.GET("/blocks/head", h.GetHead)
}

// RegisterDevRoutes sets up the faucet and manual block production. Only
// mounted outside production.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/dev/faucet", h.Faucet)
	r.POST("/dev/blocks", h.AdvanceBlocks)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":          bal,
		"availableDisplay": amount.Format(bal.Available),
	})
}

// GetHistory handles GET /accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}

// GetHead handles GET /blocks/head
func (h *Handler) GetHead(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"height": h.clock.Now()})
}

// FaucetRequest is the request body for POST /dev/faucet. Amount is a
// decimal string in display units ("25.5").
type FaucetRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Faucet handles POST /dev/faucet
func (h *Handler) Faucet(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if validation.Reject(c, validation.Validate(
		validation.ValidAddress("account", req.Account),
		validation.ValidAmount("amount", req.Amount),
	)) {
		return
	}
	units, _ := amount.Parse(req.Amount)

	if err := h.ledger.Deposit(c.Request.Context(), req.Account, units, idgen.WithPrefix("faucet_")); err != nil {
		if errors.Is(err, ErrDuplicateDeposit) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_deposit", "message": "Deposit already processed"})
			return
		}
		h.logger.Error("faucet deposit failed", "account", req.Account, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_error", "message": "Failed to record deposit"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "credited",
		"amount": units,
	})
}

// AdvanceRequest is the request body for POST /dev/blocks.
type AdvanceRequest struct {
	Blocks uint64 `json:"blocks" binding:"required"`
}

// AdvanceBlocks handles POST /dev/blocks
func (h *Handler) AdvanceBlocks(c *gin.Context) {
	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "blocks must be a positive integer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"height": h.clock.Advance(req.Blocks)})
}
