package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/telares/walletledger/internal/authz"
	"github.com/telares/walletledger/internal/ledger"
	"github.com/telares/walletledger/internal/summary"
	"github.com/telares/walletledger/internal/wallet"
	"github.com/telares/walletledger/pkg/money"
)

type server struct {
	wallet    *wallet.Service
	summaries *summary.Service
	jwtSecret string
	log       *zap.Logger
}

func newRouter(s *server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := r.Group("/api/v1/wallet", s.authenticate)
	api.POST("/ledgers", s.handleEnsureLedger)
	api.POST("/deposit", s.handleDeposit)
	api.POST("/withdraw", s.handleWithdraw)
	api.POST("/transfer", s.handleTransfer)
	api.POST("/block", s.handleBlock)
	api.POST("/unblock", s.handleUnblock)
	api.POST("/adjust", s.handleAdjust)
	api.POST("/reconcile", s.handleReconcile)
	api.GET("/balance/:actor_id", s.handleBalance)
	api.GET("/daily/:actor_id", s.handleDaily)
	api.GET("/movements/:actor_id", s.handleMovements)
	return r
}

// authenticate validates the bearer token and fills the operation context
// for downstream handlers.
func (s *server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	claims, err := authz.ParseToken(s.jwtSecret, token)
	if err != nil {
		status := http.StatusUnauthorized
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Set("op", wallet.OpContext{
		OperatorID:   claims.OperatorID,
		OperatorRole: ledger.Role(claims.Role),
		ActorIP:      c.ClientIP(),
		DeviceInfo:   c.GetHeader("User-Agent"),
		FromAPI:      true,
	})
	c.Next()
}

func opContext(c *gin.Context) wallet.OpContext {
	v, _ := c.Get("op")
	op, _ := v.(wallet.OpContext)
	return op
}

func (s *server) handleEnsureLedger(c *gin.Context) {
	var req struct {
		ActorID       string `json:"actor_id" binding:"required"`
		Role          string `json:"role" binding:"required"`
		ParentActorID string `json:"parent_actor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	l, err := s.wallet.EnsureLedger(c.Request.Context(), opContext(c),
		req.ActorID, ledger.Role(req.Role), req.ParentActorID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type movementRequest struct {
	ActorID   string `json:"actor_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func (s *server) handleDeposit(c *gin.Context)  { s.handleSingle(c, s.wallet.Deposit) }
func (s *server) handleWithdraw(c *gin.Context) { s.handleSingle(c, s.wallet.Withdraw) }
func (s *server) handleBlock(c *gin.Context)    { s.handleSingle(c, s.wallet.BlockFunds) }
func (s *server) handleUnblock(c *gin.Context)  { s.handleSingle(c, s.wallet.UnblockFunds) }
func (s *server) handleAdjust(c *gin.Context)   { s.handleSingle(c, s.wallet.ManualAdjust) }

func (s *server) handleSingle(c *gin.Context, op singleOp) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mv, err := op(c.Request.Context(), opContext(c), req.ActorID, amount, req.Reference)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, mv)
}

type singleOp func(ctx context.Context, op wallet.OpContext, actorID string, amount decimal.Decimal, reference string) (*ledger.Movement, error)

func (s *server) handleTransfer(c *gin.Context) {
	var req struct {
		FromActorID string `json:"from_actor_id" binding:"required"`
		ToActorID   string `json:"to_actor_id" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
		Reference   string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	debit, credit, err := s.wallet.Transfer(c.Request.Context(), opContext(c),
		req.FromActorID, req.ToActorID, amount, req.Reference)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debit": debit, "credit": credit})
}

func (s *server) handleReconcile(c *gin.Context) {
	var req struct {
		ActorID           string `json:"actor_id" binding:"required"`
		MovementID        string `json:"movement_id" binding:"required"`
		ExternalReference string `json:"external_reference" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	movementID, err := uuid.Parse(req.MovementID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid movement id"})
		return
	}

	mv, err := s.wallet.Reconcile(c.Request.Context(), opContext(c),
		req.ActorID, movementID, req.ExternalReference)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, mv)
}

func (s *server) handleBalance(c *gin.Context) {
	snap, err := s.summaries.Balance(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *server) handleDaily(c *gin.Context) {
	totals, err := s.summaries.Daily(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (s *server) handleMovements(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	movements, err := s.wallet.Movements(c.Request.Context(), c.Param("actor_id"), limit, offset)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, movements)
}

// renderError maps typed ledger failures onto HTTP statuses. Unknown
// failures are logged and hidden behind a 500.
func (s *server) renderError(c *gin.Context, err error) {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		s.log.Error("unhandled failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch lerr.Code {
	case ledger.CodeInvalidAmount:
		status = http.StatusBadRequest
	case ledger.CodeDuplicateReference:
		status = http.StatusConflict
	case ledger.CodeNotAuthorized, ledger.CodeTransferNotPermitted:
		status = http.StatusForbidden
	case ledger.CodeInsufficientFunds, ledger.CodeInvalidBlockState,
		ledger.CodeDailyCeilingExceeded, ledger.CodeInvalidReconciliation:
		status = http.StatusUnprocessableEntity
	case ledger.CodeLedgerNotFound, ledger.CodeMovementNotFound:
		status = http.StatusNotFound
	case ledger.CodeRetryable:
		status = http.StatusServiceUnavailable
	}

	body := gin.H{"error": lerr.Error(), "code": string(lerr.Code)}
	if lerr.Rule != "" {
		body["rule"] = lerr.Rule
	}
	c.JSON(status, body)
}
