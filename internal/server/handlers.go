package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/upiguard/internal/health"
	"github.com/mbd888/upiguard/internal/logging"
	"github.com/mbd888/upiguard/internal/money"
	"github.com/mbd888/upiguard/internal/payments"
	"github.com/mbd888/upiguard/internal/settlement"
	"github.com/mbd888/upiguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "UPIGuard",
		"description": "Real-time fraud screening and settlement for UPI P2P payments",
		"version":     "0.1.0",
		"currency":    "INR",
	})
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": s.scorer.Models(),
	})
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

type createAccountRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	VPA            string `json:"vpa" binding:"required"`
	OpeningBalance string `json:"opening_balance"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	req.UserID = validation.SanitizeString(req.UserID, validation.MaxStringLength)
	req.VPA = validation.SanitizeVPA(req.VPA)

	if errs := validation.Validate(
		validation.Required("user_id", req.UserID),
		validation.Required("vpa", req.VPA),
		validation.ValidVPA("vpa", req.VPA),
		validation.ValidAmount("opening_balance", req.OpeningBalance),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	var balance int64
	if req.OpeningBalance != "" {
		var ok bool
		balance, ok = money.Parse(req.OpeningBalance)
		if !ok {
			badRequest(c, "invalid_amount", "opening_balance must be a decimal rupee amount")
			return
		}
	}

	acct, err := s.ledger.CreateAccount(c.Request.Context(), req.UserID, req.VPA, balance)
	if err != nil {
		if errors.Is(err, settlement.ErrAccountExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "account_exists",
				"message": "An account with this user ID or VPA already exists",
			})
			return
		}
		s.internalError(c, "failed to create account", err)
		return
	}

	c.JSON(http.StatusCreated, accountResponse(acct))
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.ledger.Account(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, settlement.ErrAccountNotFound) {
			notFound(c, "account_not_found", "No account with this user ID")
			return
		}
		s.internalError(c, "failed to load account", err)
		return
	}
	c.JSON(http.StatusOK, accountResponse(acct))
}

type setDailyLimitRequest struct {
	DailyLimit string `json:"daily_limit" binding:"required"`
}

func (s *Server) setDailyLimit(c *gin.Context) {
	var req setDailyLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	limit, ok := money.Parse(req.DailyLimit)
	if !ok || limit <= 0 {
		badRequest(c, "invalid_amount", "daily_limit must be a positive decimal rupee amount")
		return
	}

	userID := c.Param("userId")
	if err := s.ledger.SetDailyLimit(c.Request.Context(), userID, limit); err != nil {
		if errors.Is(err, settlement.ErrAccountNotFound) {
			notFound(c, "account_not_found", "No account with this user ID")
			return
		}
		s.internalError(c, "failed to update daily limit", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"daily_limit": money.Format(limit),
	})
}

func accountResponse(acct *settlement.Account) gin.H {
	return gin.H{
		"user_id":     acct.UserID,
		"vpa":         acct.VPA,
		"balance":     money.Format(acct.Balance),
		"daily_limit": money.Format(acct.DailyLimit),
		"created_at":  acct.CreatedAt,
		"updated_at":  acct.UpdatedAt,
	}
}

func (s *Server) listTransactions(c *gin.Context) {
	userID := c.Param("userId")

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			badRequest(c, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	if _, err := s.ledger.Account(c.Request.Context(), userID); err != nil {
		if errors.Is(err, settlement.ErrAccountNotFound) {
			notFound(c, "account_not_found", "No account with this user ID")
			return
		}
		s.internalError(c, "failed to load account", err)
		return
	}

	txs, next, hasMore, err := s.ledger.History(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, settlement.ErrBadCursor) {
			badRequest(c, "invalid_cursor", "cursor is malformed")
			return
		}
		s.internalError(c, "failed to list transactions", err)
		return
	}

	out := make([]gin.H, len(txs))
	for i, tx := range txs {
		out[i] = transactionResponse(tx)
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": out,
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

type submitTransactionRequest struct {
	SenderID    string `json:"sender_id" binding:"required"`
	ReceiverVPA string `json:"receiver_vpa" binding:"required"`
	DeviceID    string `json:"device_id"`
	Amount      string `json:"amount" binding:"required"`
	Channel     string `json:"channel"`
}

func (s *Server) submitTransaction(c *gin.Context) {
	var req submitTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	req.SenderID = validation.SanitizeString(req.SenderID, validation.MaxStringLength)
	req.ReceiverVPA = validation.SanitizeVPA(req.ReceiverVPA)
	req.DeviceID = validation.SanitizeString(req.DeviceID, validation.MaxStringLength)
	req.Channel = validation.SanitizeString(req.Channel, 16)

	if errs := validation.Validate(
		validation.Required("sender_id", req.SenderID),
		validation.Required("receiver_vpa", req.ReceiverVPA),
		validation.ValidVPA("receiver_vpa", req.ReceiverVPA),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount <= 0 {
		badRequest(c, "invalid_amount", "amount must be a positive decimal rupee amount")
		return
	}

	res, err := s.payments.Submit(c.Request.Context(), payments.SubmitRequest{
		SenderID:    req.SenderID,
		ReceiverVPA: req.ReceiverVPA,
		DeviceID:    req.DeviceID,
		Amount:      amount,
		Channel:     req.Channel,
	})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrAccountNotFound):
			notFound(c, "account_not_found", "No account with this sender ID")
		case errors.Is(err, settlement.ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": "Sender balance cannot cover this amount",
			})
		default:
			s.internalError(c, "failed to process transaction", err)
		}
		return
	}

	c.JSON(http.StatusCreated, resultResponse(res))
}

func (s *Server) getTransaction(c *gin.Context) {
	txID := c.Param("txId")
	if !validation.IsValidTxID(txID) {
		badRequest(c, "invalid_tx_id", "Transaction ID must be 12 digits")
		return
	}

	tx, entries, err := s.payments.Transaction(c.Request.Context(), txID)
	if err != nil {
		if errors.Is(err, settlement.ErrTransactionNotFound) {
			notFound(c, "transaction_not_found", "No transaction with this ID")
			return
		}
		s.internalError(c, "failed to load transaction", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": transactionResponse(tx),
		"ledger":      ledgerResponse(entries),
	})
}

type resolveTransactionRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (s *Server) resolveTransaction(c *gin.Context) {
	txID := c.Param("txId")
	if !validation.IsValidTxID(txID) {
		badRequest(c, "invalid_tx_id", "Transaction ID must be 12 digits")
		return
	}

	var req resolveTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}

	res, err := s.payments.Resolve(c.Request.Context(), txID, req.Decision)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnknownDecision):
			badRequest(c, "invalid_decision", "decision must be confirm or cancel")
		case errors.Is(err, settlement.ErrTransactionNotFound):
			notFound(c, "transaction_not_found", "No transaction with this ID")
		case errors.Is(err, settlement.ErrNotDelayed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_delayed",
				"message": "Only delayed transactions can be resolved",
			})
		case errors.Is(err, settlement.ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "This transaction has already been resolved",
			})
		case errors.Is(err, settlement.ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": "Sender balance cannot cover this amount",
			})
		default:
			s.internalError(c, "failed to resolve transaction", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": transactionResponse(res.Transaction),
	})
}

func transactionResponse(tx *settlement.Transaction) gin.H {
	resp := gin.H{
		"tx_id":        tx.TxID,
		"sender_id":    tx.SenderID,
		"receiver_vpa": tx.ReceiverVPA,
		"amount":       money.Format(tx.Amount),
		"channel":      tx.Channel,
		"risk_score":   tx.RiskScore,
		"action":       tx.Action,
		"status":       tx.Status,
		"created_at":   tx.CreatedAt,
		"updated_at":   tx.UpdatedAt,
	}
	if tx.ReceiverID != "" {
		resp["receiver_id"] = tx.ReceiverID
	}
	if tx.AmountDeductedAt != nil {
		resp["amount_deducted_at"] = tx.AmountDeductedAt
	}
	if tx.AmountCreditedAt != nil {
		resp["amount_credited_at"] = tx.AmountCreditedAt
	}
	return resp
}

func ledgerResponse(entries []*settlement.LedgerEntry) []gin.H {
	out := make([]gin.H, len(entries))
	for i, e := range entries {
		out[i] = gin.H{
			"id":         e.ID,
			"operation":  e.Operation,
			"account_id": e.AccountID,
			"amount":     money.Format(e.Amount),
			"remarks":    e.Remarks,
			"created_at": e.CreatedAt,
		}
	}
	return out
}

func resultResponse(res *payments.Result) gin.H {
	resp := gin.H{
		"transaction": transactionResponse(res.Transaction),
		"decision": gin.H{
			"action":              res.Outcome.Action,
			"risk_level":          res.Outcome.RiskLevel,
			"exceeds_daily_limit": res.Outcome.ExceedsDailyLimit,
			"delay_threshold":     res.Outcome.DelayThreshold,
			"block_threshold":     res.Outcome.BlockThreshold,
		},
	}
	if res.Assessment != nil {
		resp["assessment"] = gin.H{
			"score":        res.Assessment.Score,
			"confidence":   res.Assessment.Confidence,
			"reasons":      res.Assessment.Reasons,
			"model_scores": res.Assessment.ModelScores,
			"fallback":     res.Assessment.Fallback,
		}
	}
	return resp
}

// -----------------------------------------------------------------------------
// Error helpers
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

func notFound(c *gin.Context, code, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": code, "message": msg})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}
