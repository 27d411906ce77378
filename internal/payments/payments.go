// Package payments orchestrates the screening pipeline: feature
// extraction, risk scoring, decisioning, and settlement.
//
// Two entry points mirror the caller contract: Submit evaluates and
// settles a new payment request, Resolve completes or abandons a delayed
// one. Feature extraction and scoring run before any settlement lock is
// taken; only the settlement step serializes on the sender's account.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/upiguard/internal/decision"
	"github.com/mbd888/upiguard/internal/feature"
	"github.com/mbd888/upiguard/internal/metrics"
	"github.com/mbd888/upiguard/internal/risk"
	"github.com/mbd888/upiguard/internal/settlement"
	"github.com/mbd888/upiguard/internal/traces"
)

var (
	ErrUnknownDecision = errors.New("decision must be confirm or cancel")
)

// Resolve decisions.
const (
	DecisionConfirm = "confirm"
	DecisionCancel  = "cancel"
)

// SubmitRequest is a payment request entering the pipeline.
type SubmitRequest struct {
	SenderID    string
	ReceiverVPA string
	DeviceID    string
	Amount      int64 // paise
	Channel     string
}

// Result is the pipeline output for a transaction.
type Result struct {
	Transaction *settlement.Transaction `json:"transaction"`
	Outcome     decision.Outcome        `json:"outcome"`
	Assessment  *risk.Assessment        `json:"assessment,omitempty"`
}

// Service wires the pipeline stages together.
type Service struct {
	features *feature.Service
	scorer   *risk.Scorer
	engine   *decision.Engine
	ledger   *settlement.Service
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the payment pipeline.
func NewService(features *feature.Service, scorer *risk.Scorer, engine *decision.Engine, ledger *settlement.Service, logger *slog.Logger) *Service {
	return &Service{
		features: features,
		scorer:   scorer,
		engine:   engine,
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit evaluates and settles a payment request.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Submit",
		traces.UserID(req.SenderID), traces.Amount(req.Amount))
	defer span.End()

	now := s.now()

	// Resolve the receiver VPA to a local account when it is one of ours;
	// anything else settles one-legged (debit only).
	receiverID := ""
	if acct, err := s.ledger.ResolveVPA(ctx, req.ReceiverVPA); err == nil {
		receiverID = acct.UserID
	} else if !errors.Is(err, settlement.ErrAccountNotFound) {
		return nil, fmt.Errorf("resolve receiver: %w", err)
	}

	// Scoring path: no settlement locks held, degraded signals tolerated.
	vector := s.features.Extract(ctx, feature.Candidate{
		UserID:      req.SenderID,
		ReceiverVPA: req.ReceiverVPA,
		DeviceID:    req.DeviceID,
		Amount:      req.Amount,
		Channel:     req.Channel,
		At:          now,
	})
	assessment := s.scorer.Score(ctx, vector)

	profile, err := s.ledger.Profile(ctx, req.SenderID, now)
	if err != nil {
		return nil, fmt.Errorf("load sender profile: %w", err)
	}

	outcome := s.engine.Decide(decision.Input{
		Score:          assessment.Score,
		Amount:         req.Amount,
		TodaySpend:     profile.TodaySpend,
		DailyLimit:     profile.DailyLimit,
		AllowedLast24h: profile.AllowedLast24h,
	})

	tx := &settlement.Transaction{
		SenderID:    req.SenderID,
		ReceiverVPA: req.ReceiverVPA,
		ReceiverID:  receiverID,
		DeviceID:    req.DeviceID,
		Amount:      req.Amount,
		Channel:     req.Channel,
		RiskScore:   assessment.Score,
		Action:      outcome.Action,
	}
	if err := s.ledger.Apply(ctx, tx); err != nil {
		return nil, err
	}

	span.SetAttributes(traces.TxID(tx.TxID), traces.Action(string(outcome.Action)), traces.Score(assessment.Score))
	metrics.TransactionsTotal.WithLabelValues(string(outcome.Action)).Inc()

	s.logger.Info("transaction evaluated",
		"tx_id", tx.TxID,
		"sender", req.SenderID,
		"action", outcome.Action,
		"score", assessment.Score,
		"risk_level", outcome.RiskLevel,
		"exceeds_daily_limit", outcome.ExceedsDailyLimit,
	)

	return &Result{Transaction: tx, Outcome: outcome, Assessment: assessment}, nil
}

// Resolve completes (confirm) or abandons (cancel) a delayed transaction.
func (s *Service) Resolve(ctx context.Context, txID, verdict string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Resolve", traces.TxID(txID))
	defer span.End()

	var (
		tx  *settlement.Transaction
		err error
	)
	switch verdict {
	case DecisionConfirm:
		tx, err = s.ledger.Confirm(ctx, txID)
	case DecisionCancel:
		tx, err = s.ledger.Cancel(ctx, txID)
	default:
		return nil, ErrUnknownDecision
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction resolved", "tx_id", txID, "decision", verdict, "status", tx.Status)
	return &Result{Transaction: tx}, nil
}

// Transaction returns a transaction with its ledger trail.
func (s *Service) Transaction(ctx context.Context, txID string) (*settlement.Transaction, []*settlement.LedgerEntry, error) {
	tx, err := s.ledger.Transaction(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.ledger.Ledger(ctx, txID)
	if err != nil {
		return nil, nil, err
	}
	return tx, entries, nil
}
