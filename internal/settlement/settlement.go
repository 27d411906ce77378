// Package settlement owns accounts, transactions, and the append-only
// ledger behind them.
//
// Money never moves without a ledger row. An allowed transaction debits the
// sender and credits the receiver in one store transaction; a delayed
// transaction leaves funds untouched until it is confirmed, cancelled, or
// swept by the auto-refund timer. The amount_deducted_at timestamp is the
// idempotence guard: refunds and credits only ever happen when it says the
// debit actually took place.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/upiguard/internal/decision"
	"github.com/mbd888/upiguard/internal/idgen"
	"github.com/mbd888/upiguard/internal/metrics"
	"github.com/mbd888/upiguard/internal/money"
	"github.com/mbd888/upiguard/internal/pagination"
	"github.com/mbd888/upiguard/internal/syncutil"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotPending          = errors.New("transaction is not pending")
	ErrNotDelayed          = errors.New("transaction was not delayed")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrBadCursor           = errors.New("malformed pagination cursor")
)

// Status is the settlement state of a transaction.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSuccess      Status = "success"
	StatusBlocked      Status = "blocked"
	StatusCancelled    Status = "cancelled"
	StatusAutoRefunded Status = "auto-refunded"
	StatusConfirmed    Status = "confirmed"
)

// Operation is a ledger entry type.
type Operation string

const (
	OpDebit  Operation = "DEBIT"
	OpCredit Operation = "CREDIT"
	OpRefund Operation = "REFUND"
)

// Account is a user balance. Amounts are paise.
type Account struct {
	UserID     string    `json:"user_id"`
	VPA        string    `json:"vpa"`
	Balance    int64     `json:"balance"`
	DailyLimit int64     `json:"daily_limit"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Transaction is a payment request and its settlement state.
type Transaction struct {
	TxID        string          `json:"tx_id"`
	SenderID    string          `json:"sender_id"`
	ReceiverVPA string          `json:"receiver_vpa"`
	ReceiverID  string          `json:"receiver_id,omitempty"` // empty when the VPA is external
	DeviceID    string          `json:"device_id,omitempty"`
	Amount      int64           `json:"amount"`
	Channel     string          `json:"channel,omitempty"`
	RiskScore   float64         `json:"risk_score"`
	Action      decision.Action `json:"action"`
	Status      Status          `json:"status"`

	AmountDeductedAt *time.Time `json:"amount_deducted_at,omitempty"`
	AmountCreditedAt *time.Time `json:"amount_credited_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the transaction can no longer change state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusSuccess, StatusBlocked, StatusCancelled, StatusAutoRefunded, StatusConfirmed:
		return true
	}
	return false
}

// LedgerEntry is one append-only ledger row.
type LedgerEntry struct {
	ID        string    `json:"id"`
	TxID      string    `json:"tx_id"`
	Operation Operation `json:"operation"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Remarks   string    `json:"remarks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyStats is a user's settled activity for one calendar day.
type DailyStats struct {
	TotalAmount int64 `json:"total_amount"`
	TxCount     int64 `json:"tx_count"`
}

// Store persists accounts, transactions, ledger rows, and daily aggregates.
// Transfer and Refund move money atomically with their ledger rows.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	ResolveVPA(ctx context.Context, vpa string) (*Account, error)
	UpdateDailyLimit(ctx context.Context, userID string, limit int64) error

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	ListStaleDelayed(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)

	// ListBySender returns the sender's transactions newest first, starting
	// after the cursor when one is given. Callers fetch limit+1 rows to
	// detect whether more pages exist.
	ListBySender(ctx context.Context, senderID string, before *pagination.Cursor, limit int) ([]*Transaction, error)

	// Transfer debits the sender and, when receiverID is non-empty, credits
	// the receiver, writing DEBIT/CREDIT ledger rows, all atomically.
	// Returns ErrInsufficientBalance without side effects if the sender
	// cannot cover the amount.
	Transfer(ctx context.Context, senderID, receiverID string, amount int64, txID string) error

	// Refund credits amount back to the sender with a REFUND ledger row.
	Refund(ctx context.Context, userID string, amount int64, txID, remarks string) error

	LedgerEntries(ctx context.Context, txID string) ([]*LedgerEntry, error)

	AddDailySpend(ctx context.Context, userID string, day time.Time, amount int64) error
	DailySpend(ctx context.Context, userID string, day time.Time) (*DailyStats, error)
	CountAllowedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Service implements the settlement state machine over a Store, with
// per-sender locks serializing every read-modify-write.
type Service struct {
	store             Store
	locks             *syncutil.KeyMutex
	logger            *slog.Logger
	defaultDailyLimit int64
}

// NewService creates a settlement service.
func NewService(store Store, logger *slog.Logger, defaultDailyLimit int64) *Service {
	return &Service{
		store:             store,
		locks:             syncutil.NewKeyMutex(),
		logger:            logger,
		defaultDailyLimit: defaultDailyLimit,
	}
}

// CreateAccount opens an account with an opening balance and the default
// daily limit.
func (s *Service) CreateAccount(ctx context.Context, userID, vpa string, openingBalance int64) (*Account, error) {
	if openingBalance < 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	acct := &Account{
		UserID:     userID,
		VPA:        vpa,
		Balance:    openingBalance,
		DailyLimit: s.defaultDailyLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Account returns an account by user ID.
func (s *Service) Account(ctx context.Context, userID string) (*Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// ResolveVPA maps a receiver VPA to an account. ErrAccountNotFound means
// the VPA belongs to an external institution.
func (s *Service) ResolveVPA(ctx context.Context, vpa string) (*Account, error) {
	return s.store.ResolveVPA(ctx, vpa)
}

// SetDailyLimit updates a user's daily spend limit.
func (s *Service) SetDailyLimit(ctx context.Context, userID string, limit int64) error {
	if limit <= 0 {
		return ErrInvalidAmount
	}
	return s.store.UpdateDailyLimit(ctx, userID, limit)
}

// Transaction returns a transaction by ID.
func (s *Service) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, txID)
}

// Ledger returns the ledger rows for a transaction, oldest first.
func (s *Service) Ledger(ctx context.Context, txID string) ([]*LedgerEntry, error) {
	return s.store.LedgerEntries(ctx, txID)
}

// History returns one page of the sender's transactions, newest first,
// with an opaque cursor for the next page.
func (s *Service) History(ctx context.Context, senderID, cursor string, limit int) ([]*Transaction, string, bool, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrBadCursor
	}

	txs, err := s.store.ListBySender(ctx, senderID, before, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	page, next, hasMore := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.TxID
	})
	return page, next, hasMore, nil
}

// SpendProfile is the settlement-side input to a decision.
type SpendProfile struct {
	TodaySpend     int64
	DailyLimit     int64
	AllowedLast24h int
}

// Profile reads the sender's spend profile for decisioning.
func (s *Service) Profile(ctx context.Context, userID string, now time.Time) (*SpendProfile, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.DailySpend(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("read daily spend: %w", err)
	}
	allowed, err := s.store.CountAllowedSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count allowed transactions: %w", err)
	}
	return &SpendProfile{
		TodaySpend:     stats.TotalAmount,
		DailyLimit:     acct.DailyLimit,
		AllowedLast24h: allowed,
	}, nil
}

// Apply settles a freshly decided transaction. tx.Action must be set; the
// transaction is created and, for ALLOW, funds move immediately. For DELAY
// the funds stay put awaiting Confirm/Cancel/sweep; for BLOCK nothing
// moves. Every attempt counts toward the sender's daily aggregate.
func (s *Service) Apply(ctx context.Context, tx *Transaction) error {
	if tx.Amount <= 0 {
		return ErrInvalidAmount
	}

	unlock, err := s.locks.Lock(ctx, tx.SenderID)
	if err != nil {
		return err
	}
	defer unlock()

	now := time.Now()
	if tx.TxID == "" {
		tx.TxID = idgen.TransactionID()
	}
	tx.CreatedAt = now
	tx.UpdatedAt = now

	switch tx.Action {
	case decision.ActionAllow:
		tx.Status = StatusPending
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		if err := s.store.Transfer(ctx, tx.SenderID, tx.ReceiverID, tx.Amount, tx.TxID); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				tx.Status = StatusCancelled
				tx.UpdatedAt = time.Now()
				s.mustUpdate(ctx, tx, "cancel after failed debit")
				metrics.SettlementsTotal.WithLabelValues(string(StatusCancelled)).Inc()
			}
			return err
		}
		tx.Status = StatusSuccess
		tx.AmountDeductedAt = &now
		if tx.ReceiverID != "" {
			tx.AmountCreditedAt = &now
		}
		tx.UpdatedAt = time.Now()
		s.mustUpdate(ctx, tx, "mark success after transfer")

	case decision.ActionDelay:
		tx.Status = StatusPending
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		metrics.PendingDelayed.Inc()

	case decision.ActionBlock:
		tx.Status = StatusBlocked
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}

	default:
		return fmt.Errorf("unknown action %q", tx.Action)
	}

	if err := s.store.AddDailySpend(ctx, tx.SenderID, now, tx.Amount); err != nil {
		s.logger.Warn("daily aggregate update failed", "tx_id", tx.TxID, "error", err)
	}

	metrics.SettlementsTotal.WithLabelValues(string(tx.Status)).Inc()
	return nil
}

// Confirm completes a delayed transaction: the sender approved it after
// review. Funds move here if they have not moved yet.
func (s *Service) Confirm(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, tx.SenderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; another path may have resolved it already.
	tx, err = s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Action != decision.ActionDelay {
		return nil, ErrNotDelayed
	}
	if tx.Status != StatusPending {
		return nil, ErrNotPending
	}

	now := time.Now()
	if tx.AmountDeductedAt == nil {
		if err := s.store.Transfer(ctx, tx.SenderID, tx.ReceiverID, tx.Amount, tx.TxID); err != nil {
			return nil, err
		}
		tx.AmountDeductedAt = &now
		if tx.ReceiverID != "" {
			tx.AmountCreditedAt = &now
		}
	}

	tx.Status = StatusConfirmed
	tx.Action = decision.ActionAllow
	tx.UpdatedAt = now
	s.mustUpdate(ctx, tx, "mark confirmed after transfer")

	metrics.PendingDelayed.Dec()
	metrics.SettlementsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	return tx, nil
}

// Cancel abandons a delayed transaction. Funds are refunded only if the
// debit actually happened.
func (s *Service) Cancel(ctx context.Context, txID string) (*Transaction, error) {
	return s.release(ctx, txID, StatusCancelled, "cancelled by sender")
}

// ExpireStale sweeps delayed transactions still pending past the cutoff,
// refunding any deducted amounts. Idempotent: a second sweep over the same
// window is a no-op.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := s.store.ListStaleDelayed(ctx, olderThan, 100)
	if err != nil {
		return 0, fmt.Errorf("list stale transactions: %w", err)
	}

	expired := 0
	for _, tx := range stale {
		if _, err := s.release(ctx, tx.TxID, StatusAutoRefunded, "auto-refunded after delay timeout"); err != nil {
			// Already resolved by a racing confirm/cancel is fine.
			if errors.Is(err, ErrNotPending) || errors.Is(err, ErrNotDelayed) {
				continue
			}
			s.logger.Warn("auto-refund failed", "tx_id", tx.TxID, "error", err)
			continue
		}
		expired++
		metrics.AutoRefundsTotal.Inc()
		s.logger.Info("auto-refunded stale transaction", "tx_id", tx.TxID,
			"sender", tx.SenderID, "amount", money.Format(tx.Amount))
	}
	return expired, nil
}

// release resolves a pending delayed transaction without completing it.
func (s *Service) release(ctx context.Context, txID string, final Status, remarks string) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, tx.SenderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Action != decision.ActionDelay {
		return nil, ErrNotDelayed
	}
	if tx.Status != StatusPending {
		return nil, ErrNotPending
	}

	if tx.AmountDeductedAt != nil {
		if err := s.store.Refund(ctx, tx.SenderID, tx.Amount, tx.TxID, remarks); err != nil {
			return nil, fmt.Errorf("refund: %w", err)
		}
	}

	tx.Status = final
	tx.Action = decision.ActionBlock
	tx.UpdatedAt = time.Now()
	s.mustUpdate(ctx, tx, "mark "+string(final))

	metrics.PendingDelayed.Dec()
	metrics.SettlementsTotal.WithLabelValues(string(final)).Inc()
	return tx, nil
}

// mustUpdate persists a transaction whose funds have already moved. One
// retry, then a critical log for manual resolution; the money movement is
// already ledgered and cannot be reversed blindly.
func (s *Service) mustUpdate(ctx context.Context, tx *Transaction, step string) {
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		if retryErr := s.store.UpdateTransaction(ctx, tx); retryErr != nil {
			s.logger.Error("CRITICAL: transaction state update failed after funds moved",
				"tx_id", tx.TxID, "step", step, "error", retryErr)
		}
	}
}
