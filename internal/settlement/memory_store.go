package settlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/upiguard/internal/decision"
	"github.com/mbd888/upiguard/internal/idgen"
	"github.com/mbd888/upiguard/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account     // userID -> account
	byVPA    map[string]string       // vpa -> userID
	txs      map[string]*Transaction // txID -> transaction
	ledger   []*LedgerEntry
	daily    map[string]*DailyStats // userID|yyyy-mm-dd -> stats
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byVPA:    make(map[string]string),
		txs:      make(map[string]*Transaction),
		daily:    make(map[string]*DailyStats),
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.UserID]; exists {
		return ErrAccountExists
	}
	cp := *acct
	s.accounts[acct.UserID] = &cp
	if acct.VPA != "" {
		s.byVPA[strings.ToLower(acct.VPA)] = acct.UserID
	}
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ResolveVPA(ctx context.Context, vpa string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byVPA[strings.ToLower(vpa)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *s.accounts[userID]
	return &cp, nil
}

func (s *MemoryStore) UpdateDailyLimit(ctx context.Context, userID string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.DailyLimit = limit
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tx
	s.txs[tx.TxID] = &cp
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[tx.TxID]; !ok {
		return ErrTransactionNotFound
	}
	cp := *tx
	s.txs[tx.TxID] = &cp
	return nil
}

func (s *MemoryStore) ListStaleDelayed(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*Transaction
	for _, tx := range s.txs {
		if tx.Action == decision.ActionDelay && tx.Status == StatusPending && tx.CreatedAt.Before(olderThan) {
			cp := *tx
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) ListBySender(ctx context.Context, senderID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var txs []*Transaction
	for _, tx := range s.txs {
		if tx.SenderID != senderID {
			continue
		}
		if before != nil {
			if tx.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if tx.CreatedAt.Equal(before.CreatedAt) && tx.TxID >= before.ID {
				continue
			}
		}
		cp := *tx
		txs = append(txs, &cp)
	}
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].TxID > txs[j].TxID
	})
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *MemoryStore) Transfer(ctx context.Context, senderID, receiverID string, amount int64, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.accounts[senderID]
	if !ok {
		return ErrAccountNotFound
	}
	if sender.Balance < amount {
		return ErrInsufficientBalance
	}

	var receiver *Account
	if receiverID != "" {
		receiver, ok = s.accounts[receiverID]
		if !ok {
			return ErrAccountNotFound
		}
	}

	now := time.Now()
	sender.Balance -= amount
	sender.UpdatedAt = now
	s.ledger = append(s.ledger, &LedgerEntry{
		ID: idgen.WithPrefix("ldg_"), TxID: txID, Operation: OpDebit,
		AccountID: senderID, Amount: amount, CreatedAt: now,
	})

	if receiver != nil {
		receiver.Balance += amount
		receiver.UpdatedAt = now
		s.ledger = append(s.ledger, &LedgerEntry{
			ID: idgen.WithPrefix("ldg_"), TxID: txID, Operation: OpCredit,
			AccountID: receiverID, Amount: amount, CreatedAt: now,
		})
	}
	return nil
}

func (s *MemoryStore) Refund(ctx context.Context, userID string, amount int64, txID, remarks string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Balance += amount
	acct.UpdatedAt = time.Now()
	s.ledger = append(s.ledger, &LedgerEntry{
		ID: idgen.WithPrefix("ldg_"), TxID: txID, Operation: OpRefund,
		AccountID: userID, Amount: amount, Remarks: remarks, CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) LedgerEntries(ctx context.Context, txID string) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*LedgerEntry
	for _, e := range s.ledger {
		if e.TxID == txID {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	return entries, nil
}

func (s *MemoryStore) AddDailySpend(ctx context.Context, userID string, day time.Time, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dailyKey(userID, day)
	stats, ok := s.daily[key]
	if !ok {
		stats = &DailyStats{}
		s.daily[key] = stats
	}
	stats.TotalAmount += amount
	stats.TxCount++
	return nil
}

func (s *MemoryStore) DailySpend(ctx context.Context, userID string, day time.Time) (*DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.daily[dailyKey(userID, day)]
	if !ok {
		return &DailyStats{}, nil
	}
	cp := *stats
	return &cp, nil
}

func (s *MemoryStore) CountAllowedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tx := range s.txs {
		if tx.SenderID != userID || tx.CreatedAt.Before(since) {
			continue
		}
		if tx.Status == StatusSuccess || tx.Status == StatusConfirmed {
			count++
		}
	}
	return count, nil
}

func dailyKey(userID string, day time.Time) string {
	return userID + "|" + day.UTC().Format("2006-01-02")
}
