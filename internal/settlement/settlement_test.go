package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/upiguard/internal/decision"
)

const defaultLimit = 1000000 // ₹10000

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, slog.Default(), defaultLimit), store
}

func seedAccounts(t *testing.T, svc *Service, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateAccount(ctx, "alice", "alice@upi", balance)
	require.NoError(t, err)
	_, err = svc.CreateAccount(ctx, "bob", "bob@upi", 0)
	require.NoError(t, err)
}

func newTx(action decision.Action, amount int64) *Transaction {
	return &Transaction{
		SenderID:    "alice",
		ReceiverVPA: "bob@upi",
		ReceiverID:  "bob",
		Amount:      amount,
		Action:      action,
	}
}

func balance(t *testing.T, svc *Service, userID string) int64 {
	t.Helper()
	acct, err := svc.Account(context.Background(), userID)
	require.NoError(t, err)
	return acct.Balance
}

func TestApply_Allow(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionAllow, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	assert.Len(t, tx.TxID, 12)
	assert.Equal(t, StatusSuccess, tx.Status)
	assert.NotNil(t, tx.AmountDeductedAt)
	assert.NotNil(t, tx.AmountCreditedAt)

	assert.Equal(t, int64(75000), balance(t, svc, "alice"))
	assert.Equal(t, int64(25000), balance(t, svc, "bob"))

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpDebit, entries[0].Operation)
	assert.Equal(t, "alice", entries[0].AccountID)
	assert.Equal(t, OpCredit, entries[1].Operation)
	assert.Equal(t, "bob", entries[1].AccountID)

	profile, err := svc.Profile(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(25000), profile.TodaySpend)
	assert.Equal(t, 1, profile.AllowedLast24h)
}

func TestApply_AllowExternalReceiver(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionAllow, 25000)
	tx.ReceiverVPA = "stranger@otherbank"
	tx.ReceiverID = ""
	require.NoError(t, svc.Apply(ctx, tx))

	assert.Equal(t, StatusSuccess, tx.Status)
	assert.NotNil(t, tx.AmountDeductedAt)
	assert.Nil(t, tx.AmountCreditedAt)
	assert.Equal(t, int64(75000), balance(t, svc, "alice"))

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpDebit, entries[0].Operation)
}

func TestApply_InsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 10000)
	ctx := context.Background()

	tx := newTx(decision.ActionAllow, 25000)
	err := svc.Apply(ctx, tx)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// No funds moved, transaction recorded as cancelled.
	assert.Equal(t, int64(10000), balance(t, svc, "alice"))
	assert.Equal(t, int64(0), balance(t, svc, "bob"))
	assert.Equal(t, StatusCancelled, tx.Status)

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApply_Delay(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionDelay, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	assert.Equal(t, StatusPending, tx.Status)
	assert.Nil(t, tx.AmountDeductedAt)
	assert.Equal(t, int64(100000), balance(t, svc, "alice"))
	assert.Equal(t, int64(0), balance(t, svc, "bob"))

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Delayed attempts still count toward the daily aggregate.
	profile, err := svc.Profile(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(25000), profile.TodaySpend)
	assert.Equal(t, 0, profile.AllowedLast24h)
}

func TestApply_Block(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionBlock, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	assert.Equal(t, StatusBlocked, tx.Status)
	assert.Equal(t, int64(100000), balance(t, svc, "alice"))

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApply_RejectsBadAmount(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)

	assert.ErrorIs(t, svc.Apply(context.Background(), newTx(decision.ActionAllow, 0)), ErrInvalidAmount)
	assert.ErrorIs(t, svc.Apply(context.Background(), newTx(decision.ActionAllow, -5)), ErrInvalidAmount)
}

func TestConfirm(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionDelay, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	confirmed, err := svc.Confirm(ctx, tx.TxID)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, decision.ActionAllow, confirmed.Action)
	assert.NotNil(t, confirmed.AmountDeductedAt)
	assert.NotNil(t, confirmed.AmountCreditedAt)
	assert.Equal(t, int64(75000), balance(t, svc, "alice"))
	assert.Equal(t, int64(25000), balance(t, svc, "bob"))

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConfirm_SecondCallIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionDelay, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	_, err := svc.Confirm(ctx, tx.TxID)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, tx.TxID)
	assert.ErrorIs(t, err, ErrNotPending)

	// Exactly one debit and one credit despite the second call.
	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(75000), balance(t, svc, "alice"))
	assert.Equal(t, int64(25000), balance(t, svc, "bob"))
}

func TestConfirm_InsufficientBalanceLeavesPending(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 10000)
	ctx := context.Background()

	tx := newTx(decision.ActionDelay, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	_, err := svc.Confirm(ctx, tx.TxID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// No mutation: still pending and retryable.
	fresh, err := svc.Transaction(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, decision.ActionDelay, fresh.Action)
	assert.Nil(t, fresh.AmountDeductedAt)
	assert.Equal(t, int64(10000), balance(t, svc, "alice"))
}

func TestConfirm_OnlyDelayedTransactions(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionBlock, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	_, err := svc.Confirm(ctx, tx.TxID)
	assert.ErrorIs(t, err, ErrNotDelayed)

	_, err = svc.Confirm(ctx, "999999999999")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestCancel(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionDelay, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	cancelled, err := svc.Cancel(ctx, tx.TxID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, decision.ActionBlock, cancelled.Action)
	assert.Equal(t, int64(100000), balance(t, svc, "alice"))

	// Funds never moved, so no REFUND row either.
	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = svc.Cancel(ctx, tx.TxID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestCancel_RefundsWhenDeducted(t *testing.T) {
	svc, store := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	// A pending delayed transaction whose debit already happened (the
	// deducted timestamp is the idempotence guard the refund keys off).
	now := time.Now()
	deducted := now.Add(-time.Minute)
	tx := newTx(decision.ActionDelay, 25000)
	tx.TxID = "100000000001"
	tx.Status = StatusPending
	tx.AmountDeductedAt = &deducted
	tx.CreatedAt = now.Add(-2 * time.Minute)
	tx.UpdatedAt = deducted
	require.NoError(t, store.CreateTransaction(ctx, tx))
	require.NoError(t, store.Transfer(ctx, "alice", "", 25000, tx.TxID))
	require.Equal(t, int64(75000), balance(t, svc, "alice"))

	cancelled, err := svc.Cancel(ctx, tx.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(100000), balance(t, svc, "alice"))

	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpDebit, entries[0].Operation)
	assert.Equal(t, OpRefund, entries[1].Operation)
}

func TestExpireStale(t *testing.T) {
	svc, store := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	stale := newTx(decision.ActionDelay, 25000)
	stale.TxID = "100000000002"
	stale.Status = StatusPending
	stale.CreatedAt = old
	stale.UpdatedAt = old
	require.NoError(t, store.CreateTransaction(ctx, stale))

	fresh := newTx(decision.ActionDelay, 10000)
	require.NoError(t, svc.Apply(ctx, fresh))

	expired, err := svc.ExpireStale(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := svc.Transaction(ctx, stale.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoRefunded, got.Status)
	assert.Equal(t, decision.ActionBlock, got.Action)

	// Funds were never deducted for this delayed transaction, so the
	// sweep must not fabricate a refund.
	assert.Equal(t, int64(100000), balance(t, svc, "alice"))
	entries, err := svc.Ledger(ctx, stale.TxID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The fresh delayed transaction is untouched.
	got, err = svc.Transaction(ctx, fresh.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// Second sweep over the same window is a no-op.
	expired, err = svc.ExpireStale(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestExpireStale_RefundsDeductedAmounts(t *testing.T) {
	svc, store := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	deducted := old.Add(time.Minute)
	tx := newTx(decision.ActionDelay, 30000)
	tx.TxID = "100000000003"
	tx.Status = StatusPending
	tx.CreatedAt = old
	tx.UpdatedAt = deducted
	tx.AmountDeductedAt = &deducted
	require.NoError(t, store.CreateTransaction(ctx, tx))
	require.NoError(t, store.Transfer(ctx, "alice", "", 30000, tx.TxID))

	expired, err := svc.ExpireStale(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	assert.Equal(t, int64(100000), balance(t, svc, "alice"))
	entries, err := svc.Ledger(ctx, tx.TxID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpRefund, entries[1].Operation)
}

func TestConcurrentApply_NeverOverdraws(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000) // covers exactly 4 payments of 25000
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Apply(ctx, newTx(decision.ActionAllow, 25000))
		}()
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientBalance)
			failed++
		}
	}

	assert.Equal(t, 4, succeeded)
	assert.Equal(t, attempts-4, failed)
	assert.Equal(t, int64(0), balance(t, svc, "alice"))
	assert.Equal(t, int64(100000), balance(t, svc, "bob"))
}

func TestConcurrentConfirmCancel_OneWins(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	tx := newTx(decision.ActionDelay, 25000)
	require.NoError(t, svc.Apply(ctx, tx))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Confirm(ctx, tx.TxID)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := svc.Cancel(ctx, tx.TxID)
		errs <- err
	}()
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrNotPending)
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	// Whichever won, the balance total is conserved.
	total := balance(t, svc, "alice") + balance(t, svc, "bob")
	assert.Equal(t, int64(100000), total)
}

func TestSetDailyLimit(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	require.NoError(t, svc.SetDailyLimit(ctx, "alice", 500000))
	acct, err := svc.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500000), acct.DailyLimit)

	assert.ErrorIs(t, svc.SetDailyLimit(ctx, "alice", 0), ErrInvalidAmount)
	assert.ErrorIs(t, svc.SetDailyLimit(ctx, "nobody", 500000), ErrAccountNotFound)
}

func TestResolveVPA(t *testing.T) {
	svc, _ := newTestService(t)
	seedAccounts(t, svc, 100000)
	ctx := context.Background()

	acct, err := svc.ResolveVPA(ctx, "BOB@UPI")
	require.NoError(t, err)
	assert.Equal(t, "bob", acct.UserID)

	_, err = svc.ResolveVPA(ctx, "stranger@otherbank")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCreateAccount_Duplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "alice", "alice@upi", 1000)
	require.NoError(t, err)
	_, err = svc.CreateAccount(ctx, "alice", "alice2@upi", 1000)
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestHistory_PagesNewestFirst(t *testing.T) {
	svc, store := newTestService(t)
	seedAccounts(t, svc, 10000000)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		tx := newTx(decision.ActionBlock, 1000)
		tx.TxID = fmt.Sprintf("%012d", 500000000000+i)
		tx.Status = StatusBlocked
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		tx.UpdatedAt = tx.CreatedAt
		require.NoError(t, store.CreateTransaction(ctx, tx))
	}

	page, cursor, hasMore, err := svc.History(ctx, "alice", "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, hasMore)
	assert.NotEmpty(t, cursor)
	assert.Equal(t, "500000000004", page[0].TxID)
	assert.Equal(t, "500000000002", page[2].TxID)

	page, cursor, hasMore, err = svc.History(ctx, "alice", cursor, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.False(t, hasMore)
	assert.Empty(t, cursor)
	assert.Equal(t, "500000000001", page[0].TxID)
	assert.Equal(t, "500000000000", page[1].TxID)

	_, _, _, err = svc.History(ctx, "alice", "not-a-cursor", 3)
	assert.ErrorIs(t, err, ErrBadCursor)

	page, _, hasMore, err = svc.History(ctx, "bob", "", 3)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.False(t, hasMore)
}
