package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/upiguard/internal/decision"
	"github.com/mbd888/upiguard/internal/idgen"
	"github.com/mbd888/upiguard/internal/money"
	"github.com/mbd888/upiguard/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(15,2)
// rupees in the database and int64 paise in Go; conversion goes through
// internal/money at the boundary.
//
// Money movements run in serializable transactions with SELECT ... FOR
// UPDATE on the sender row; the CHECK constraint on balance >= 0 is the
// last line of defense against overdraft.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed settlement store.
// Run migrations (cmd/migrate) before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks connectivity, for health checks.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, vpa, balance, daily_limit, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(15,2), $4::NUMERIC(15,2), $5, $5)
	`, acct.UserID, strings.ToLower(acct.VPA), money.Format(acct.Balance), money.Format(acct.DailyLimit), acct.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrAccountExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, `
		SELECT user_id, vpa, balance, daily_limit, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`, userID))
}

func (p *PostgresStore) ResolveVPA(ctx context.Context, vpa string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, `
		SELECT user_id, vpa, balance, daily_limit, created_at, updated_at
		FROM accounts WHERE vpa = $1
	`, strings.ToLower(vpa)))
}

func (p *PostgresStore) scanAccount(row *sql.Row) (*Account, error) {
	acct := &Account{}
	var balance, limit string
	err := row.Scan(&acct.UserID, &acct.VPA, &balance, &limit, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acct.Balance, _ = money.Parse(balance)
	acct.DailyLimit, _ = money.Parse(limit)
	return acct, nil
}

func (p *PostgresStore) UpdateDailyLimit(ctx context.Context, userID string, limit int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET daily_limit = $2::NUMERIC(15,2), updated_at = NOW()
		WHERE user_id = $1
	`, userID, money.Format(limit))
	if err != nil {
		return fmt.Errorf("update daily limit: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			tx_id, sender_id, receiver_vpa, receiver_id, device_id, amount,
			channel, risk_score, action, status, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6::NUMERIC(15,2), $7, $8, $9, $10, $11, $11)
	`, tx.TxID, tx.SenderID, strings.ToLower(tx.ReceiverVPA), tx.ReceiverID, tx.DeviceID,
		money.Format(tx.Amount), tx.Channel, tx.RiskScore, string(tx.Action), string(tx.Status), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT tx_id, sender_id, receiver_vpa, COALESCE(receiver_id, ''), COALESCE(device_id, ''),
		       amount, COALESCE(channel, ''), risk_score, action, status,
		       amount_deducted_at, amount_credited_at, created_at, updated_at
		FROM transactions WHERE tx_id = $1
	`, txID)

	tx := &Transaction{}
	var amount, action, status string
	var deducted, credited sql.NullTime
	err := row.Scan(&tx.TxID, &tx.SenderID, &tx.ReceiverVPA, &tx.ReceiverID, &tx.DeviceID,
		&amount, &tx.Channel, &tx.RiskScore, &action, &status,
		&deducted, &credited, &tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Amount, _ = money.Parse(amount)
	tx.Action = decision.Action(action)
	tx.Status = Status(status)
	if deducted.Valid {
		tx.AmountDeductedAt = &deducted.Time
	}
	if credited.Valid {
		tx.AmountCreditedAt = &credited.Time
	}
	return tx, nil
}

func (p *PostgresStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			risk_score = $2, action = $3, status = $4,
			amount_deducted_at = $5, amount_credited_at = $6, updated_at = $7
		WHERE tx_id = $1
	`, tx.TxID, tx.RiskScore, string(tx.Action), string(tx.Status),
		nullableTime(tx.AmountDeductedAt), nullableTime(tx.AmountCreditedAt), tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListStaleDelayed(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tx_id FROM transactions
		WHERE action = 'DELAY' AND status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	txs := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := p.GetTransaction(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				continue
			}
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (p *PostgresStore) ListBySender(ctx context.Context, senderID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT tx_id FROM transactions
		WHERE sender_id = $1
		ORDER BY created_at DESC, tx_id DESC
		LIMIT $2`
	args := []interface{}{senderID, limit}
	if before != nil {
		query = `
			SELECT tx_id FROM transactions
			WHERE sender_id = $1 AND (created_at, tx_id) < ($2, $3)
			ORDER BY created_at DESC, tx_id DESC
			LIMIT $4`
		args = []interface{}{senderID, before.CreatedAt, before.ID, limit}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sender transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	txs := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := p.GetTransaction(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				continue
			}
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (p *PostgresStore) Transfer(ctx context.Context, senderID, receiverID string, amount int64, txID string) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	// Lock the sender row and verify funds before touching anything.
	var balanceStr string
	err = dbTx.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE
	`, senderID).Scan(&balanceStr)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("lock sender account: %w", err)
	}
	balance, _ := money.Parse(balanceStr)
	if balance < amount {
		return ErrInsufficientBalance
	}

	amt := money.Format(amount)
	_, err = dbTx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - $2::NUMERIC(15,2), updated_at = NOW()
		WHERE user_id = $1
	`, senderID, amt)
	if err != nil {
		return fmt.Errorf("debit sender: %w", err)
	}
	if err := insertLedger(ctx, dbTx, txID, OpDebit, senderID, amt, ""); err != nil {
		return err
	}

	if receiverID != "" {
		result, err := dbTx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance + $2::NUMERIC(15,2), updated_at = NOW()
			WHERE user_id = $1
		`, receiverID, amt)
		if err != nil {
			return fmt.Errorf("credit receiver: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrAccountNotFound
		}
		if err := insertLedger(ctx, dbTx, txID, OpCredit, receiverID, amt, ""); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

func (p *PostgresStore) Refund(ctx context.Context, userID string, amount int64, txID, remarks string) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	amt := money.Format(amount)
	result, err := dbTx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $2::NUMERIC(15,2), updated_at = NOW()
		WHERE user_id = $1
	`, userID, amt)
	if err != nil {
		return fmt.Errorf("refund account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	if err := insertLedger(ctx, dbTx, txID, OpRefund, userID, amt, remarks); err != nil {
		return err
	}

	return dbTx.Commit()
}

func insertLedger(ctx context.Context, dbTx *sql.Tx, txID string, op Operation, accountID, amount, remarks string) error {
	_, err := dbTx.ExecContext(ctx, `
		INSERT INTO transaction_ledger (id, tx_id, operation, account_id, amount, remarks, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(15,2), NULLIF($6, ''), NOW())
	`, idgen.WithPrefix("ldg_"), txID, string(op), accountID, amount, remarks)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) LedgerEntries(ctx context.Context, txID string) ([]*LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tx_id, operation, account_id, amount, COALESCE(remarks, ''), created_at
		FROM transaction_ledger
		WHERE tx_id = $1
		ORDER BY created_at ASC, id ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		var op, amount string
		if err := rows.Scan(&e.ID, &e.TxID, &op, &e.AccountID, &amount, &e.Remarks, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Operation = Operation(op)
		e.Amount, _ = money.Parse(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) AddDailySpend(ctx context.Context, userID string, day time.Time, amount int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_daily_transactions (user_id, date, total_amount, tx_count)
		VALUES ($1, $2, $3::NUMERIC(15,2), 1)
		ON CONFLICT (user_id, date) DO UPDATE SET
			total_amount = user_daily_transactions.total_amount + $3::NUMERIC(15,2),
			tx_count     = user_daily_transactions.tx_count + 1
	`, userID, day.UTC().Format("2006-01-02"), money.Format(amount))
	if err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return nil
}

func (p *PostgresStore) DailySpend(ctx context.Context, userID string, day time.Time) (*DailyStats, error) {
	var total string
	stats := &DailyStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_amount, tx_count FROM user_daily_transactions
		WHERE user_id = $1 AND date = $2
	`, userID, day.UTC().Format("2006-01-02")).Scan(&total, &stats.TxCount)
	if err == sql.ErrNoRows {
		return &DailyStats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daily aggregate: %w", err)
	}
	stats.TotalAmount, _ = money.Parse(total)
	return stats, nil
}

func (p *PostgresStore) CountAllowedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE sender_id = $1 AND created_at >= $2 AND status IN ('success', 'confirmed')
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count allowed transactions: %w", err)
	}
	return count, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
