package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/helpful-bits/plantocode-orchestrator/internal/metrics"
	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// Dialect selects the placeholder style and DDL quirks between the two
// database/sql drivers the ledger targets: SQLite for the desktop client and
// Postgres (via pgx's stdlib adapter) for the server's multi-user store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// placeholder renders the nth (1-based) bind parameter for the dialect.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

var _ Store = (*SQLStore)(nil)

// SQLStore is a database/sql-backed Store usable with either driver via
// Dialect. Like jobstore.SQLiteStore, it takes a process-wide write
// mutex around each check-then-write sequence; Postgres callers get the
// same serialization a row-level SELECT ... FOR UPDATE would give them,
// traded for simplicity of sharing one code path across both drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	writeMu sync.Mutex
}

// NewSQLStore wraps an already-opened *sql.DB. Use NewSQLiteStore or
// NewPostgresStore to also open the connection and run migrations.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed ledger.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: connecting to sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: setting WAL mode: %w", err)
	}

	s := NewSQLStore(db, DialectSQLite)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres-backed ledger over pgx's
// database/sql adapter, the server binary's multi-tenant backend.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening postgres database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: connecting to postgres: %w", err)
	}

	s := NewSQLStore(db, DialectPostgres)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	timestampType := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance TEXT NOT NULL DEFAULT '0.000000',
			free_credit_balance TEXT NOT NULL DEFAULT '0.000000',
			free_credits_granted_at %s,
			free_credits_expires_at %s,
			free_credits_expired INTEGER NOT NULL DEFAULT 0,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			net_amount TEXT NOT NULL,
			from_free TEXT NOT NULL DEFAULT '0.000000',
			from_paid TEXT NOT NULL DEFAULT '0.000000',
			reference TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id);
		CREATE TABLE IF NOT EXISTS api_usage (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			provider TEXT NOT NULL,
			request_id TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost TEXT NOT NULL DEFAULT '0.000000',
			canceled INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_api_usage_user ON api_usage(user_id);
		CREATE TABLE IF NOT EXISTS webhook_idempotency (
			webhook_event_id TEXT PRIMARY KEY,
			webhook_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			locked_by TEXT,
			locked_at %s,
			lock_expires_at %s,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_retry_at %s,
			error_message TEXT,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		);
	`, timestampType, timestampType, timestampType, timestampType, timestampType,
		timestampType, timestampType, timestampType, timestampType, timestampType, timestampType))
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind rewrites "?" placeholders into the dialect's native style.
// Queries in this file are written with "?" and passed through rebind
// so the same SQL text serves both drivers.
func (s *SQLStore) rebind(query string) string {
	if s.dialect == DialectSQLite {
		return query
	}
	n := 0
	out := make([]byte, 0, len(query)+8)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(s.dialect.placeholder(n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		userID, balance, freeBalance string
		grantedAt, expiresAt         sql.NullTime
		expired                      int
		createdAt, updatedAt         time.Time
	)
	if err := row.Scan(&userID, &balance, &freeBalance, &grantedAt, &expiresAt, &expired, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	bal, err := money.Parse(balance)
	if err != nil {
		return nil, fmt.Errorf("ledger: parsing balance: %w", err)
	}
	freeBal, err := money.Parse(freeBalance)
	if err != nil {
		return nil, fmt.Errorf("ledger: parsing free_credit_balance: %w", err)
	}

	account := &Account{
		UserID:             userID,
		Balance:            bal,
		FreeCreditBalance:  freeBal,
		FreeCreditsExpired: expired != 0,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
	if grantedAt.Valid {
		t := grantedAt.Time
		account.FreeCreditsGrantedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		account.FreeCreditsExpireAt = &t
	}
	return account, nil
}

const accountColumns = `user_id, balance, free_credit_balance, free_credits_granted_at,
	free_credits_expires_at, free_credits_expired, created_at, updated_at`

func (s *SQLStore) EnsureAccount(ctx context.Context, userID string) (*Account, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ensureAccountLocked(ctx, userID)
}

func (s *SQLStore) ensureAccountLocked(ctx context.Context, userID string) (*Account, error) {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, free_credit_balance, free_credits_expired, created_at, updated_at)
		VALUES (?, '0.000000', '0.000000', 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: ensuring account: %w", err)
	}

	row := s.queryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID)
	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: reading ensured account: %w", err)
	}
	return account, nil
}

func (s *SQLStore) Balance(ctx context.Context, userID string) (*Account, error) {
	row := s.queryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = ?`, userID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: reading balance: %w", err)
	}
	return account, nil
}

// DebitWithPriority consumes unexpired free credits first, then the
// paid balance, failing
// the whole operation (no partial deduction) if neither combination
// covers amount.
func (s *SQLStore) DebitWithPriority(ctx context.Context, userID string, amount money.Amount, reference string) (money.Amount, money.Amount, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	account, err := s.ensureAccountLocked(ctx, userID)
	if err != nil {
		return money.Zero, money.Zero, err
	}

	freeAvailable := money.Zero
	if !account.FreeCreditsExpired && account.FreeCreditsExpireAt != nil && account.FreeCreditsExpireAt.After(time.Now().UTC()) {
		freeAvailable = account.FreeCreditBalance
	}

	remaining := amount
	fromFree := money.Min(freeAvailable, remaining)
	if fromFree.IsNegative() {
		fromFree = money.Zero
	}
	remaining = remaining.Sub(fromFree)

	fromPaid := money.Zero
	if !remaining.IsZero() {
		if account.Balance.Cmp(remaining) < 0 {
			return money.Zero, money.Zero, &pkgerrors.CreditInsufficientError{
				UserID:    userID,
				Requested: amount,
				Available: account.Balance.Add(freeAvailable),
			}
		}
		fromPaid = remaining
	}

	newFreeBalance := account.FreeCreditBalance.Sub(fromFree)
	newPaidBalance := account.Balance.Sub(fromPaid)
	now := time.Now().UTC()

	_, err = s.exec(ctx, `
		UPDATE credit_accounts SET balance = ?, free_credit_balance = ?, updated_at = ?
		WHERE user_id = ?
	`, newPaidBalance.String(), newFreeBalance.String(), now, userID)
	if err != nil {
		return money.Zero, money.Zero, fmt.Errorf("ledger: applying debit: %w", err)
	}

	if err := s.recordTransactionLocked(ctx, userID, TransactionDebit, amount.Neg(), fromFree.Neg(), fromPaid.Neg(), reference); err != nil {
		return money.Zero, money.Zero, err
	}

	return fromFree, fromPaid, nil
}

func (s *SQLStore) Credit(ctx context.Context, userID string, amount money.Amount, reference string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	account, err := s.ensureAccountLocked(ctx, userID)
	if err != nil {
		return err
	}

	newBalance := account.Balance.Add(amount)
	now := time.Now().UTC()
	_, err = s.exec(ctx, `UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
		newBalance.String(), now, userID)
	if err != nil {
		return fmt.Errorf("ledger: applying credit: %w", err)
	}

	return s.recordTransactionLocked(ctx, userID, TransactionCredit, amount, money.Zero, amount, reference)
}

func (s *SQLStore) GrantFreeCredits(ctx context.Context, userID string, amount money.Amount, expiresAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	account, err := s.ensureAccountLocked(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.exec(ctx, `
		UPDATE credit_accounts
		SET free_credit_balance = ?, free_credits_granted_at = ?, free_credits_expires_at = ?,
			free_credits_expired = 0, updated_at = ?
		WHERE user_id = ?
	`, amount.String(), now, expiresAt, now, userID)
	if err != nil {
		return fmt.Errorf("ledger: granting free credits: %w", err)
	}

	// Record the change in free balance so the per-user transaction sum
	// still equals paid plus free balance for Reconcile.
	delta := amount.Sub(account.FreeCreditBalance)
	return s.recordTransactionLocked(ctx, userID, TransactionAdjust, delta, delta, money.Zero, "free_credit_grant")
}

// ExpireFreeCredits zeroes the free balance of every account past its
// expiry that isn't
// already flagged, recording one expiry transaction per account so the
// reconciliation sweep can still account for where the balance went.
func (s *SQLStore) ExpireFreeCredits(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	rows, err := s.query(ctx, `
		SELECT user_id, free_credit_balance FROM credit_accounts
		WHERE free_credits_expires_at < ? AND free_credits_expired = 0 AND free_credit_balance != '0.000000'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("ledger: selecting expiring accounts: %w", err)
	}
	type expiring struct {
		userID  string
		balance money.Amount
	}
	var toExpire []expiring
	for rows.Next() {
		var userID, balance string
		if err := rows.Scan(&userID, &balance); err != nil {
			rows.Close()
			return 0, fmt.Errorf("ledger: scanning expiring account: %w", err)
		}
		bal, err := money.Parse(balance)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("ledger: parsing expiring balance: %w", err)
		}
		toExpire = append(toExpire, expiring{userID: userID, balance: bal})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range toExpire {
		if _, err := s.exec(ctx, `
			UPDATE credit_accounts SET free_credit_balance = '0.000000', free_credits_expired = 1, updated_at = ?
			WHERE user_id = ?
		`, now, e.userID); err != nil {
			return 0, fmt.Errorf("ledger: expiring account %s: %w", e.userID, err)
		}
		if err := s.recordTransactionLocked(ctx, e.userID, TransactionExpiry, e.balance.Neg(), e.balance.Neg(), money.Zero, "free_credit_expiry"); err != nil {
			return 0, err
		}
	}

	return len(toExpire), nil
}

func (s *SQLStore) recordTransactionLocked(ctx context.Context, userID string, kind TransactionKind, netAmount, fromFree, fromPaid money.Amount, reference string) error {
	_, err := s.exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, kind, net_amount, from_free, from_paid, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), userID, string(kind), netAmount.String(), fromFree.String(), fromPaid.String(), reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ledger: recording transaction: %w", err)
	}
	metrics.LedgerTransactions.WithLabelValues(string(kind)).Inc()
	return nil
}

func (s *SQLStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT id, user_id, kind, net_amount, from_free, from_paid, reference, created_at
		FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var (
			id, uid, kind, net, free, paid, reference string
			createdAt                                 time.Time
		)
		if err := rows.Scan(&id, &uid, &kind, &net, &free, &paid, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning transaction: %w", err)
		}
		netAmount, err := money.Parse(net)
		if err != nil {
			return nil, err
		}
		fromFree, err := money.Parse(free)
		if err != nil {
			return nil, err
		}
		fromPaid, err := money.Parse(paid)
		if err != nil {
			return nil, err
		}
		out = append(out, &Transaction{
			ID: id, UserID: uid, Kind: TransactionKind(kind),
			NetAmount: netAmount, FromFree: fromFree, FromPaid: fromPaid,
			Reference: reference, CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}
