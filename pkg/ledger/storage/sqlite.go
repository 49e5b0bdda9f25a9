package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3"
	sqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"mercator-hq/credits/pkg/ledger/model"
)

// SQLiteStore implements Store on a single SQLite database file.
//
// The pool is limited to one connection, so statements from this process
// are serialized by database/sql rather than by application locks. Every
// operation runs in one transaction and the balance condition lives in the
// UPDATE's WHERE clause.
type SQLiteStore struct {
	db               *sql.DB
	path             string
	snapshotInterval time.Duration
	logger           *slog.Logger
	done             chan struct{}
	closeOnce        sync.Once
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:".
	Path string

	// Driver selects the database/sql driver: "sqlite" (pure Go, default)
	// or "sqlite3" (cgo).
	Driver string

	// BusyTimeout is how long to wait for locks held by other processes.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// SnapshotInterval is how often to checkpoint the WAL. Zero disables it.
	// Default: 5 minutes
	SnapshotInterval time.Duration
}

const (
	sqliteDriverModernc = "sqlite"
	sqliteDriverCGO     = "sqlite3"
)

// NewSQLiteStore opens (and if needed creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = sqliteDriverModernc
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}

	dsn, err := sqliteDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := newSQLiteStore(db, cfg.Path)
	if err := store.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Path != ":memory:" && cfg.SnapshotInterval > 0 {
		store.snapshotInterval = cfg.SnapshotInterval
		go store.checkpointLoop()
	}
	return store, nil
}

func newSQLiteStore(db *sql.DB, path string) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "ledger.storage.sqlite"),
		done:   make(chan struct{}),
	}
}

func sqliteDSN(cfg SQLiteConfig) (string, error) {
	busy := int(cfg.BusyTimeout.Milliseconds())
	memory := cfg.Path == ":memory:"
	switch cfg.Driver {
	case sqliteDriverModernc:
		params := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busy), "_pragma=synchronous(NORMAL)", "_txlock=immediate"}
		if !memory {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
		return cfg.Path + "?" + strings.Join(params, "&"), nil
	case sqliteDriverCGO:
		params := []string{fmt.Sprintf("_busy_timeout=%d", busy), "_synchronous=NORMAL", "_txlock=immediate"}
		if !memory {
			params = append(params, "_journal_mode=WAL")
		}
		return "file:" + cfg.Path + "?" + strings.Join(params, "&"), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q (expected %q or %q)", cfg.Driver, sqliteDriverModernc, sqliteDriverCGO)
	}
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_records (
		user_id TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS endpoint_limits (
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		token_credits INTEGER NOT NULL DEFAULT 0 CHECK (token_credits >= 0),
		enabled INTEGER NOT NULL DEFAULT 1,
		last_used INTEGER NOT NULL DEFAULT 0,
		auto_refill_enabled INTEGER NOT NULL DEFAULT 0,
		refill_amount INTEGER NOT NULL DEFAULT 0,
		refill_interval_value INTEGER NOT NULL DEFAULT 0,
		refill_interval_unit TEXT NOT NULL DEFAULT 'days',
		last_refill INTEGER NOT NULL DEFAULT 0,
		alerts_sent TEXT NOT NULL DEFAULT '[]',
		last_alert_reset INTEGER NOT NULL DEFAULT 0,
		alert_balance INTEGER NOT NULL DEFAULT 0,
		alert_version INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, endpoint)
	);

	CREATE INDEX IF NOT EXISTS idx_endpoint_limits_auto_refill ON endpoint_limits(auto_refill_enabled);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		token_type TEXT NOT NULL,
		context TEXT NOT NULL,
		raw_amount INTEGER NOT NULL,
		token_value INTEGER NOT NULL,
		balance INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_created ON credit_transactions(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const sqliteLimitColumns = `endpoint, token_credits, enabled, last_used, auto_refill_enabled, refill_amount,
	refill_interval_value, refill_interval_unit, last_refill, alerts_sent, last_alert_reset, alert_balance, alert_version`

const (
	sqliteDebitQuery = `UPDATE endpoint_limits SET token_credits = token_credits - ?, last_used = ?
		WHERE user_id = ? AND endpoint = ? AND enabled = 1 AND token_credits >= ?
		RETURNING token_credits`

	sqliteRefillDebitQuery = `UPDATE endpoint_limits SET token_credits = ?, last_refill = ?, last_used = ?
		WHERE user_id = ? AND endpoint = ? AND token_credits = ? AND last_refill = ?`

	sqliteRefillQuery = `UPDATE endpoint_limits SET token_credits = token_credits + ?, last_refill = ?
		WHERE user_id = ? AND endpoint = ? AND last_refill = ?
		RETURNING token_credits`

	sqliteAdjustQuery = `UPDATE endpoint_limits SET token_credits = token_credits + ?
		WHERE user_id = ? AND endpoint = ? AND token_credits + ? >= 0
		RETURNING token_credits`

	sqliteSwapAlertsQuery = `UPDATE endpoint_limits SET alerts_sent = ?, alert_balance = ?, last_alert_reset = ?, alert_version = alert_version + 1
		WHERE user_id = ? AND endpoint = ? AND alert_version = ?`

	sqliteInsertTxQuery = `INSERT INTO credit_transactions (id, user_id, endpoint, token_type, context, raw_amount, token_value, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	sqliteLookupTxQuery = `SELECT token_value, balance FROM credit_transactions WHERE id = ?`

	sqliteUpsertRecordQuery = `INSERT INTO ledger_records (user_id, schema_version, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = excluded.updated_at`
)

// EnsureRecord creates an empty record for user if none exists.
func (s *SQLiteStore) EnsureRecord(ctx context.Context, user string, now time.Time) (bool, error) {
	if user == "" {
		return false, model.ErrInvalidRequest
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_records (user_id, schema_version, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (user_id) DO NOTHING`,
		user, model.CurrentSchemaVersion, toNanos(now), toNanos(now))
	if err != nil {
		return false, classifySQLiteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQLiteError(err)
	}
	return n > 0, nil
}

// GetRecord returns the full record of user.
func (s *SQLiteStore) GetRecord(ctx context.Context, user string) (*model.LedgerRecord, error) {
	rec := &model.LedgerRecord{User: user, Limits: make(map[string]model.EndpointLimit)}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, created_at, updated_at FROM ledger_records WHERE user_id = ?`, user,
	).Scan(&rec.SchemaVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteLimitColumns+` FROM endpoint_limits WHERE user_id = ? ORDER BY endpoint`, user)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanSQLiteLimit(rows)
		if err != nil {
			return nil, err
		}
		rec.Limits[l.Endpoint] = *l
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return rec, nil
}

// GetLimit returns one limit.
func (s *SQLiteStore) GetLimit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error) {
	l, err := loadSQLiteLimit(ctx, s.db, user, endpoint)
	if err != nil {
		return nil, wrapOp("get", user, endpoint, err)
	}
	return l, nil
}

// UpsertLimit creates or patches a limit in one transaction.
func (s *SQLiteStore) UpsertLimit(ctx context.Context, user string, update model.LimitUpdate, now time.Time) (*model.EndpointLimit, error) {
	if user == "" {
		return nil, model.ErrInvalidRequest
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var out *model.EndpointLimit
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqliteUpsertRecordQuery, user, model.CurrentSchemaVersion, toNanos(now), toNanos(now)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO endpoint_limits (user_id, endpoint) VALUES (?, ?) ON CONFLICT (user_id, endpoint) DO NOTHING`,
			user, update.Endpoint); err != nil {
			return err
		}
		if sets, args := sqliteLimitPatch(update); len(sets) > 0 {
			args = append(args, user, update.Endpoint)
			q := `UPDATE endpoint_limits SET ` + strings.Join(sets, ", ") + ` WHERE user_id = ? AND endpoint = ?`
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
		}
		l, err := loadSQLiteLimit(ctx, tx, user, update.Endpoint)
		out = l
		return err
	})
	if err != nil {
		return nil, wrapOp("upsert", user, update.Endpoint, err)
	}
	return out, nil
}

func sqliteLimitPatch(u model.LimitUpdate) ([]string, []any) {
	var sets []string
	var args []any
	if u.TokenCredits != nil {
		sets, args = append(sets, "token_credits = ?"), append(args, *u.TokenCredits)
	}
	if u.Enabled != nil {
		sets, args = append(sets, "enabled = ?"), append(args, boolInt(*u.Enabled))
	}
	if u.AutoRefillEnabled != nil {
		sets, args = append(sets, "auto_refill_enabled = ?"), append(args, boolInt(*u.AutoRefillEnabled))
	}
	if u.RefillAmount != nil {
		sets, args = append(sets, "refill_amount = ?"), append(args, *u.RefillAmount)
	}
	if u.RefillIntervalValue != nil {
		sets, args = append(sets, "refill_interval_value = ?"), append(args, *u.RefillIntervalValue)
	}
	if u.RefillIntervalUnit != nil {
		sets, args = append(sets, "refill_interval_unit = ?"), append(args, string(*u.RefillIntervalUnit))
	}
	if u.LastRefill != nil {
		sets, args = append(sets, "last_refill = ?"), append(args, toNanos(*u.LastRefill))
	}
	return sets, args
}

// RemoveLimit deletes a limit.
func (s *SQLiteStore) RemoveLimit(ctx context.Context, user, endpoint string, now time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM endpoint_limits WHERE user_id = ? AND endpoint = ?`, user, endpoint)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return model.ErrEndpointNotConfigured
		}
		_, err = tx.ExecContext(ctx, `UPDATE ledger_records SET updated_at = ? WHERE user_id = ?`, toNanos(now), user)
		return err
	})
	return wrapOp("remove", user, endpoint, err)
}

// Debit applies the conditional decrement, falling back to a guarded
// refill-then-debit when the limit allows it.
func (s *SQLiteStore) Debit(ctx context.Context, op DebitOp) (*DebitOutcome, error) {
	if err := validateDebit(op); err != nil {
		return nil, err
	}

	var out *DebitOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := sqlitePriorDebit(ctx, tx, op.OpID)
		if err != nil || prior != nil {
			out = prior
			return err
		}

		var balance int64
		err = tx.QueryRowContext(ctx, sqliteDebitQuery, op.Amount, toNanos(op.Now), op.User, op.Endpoint, op.Amount).Scan(&balance)
		if err == nil {
			out = &DebitOutcome{Balance: balance}
			return insertSQLiteTx(ctx, tx, debitEntry(op, balance))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		l, err := loadSQLiteLimit(ctx, tx, op.User, op.Endpoint)
		if err != nil {
			return err
		}
		if !l.Enabled {
			return model.ErrEndpointDisabled
		}
		if l.TokenCredits >= op.Amount {
			// balance changed between the two statements
			return model.ErrStorageConflict
		}
		if !l.AutoRefillEnabled || !l.RefillDue(op.Now) || l.TokenCredits+l.RefillAmount < op.Amount {
			return insufficient(op, l.TokenCredits)
		}

		refilled := l.TokenCredits + l.RefillAmount
		balance = refilled - op.Amount
		res, err := tx.ExecContext(ctx, sqliteRefillDebitQuery,
			balance, toNanos(op.Now), toNanos(op.Now), op.User, op.Endpoint, l.TokenCredits, toNanos(l.LastRefill))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return model.ErrStorageConflict
		}
		refillTx := refillEntry(op.User, op.Endpoint, model.ContextAutoRefill, l.RefillAmount, refilled, op.Now)
		refillTx.ID = autoRefillEntryID(op.OpID)
		if err := insertSQLiteTx(ctx, tx, refillTx); err != nil {
			return err
		}
		out = &DebitOutcome{Balance: balance, Refilled: true, RefillAmount: l.RefillAmount}
		return insertSQLiteTx(ctx, tx, debitEntry(op, balance))
	})
	if err != nil {
		return nil, wrapOp("debit", op.User, op.Endpoint, err)
	}
	return out, nil
}

// Refill applies a due refill guarded on the last refill time read in the
// same transaction.
func (s *SQLiteStore) Refill(ctx context.Context, op RefillOp) (*RefillOutcome, error) {
	var out *RefillOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		l, err := loadSQLiteLimit(ctx, tx, op.User, op.Endpoint)
		if err != nil {
			return err
		}
		if (op.RequireAutoRefill && !l.AutoRefillEnabled) || !l.RefillDue(op.Now) {
			out = &RefillOutcome{Balance: l.TokenCredits}
			return nil
		}
		var balance int64
		err = tx.QueryRowContext(ctx, sqliteRefillQuery,
			l.RefillAmount, toNanos(op.Now), op.User, op.Endpoint, toNanos(l.LastRefill)).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrStorageConflict
		}
		if err != nil {
			return err
		}
		out = &RefillOutcome{Refilled: true, Amount: l.RefillAmount, Balance: balance}
		return insertSQLiteTx(ctx, tx, refillEntry(op.User, op.Endpoint, op.Context, l.RefillAmount, balance, op.Now))
	})
	if err != nil {
		return nil, wrapOp("refill", op.User, op.Endpoint, err)
	}
	return out, nil
}

// Adjust applies a signed delta guarded against going negative.
func (s *SQLiteStore) Adjust(ctx context.Context, op AdjustOp) (*AdjustOutcome, error) {
	var out *AdjustOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if op.OpID != "" {
			_, balance, found, err := lookupSQLiteTx(ctx, tx, op.OpID)
			if err != nil || found {
				out = &AdjustOutcome{Balance: balance}
				return err
			}
		}

		var balance int64
		err := tx.QueryRowContext(ctx, sqliteAdjustQuery, op.Delta, op.User, op.Endpoint, op.Delta).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			l, err := loadSQLiteLimit(ctx, tx, op.User, op.Endpoint)
			if err != nil {
				return err
			}
			return &model.LedgerError{Op: "adjust", User: op.User, Endpoint: op.Endpoint,
				Balance: l.TokenCredits, Requested: -op.Delta, Err: model.ErrInsufficientCredits}
		}
		if err != nil {
			return err
		}
		out = &AdjustOutcome{Balance: balance}
		return insertSQLiteTx(ctx, tx, adjustEntry(op, balance))
	})
	if err != nil {
		return nil, wrapOp("adjust", op.User, op.Endpoint, err)
	}
	return out, nil
}

// SwapAlertState writes alert state if the version matches.
func (s *SQLiteStore) SwapAlertState(ctx context.Context, user, endpoint string, expectVersion int64, next model.AlertState) error {
	sent, err := json.Marshal(nonNilThresholds(next.Sent))
	if err != nil {
		return fmt.Errorf("failed to encode alert thresholds: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqliteSwapAlertsQuery,
		string(sent), next.ObservedBalance, toNanos(next.LastReset), user, endpoint, expectVersion)
	if err != nil {
		return wrapOp("alerts", user, endpoint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapOp("alerts", user, endpoint, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := loadSQLiteLimit(ctx, s.db, user, endpoint); err != nil {
		return wrapOp("alerts", user, endpoint, err)
	}
	return model.NewLedgerError("alerts", user, endpoint, model.ErrStorageConflict)
}

// ListAutoRefill returns every limit with auto-refill enabled.
func (s *SQLiteStore) ListAutoRefill(ctx context.Context) ([]model.LimitRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, endpoint FROM endpoint_limits WHERE auto_refill_enabled = 1 ORDER BY user_id, endpoint`)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()

	var refs []model.LimitRef
	for rows.Next() {
		var ref model.LimitRef
		if err := rows.Scan(&ref.User, &ref.Endpoint); err != nil {
			return nil, classifySQLiteError(err)
		}
		refs = append(refs, ref)
	}
	return refs, classifySQLiteError(rows.Err())
}

// ListUsers returns every user with a record.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM ledger_records ORDER BY user_id`)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, classifySQLiteError(err)
		}
		users = append(users, u)
	}
	return users, classifySQLiteError(rows.Err())
}

// AppendTransaction stores an out-of-band entry.
func (s *SQLiteStore) AppendTransaction(ctx context.Context, entry model.TransactionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return classifySQLiteError(insertSQLiteTx(ctx, s.db, entry))
}

// Transactions returns matching entries, oldest first.
func (s *SQLiteStore) Transactions(ctx context.Context, filter TxFilter) ([]model.TransactionEntry, error) {
	var where []string
	var args []any
	if filter.User != "" {
		where, args = append(where, "user_id = ?"), append(args, filter.User)
	}
	if filter.Endpoint != "" {
		where, args = append(where, "endpoint = ?"), append(args, filter.Endpoint)
	}
	if filter.Context != "" {
		where, args = append(where, "context = ?"), append(args, string(filter.Context))
	}
	if !filter.Since.IsZero() {
		where, args = append(where, "created_at >= ?"), append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		where, args = append(where, "created_at < ?"), append(args, toNanos(filter.Until))
	}

	q := `SELECT id, user_id, endpoint, token_type, context, raw_amount, token_value, balance, created_at FROM credit_transactions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()

	var out []model.TransactionEntry
	for rows.Next() {
		var e model.TransactionEntry
		var tokenType, txCtx string
		var created int64
		if err := rows.Scan(&e.ID, &e.User, &e.Endpoint, &tokenType, &txCtx, &e.RawAmount, &e.TokenValue, &e.Balance, &created); err != nil {
			return nil, classifySQLiteError(err)
		}
		e.TokenType = model.TokenType(tokenType)
		e.Context = model.TxContext(txCtx)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, classifySQLiteError(rows.Err())
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classifySQLiteError(s.db.PingContext(ctx))
}

// Close stops the checkpoint loop and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}

// checkpointLoop periodically checkpoints the WAL.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", "path", s.path, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadSQLiteLimit(ctx context.Context, q sqlQueryer, user, endpoint string) (*model.EndpointLimit, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteLimitColumns+` FROM endpoint_limits WHERE user_id = ? AND endpoint = ?`, user, endpoint)
	l, err := scanSQLiteLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrEndpointNotConfigured
	}
	return l, err
}

func scanSQLiteLimit(row rowScanner) (*model.EndpointLimit, error) {
	var (
		l                               model.EndpointLimit
		enabled, autoRefill             int64
		lastUsed, lastRefill, lastReset int64
		unit, sent                      string
	)
	err := row.Scan(&l.Endpoint, &l.TokenCredits, &enabled, &lastUsed, &autoRefill, &l.RefillAmount,
		&l.RefillIntervalValue, &unit, &lastRefill, &sent, &lastReset, &l.AlertBalance, &l.AlertVersion)
	if err != nil {
		return nil, err
	}
	l.Enabled = enabled != 0
	l.AutoRefillEnabled = autoRefill != 0
	l.RefillIntervalUnit = model.IntervalUnit(unit)
	l.LastUsed = fromNanos(lastUsed)
	l.LastRefill = fromNanos(lastRefill)
	l.LastAlertReset = fromNanos(lastReset)
	if sent != "" {
		if err := json.Unmarshal([]byte(sent), &l.AlertsSent); err != nil {
			return nil, fmt.Errorf("failed to decode alerts_sent: %w", err)
		}
	}
	if len(l.AlertsSent) == 0 {
		l.AlertsSent = nil
	}
	return &l, nil
}

// lookupSQLiteTx returns the value and balance of the entry with id.
func lookupSQLiteTx(ctx context.Context, q sqlQueryer, id string) (value, balance int64, found bool, err error) {
	err = q.QueryRowContext(ctx, sqliteLookupTxQuery, id).Scan(&value, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return value, balance, true, nil
}

// sqlitePriorDebit returns the outcome of debit opID when it was already
// applied, or nil.
func sqlitePriorDebit(ctx context.Context, q sqlQueryer, opID string) (*DebitOutcome, error) {
	if opID == "" {
		return nil, nil
	}
	_, balance, found, err := lookupSQLiteTx(ctx, q, opID)
	if err != nil || !found {
		return nil, err
	}
	out := &DebitOutcome{Balance: balance}
	amount, _, refilled, err := lookupSQLiteTx(ctx, q, autoRefillEntryID(opID))
	if err != nil {
		return nil, err
	}
	if refilled {
		out.Refilled = true
		out.RefillAmount = amount
	}
	return out, nil
}

func insertSQLiteTx(ctx context.Context, q sqlQueryer, e model.TransactionEntry) error {
	_, err := q.ExecContext(ctx, sqliteInsertTxQuery,
		e.ID, e.User, e.Endpoint, string(e.TokenType), string(e.Context), e.RawAmount, e.TokenValue, e.Balance, toNanos(e.CreatedAt))
	return err
}

// classifySQLiteError maps driver errors onto the retryable storage sentinels.
func classifySQLiteError(err error) error {
	if err == nil || errors.Is(err, model.ErrStorageConflict) || errors.Is(err, model.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", model.ErrStorageConflict, err)
		case sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_FULL:
			return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
		}
		return err
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %w", model.ErrStorageConflict, err)
	case strings.Contains(msg, "unable to open database"), strings.Contains(msg, "disk i/o error"),
		strings.Contains(msg, "sql: database is closed"):
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	return err
}

// wrapOp attaches operation context to err unless it already carries it.
func wrapOp(op, user, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var le *model.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return model.NewLedgerError(op, user, endpoint, classifySQLiteError(err))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilThresholds(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}
