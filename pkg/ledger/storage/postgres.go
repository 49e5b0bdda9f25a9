package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mercator-hq/credits/pkg/ledger/model"
)

// PostgresStore implements Store on PostgreSQL.
//
// Debits are a single conditional UPDATE ... RETURNING; PostgreSQL re-checks
// the WHERE clause after waiting on a concurrent writer's row lock, so no
// explicit locking is needed on the fast path. Refill paths lock the row with
// SELECT ... FOR UPDATE inside the operation's transaction.
type PostgresStore struct {
	pool        *pgxpool.Pool
	tablePrefix string
	ownsPool    bool
}

// PostgresConfig configures OpenPostgres.
type PostgresConfig struct {
	// DSN is a PostgreSQL connection string.
	DSN string

	// TablePrefix is prepended to every table name.
	// Default: "credits_"
	TablePrefix string

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the table name prefix (default "credits_").
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) { s.tablePrefix = prefix }
}

// NewPostgresStore wraps an existing pool. The caller keeps ownership of it.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:        pool,
		tablePrefix: "credits_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres connects, verifies the connection, and ensures the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", classifyPostgresError(err))
	}

	var opts []PostgresOption
	if cfg.TablePrefix != "" {
		opts = append(opts, WithTablePrefix(cfg.TablePrefix))
	}
	s := NewPostgresStore(pool, opts...)
	s.ownsPool = true
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) recordsTable() string { return s.tablePrefix + "ledger_records" }
func (s *PostgresStore) limitsTable() string  { return s.tablePrefix + "endpoint_limits" }
func (s *PostgresStore) txTable() string      { return s.tablePrefix + "credit_transactions" }

// EnsureSchema creates the required tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			schema_version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			token_credits BIGINT NOT NULL DEFAULT 0 CHECK (token_credits >= 0),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_used TIMESTAMPTZ,
			auto_refill_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			refill_amount BIGINT NOT NULL DEFAULT 0,
			refill_interval_value BIGINT NOT NULL DEFAULT 0,
			refill_interval_unit TEXT NOT NULL DEFAULT 'days',
			last_refill TIMESTAMPTZ,
			alerts_sent BIGINT[] NOT NULL DEFAULT '{}',
			last_alert_reset TIMESTAMPTZ,
			alert_balance BIGINT NOT NULL DEFAULT 0,
			alert_version BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, endpoint)
		);
		CREATE INDEX IF NOT EXISTS %[2]s_auto_refill_idx ON %[2]s (user_id, endpoint) WHERE auto_refill_enabled;
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			token_type TEXT NOT NULL,
			context TEXT NOT NULL,
			raw_amount BIGINT NOT NULL,
			token_value BIGINT NOT NULL,
			balance BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_user_idx ON %[3]s (user_id, created_at);
	`, s.recordsTable(), s.limitsTable(), s.txTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("credits/postgres: ensure schema: %w", classifyPostgresError(err))
	}
	return nil
}

const pgLimitColumns = `endpoint, token_credits, enabled, last_used, auto_refill_enabled, refill_amount,
	refill_interval_value, refill_interval_unit, last_refill, alerts_sent, last_alert_reset, alert_balance, alert_version`

// EnsureRecord creates an empty record for user if none exists.
func (s *PostgresStore) EnsureRecord(ctx context.Context, user string, now time.Time) (bool, error) {
	if user == "" {
		return false, model.ErrInvalidRequest
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, schema_version, created_at, updated_at) VALUES ($1, $2, $3, $3) ON CONFLICT DO NOTHING`, s.recordsTable()),
		user, model.CurrentSchemaVersion, now)
	if err != nil {
		return false, classifyPostgresError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRecord returns the full record of user.
func (s *PostgresStore) GetRecord(ctx context.Context, user string) (*model.LedgerRecord, error) {
	rec := &model.LedgerRecord{User: user, Limits: make(map[string]model.EndpointLimit)}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT schema_version, created_at, updated_at FROM %s WHERE user_id = $1`, s.recordsTable()), user,
	).Scan(&rec.SchemaVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	rec.CreatedAt, rec.UpdatedAt = rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY endpoint`, pgLimitColumns, s.limitsTable()), user)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanPostgresLimit(rows)
		if err != nil {
			return nil, classifyPostgresError(err)
		}
		rec.Limits[l.Endpoint] = *l
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err)
	}
	return rec, nil
}

// GetLimit returns one limit.
func (s *PostgresStore) GetLimit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error) {
	l, err := s.loadLimit(ctx, s.pool, user, endpoint, false)
	if err != nil {
		return nil, wrapPostgresOp("get", user, endpoint, err)
	}
	return l, nil
}

// UpsertLimit creates or patches a limit in one transaction.
func (s *PostgresStore) UpsertLimit(ctx context.Context, user string, update model.LimitUpdate, now time.Time) (*model.EndpointLimit, error) {
	if user == "" {
		return nil, model.ErrInvalidRequest
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var out *model.EndpointLimit
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, schema_version, created_at, updated_at) VALUES ($1, $2, $3, $3)
				ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`, s.recordsTable()),
			user, model.CurrentSchemaVersion, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, endpoint) VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.limitsTable()),
			user, update.Endpoint); err != nil {
			return err
		}
		if sets, args := postgresLimitPatch(update); len(sets) > 0 {
			n := len(args)
			args = append(args, user, update.Endpoint)
			q := fmt.Sprintf(`UPDATE %s SET %s WHERE user_id = $%d AND endpoint = $%d`,
				s.limitsTable(), strings.Join(sets, ", "), n+1, n+2)
			if _, err := tx.Exec(ctx, q, args...); err != nil {
				return err
			}
		}
		l, err := s.loadLimit(ctx, tx, user, update.Endpoint, false)
		out = l
		return err
	})
	if err != nil {
		return nil, wrapPostgresOp("upsert", user, update.Endpoint, err)
	}
	return out, nil
}

func postgresLimitPatch(u model.LimitUpdate) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.TokenCredits != nil {
		add("token_credits", *u.TokenCredits)
	}
	if u.Enabled != nil {
		add("enabled", *u.Enabled)
	}
	if u.AutoRefillEnabled != nil {
		add("auto_refill_enabled", *u.AutoRefillEnabled)
	}
	if u.RefillAmount != nil {
		add("refill_amount", *u.RefillAmount)
	}
	if u.RefillIntervalValue != nil {
		add("refill_interval_value", *u.RefillIntervalValue)
	}
	if u.RefillIntervalUnit != nil {
		add("refill_interval_unit", string(*u.RefillIntervalUnit))
	}
	if u.LastRefill != nil {
		add("last_refill", nullTime(*u.LastRefill))
	}
	return sets, args
}

// RemoveLimit deletes a limit.
func (s *PostgresStore) RemoveLimit(ctx context.Context, user, endpoint string, now time.Time) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND endpoint = $2`, s.limitsTable()), user, endpoint)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrEndpointNotConfigured
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET updated_at = $1 WHERE user_id = $2`, s.recordsTable()), now, user)
		return err
	})
	return wrapPostgresOp("remove", user, endpoint, err)
}

// Debit applies the conditional decrement, falling back to a locked
// refill-then-debit when the limit allows it.
func (s *PostgresStore) Debit(ctx context.Context, op DebitOp) (*DebitOutcome, error) {
	if err := validateDebit(op); err != nil {
		return nil, err
	}

	var out *DebitOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		prior, err := s.priorDebit(ctx, tx, op.OpID)
		if err != nil || prior != nil {
			out = prior
			return err
		}

		var balance int64
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET token_credits = token_credits - $1, last_used = $2
				WHERE user_id = $3 AND endpoint = $4 AND enabled AND token_credits >= $1
				RETURNING token_credits`, s.limitsTable()),
			op.Amount, op.Now, op.User, op.Endpoint,
		).Scan(&balance)
		if err == nil {
			out = &DebitOutcome{Balance: balance}
			return s.insertTx(ctx, tx, debitEntry(op, balance))
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		l, err := s.loadLimit(ctx, tx, op.User, op.Endpoint, true)
		if err != nil {
			return err
		}
		if !l.Enabled {
			return model.ErrEndpointDisabled
		}
		if l.TokenCredits >= op.Amount {
			return model.ErrStorageConflict
		}
		if !l.AutoRefillEnabled || !l.RefillDue(op.Now) || l.TokenCredits+l.RefillAmount < op.Amount {
			return insufficient(op, l.TokenCredits)
		}

		refilled := l.TokenCredits + l.RefillAmount
		balance = refilled - op.Amount
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET token_credits = $1, last_refill = $2, last_used = $2 WHERE user_id = $3 AND endpoint = $4`, s.limitsTable()),
			balance, op.Now, op.User, op.Endpoint); err != nil {
			return err
		}
		refillTx := refillEntry(op.User, op.Endpoint, model.ContextAutoRefill, l.RefillAmount, refilled, op.Now)
		refillTx.ID = autoRefillEntryID(op.OpID)
		if err := s.insertTx(ctx, tx, refillTx); err != nil {
			return err
		}
		out = &DebitOutcome{Balance: balance, Refilled: true, RefillAmount: l.RefillAmount}
		return s.insertTx(ctx, tx, debitEntry(op, balance))
	})
	if err != nil {
		return nil, wrapPostgresOp("debit", op.User, op.Endpoint, err)
	}
	return out, nil
}

// Refill applies a due refill under a row lock.
func (s *PostgresStore) Refill(ctx context.Context, op RefillOp) (*RefillOutcome, error) {
	var out *RefillOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		l, err := s.loadLimit(ctx, tx, op.User, op.Endpoint, true)
		if err != nil {
			return err
		}
		if (op.RequireAutoRefill && !l.AutoRefillEnabled) || !l.RefillDue(op.Now) {
			out = &RefillOutcome{Balance: l.TokenCredits}
			return nil
		}
		var balance int64
		if err := tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET token_credits = token_credits + $1, last_refill = $2
				WHERE user_id = $3 AND endpoint = $4 RETURNING token_credits`, s.limitsTable()),
			l.RefillAmount, op.Now, op.User, op.Endpoint,
		).Scan(&balance); err != nil {
			return err
		}
		out = &RefillOutcome{Refilled: true, Amount: l.RefillAmount, Balance: balance}
		return s.insertTx(ctx, tx, refillEntry(op.User, op.Endpoint, op.Context, l.RefillAmount, balance, op.Now))
	})
	if err != nil {
		return nil, wrapPostgresOp("refill", op.User, op.Endpoint, err)
	}
	return out, nil
}

// Adjust applies a signed delta guarded against going negative.
func (s *PostgresStore) Adjust(ctx context.Context, op AdjustOp) (*AdjustOutcome, error) {
	var out *AdjustOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if op.OpID != "" {
			_, balance, found, err := s.lookupTx(ctx, tx, op.OpID)
			if err != nil || found {
				out = &AdjustOutcome{Balance: balance}
				return err
			}
		}

		var balance int64
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET token_credits = token_credits + $1
				WHERE user_id = $2 AND endpoint = $3 AND token_credits + $1 >= 0
				RETURNING token_credits`, s.limitsTable()),
			op.Delta, op.User, op.Endpoint,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			l, err := s.loadLimit(ctx, tx, op.User, op.Endpoint, false)
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
		return s.insertTx(ctx, tx, adjustEntry(op, balance))
	})
	if err != nil {
		return nil, wrapPostgresOp("adjust", op.User, op.Endpoint, err)
	}
	return out, nil
}

// SwapAlertState writes alert state if the version matches.
func (s *PostgresStore) SwapAlertState(ctx context.Context, user, endpoint string, expectVersion int64, next model.AlertState) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET alerts_sent = $1, alert_balance = $2, last_alert_reset = $3, alert_version = alert_version + 1
			WHERE user_id = $4 AND endpoint = $5 AND alert_version = $6`, s.limitsTable()),
		nonNilThresholds(next.Sent), next.ObservedBalance, nullTime(next.LastReset), user, endpoint, expectVersion)
	if err != nil {
		return wrapPostgresOp("alerts", user, endpoint, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.loadLimit(ctx, s.pool, user, endpoint, false); err != nil {
		return wrapPostgresOp("alerts", user, endpoint, err)
	}
	return model.NewLedgerError("alerts", user, endpoint, model.ErrStorageConflict)
}

// ListAutoRefill returns every limit with auto-refill enabled.
func (s *PostgresStore) ListAutoRefill(ctx context.Context) ([]model.LimitRef, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT user_id, endpoint FROM %s WHERE auto_refill_enabled ORDER BY user_id, endpoint`, s.limitsTable()))
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LimitRef, error) {
		var ref model.LimitRef
		err := row.Scan(&ref.User, &ref.Endpoint)
		return ref, err
	})
	return refs, classifyPostgresError(err)
}

// ListUsers returns every user with a record.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT user_id FROM %s ORDER BY user_id`, s.recordsTable()))
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return users, classifyPostgresError(err)
}

// AppendTransaction stores an out-of-band entry.
func (s *PostgresStore) AppendTransaction(ctx context.Context, entry model.TransactionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	return classifyPostgresError(s.insertTx(ctx, s.pool, entry))
}

// Transactions returns matching entries, oldest first.
func (s *PostgresStore) Transactions(ctx context.Context, filter TxFilter) ([]model.TransactionEntry, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.User != "" {
		add("user_id = $%d", filter.User)
	}
	if filter.Endpoint != "" {
		add("endpoint = $%d", filter.Endpoint)
	}
	if filter.Context != "" {
		add("context = $%d", string(filter.Context))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until)
	}

	q := fmt.Sprintf(`SELECT id, user_id, endpoint, token_type, context, raw_amount, token_value, balance, created_at FROM %s`, s.txTable())
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TransactionEntry, error) {
		var e model.TransactionEntry
		var tokenType, txCtx string
		err := row.Scan(&e.ID, &e.User, &e.Endpoint, &tokenType, &txCtx, &e.RawAmount, &e.TokenValue, &e.Balance, &e.CreatedAt)
		e.TokenType = model.TokenType(tokenType)
		e.Context = model.TxContext(txCtx)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	return entries, classifyPostgresError(err)
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return classifyPostgresError(s.pool.Ping(ctx))
}

// Close closes the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) loadLimit(ctx context.Context, q pgQueryer, user, endpoint string, forUpdate bool) (*model.EndpointLimit, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 AND endpoint = $2`, pgLimitColumns, s.limitsTable())
	if forUpdate {
		query += " FOR UPDATE"
	}
	l, err := scanPostgresLimit(q.QueryRow(ctx, query, user, endpoint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrEndpointNotConfigured
	}
	return l, err
}

func scanPostgresLimit(row pgx.Row) (*model.EndpointLimit, error) {
	var (
		l                               model.EndpointLimit
		unit                            string
		lastUsed, lastRefill, lastReset *time.Time
	)
	err := row.Scan(&l.Endpoint, &l.TokenCredits, &l.Enabled, &lastUsed, &l.AutoRefillEnabled, &l.RefillAmount,
		&l.RefillIntervalValue, &unit, &lastRefill, &l.AlertsSent, &lastReset, &l.AlertBalance, &l.AlertVersion)
	if err != nil {
		return nil, err
	}
	l.RefillIntervalUnit = model.IntervalUnit(unit)
	l.LastUsed = derefTime(lastUsed)
	l.LastRefill = derefTime(lastRefill)
	l.LastAlertReset = derefTime(lastReset)
	if len(l.AlertsSent) == 0 {
		l.AlertsSent = nil
	}
	return &l, nil
}

// lookupTx returns the value and balance of the entry with id.
func (s *PostgresStore) lookupTx(ctx context.Context, q pgQueryer, id string) (value, balance int64, found bool, err error) {
	err = q.QueryRow(ctx, fmt.Sprintf(`SELECT token_value, balance FROM %s WHERE id = $1`, s.txTable()), id).Scan(&value, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return value, balance, true, nil
}

// priorDebit returns the outcome of debit opID when it was already applied,
// or nil.
func (s *PostgresStore) priorDebit(ctx context.Context, q pgQueryer, opID string) (*DebitOutcome, error) {
	if opID == "" {
		return nil, nil
	}
	_, balance, found, err := s.lookupTx(ctx, q, opID)
	if err != nil || !found {
		return nil, err
	}
	out := &DebitOutcome{Balance: balance}
	amount, _, refilled, err := s.lookupTx(ctx, q, autoRefillEntryID(opID))
	if err != nil {
		return nil, err
	}
	if refilled {
		out.Refilled = true
		out.RefillAmount = amount
	}
	return out, nil
}

func (s *PostgresStore) insertTx(ctx context.Context, q pgQueryer, e model.TransactionEntry) error {
	_, err := q.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, endpoint, token_type, context, raw_amount, token_value, balance, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (id) DO NOTHING`, s.txTable()),
		e.ID, e.User, e.Endpoint, string(e.TokenType), string(e.Context), e.RawAmount, e.TokenValue, e.Balance, e.CreatedAt)
	return err
}

// classifyPostgresError maps pgx errors onto the retryable storage sentinels.
func classifyPostgresError(err error) error {
	if err == nil || errors.Is(err, model.ErrStorageConflict) || errors.Is(err, model.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || isNetworkError(err) {
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return fmt.Errorf("%w: %w", model.ErrStorageConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	return err
}

func wrapPostgresOp(op, user, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var le *model.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return model.NewLedgerError(op, user, endpoint, classifyPostgresError(err))
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
