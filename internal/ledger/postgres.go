package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger uses. pgxmock's
// PgxPoolIface satisfies it, which keeps the store testable without a
// live database.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// runLockKey is the advisory lock id guarding pipeline runs. All
// deployments sharing a database must agree on it.
const runLockKey = 824031174

// lockConn is the slice of pgxpool.Conn the run lock uses. Advisory
// locks are session-scoped, so acquire and release must run on one
// pinned connection; *pgxpool.Conn satisfies this directly.
type lockConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	acquire func(ctx context.Context) (lockConn, error)
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	acquire := func(ctx context.Context) (lockConn, error) {
		return pool.Acquire(ctx)
	}
	return &PostgresStore{pool: pool, acquire: acquire, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests, which
// substitute their own lock connection source.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		acquire: func(context.Context) (lockConn, error) {
			return nil, eris.New("postgres: no lock connection source")
		},
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                      BIGSERIAL PRIMARY KEY,
	transaction_date        DATE NOT NULL,
	debit_account           TEXT NOT NULL,
	debit_vendor            TEXT NOT NULL DEFAULT '',
	debit_amount            BIGINT NOT NULL,
	debit_tax               BIGINT NOT NULL DEFAULT 0,
	debit_invoice_category  TEXT NOT NULL DEFAULT '',
	credit_account          TEXT NOT NULL,
	credit_vendor           TEXT NOT NULL DEFAULT '',
	credit_amount           BIGINT NOT NULL,
	credit_tax              BIGINT NOT NULL DEFAULT 0,
	credit_invoice_category TEXT NOT NULL DEFAULT '',
	description             TEXT NOT NULL DEFAULT '',
	memo                    TEXT NOT NULL DEFAULT '',
	file_id                 TEXT NOT NULL,
	file_name               TEXT NOT NULL DEFAULT '',
	file_mime_type          TEXT NOT NULL DEFAULT '',
	model_response          JSONB,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_file_id ON ledger_entries(file_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction_date ON ledger_entries(transaction_date);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_debit_account ON ledger_entries(debit_account);

CREATE TABLE IF NOT EXISTS processing_errors (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	file_id       TEXT NOT NULL,
	file_name     TEXT,
	error_message TEXT NOT NULL,
	stack_trace   TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_processing_errors_file_id ON processing_errors(file_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) IsProcessed(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE file_id = $1)`,
		fileID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check processed %s", fileID)
	}
	return exists, nil
}

func (s *PostgresStore) Insert(ctx context.Context, entry *model.LedgerEntry) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries
		 (transaction_date, debit_account, debit_vendor, debit_amount, debit_tax, debit_invoice_category,
		  credit_account, credit_vendor, credit_amount, credit_tax, credit_invoice_category,
		  description, memo, file_id, file_name, file_mime_type, model_response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id`,
		entry.TransactionDate, entry.DebitAccount, entry.DebitVendor, entry.DebitAmount,
		entry.DebitTax, entry.DebitInvoiceCategory,
		entry.CreditAccount, entry.CreditVendor, entry.CreditAmount,
		entry.CreditTax, entry.CreditInvoiceCategory,
		entry.Description, entry.Memo, entry.FileID, entry.FileName, entry.FileMimeType,
		entry.ModelResponse, now,
	).Scan(&entry.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return eris.Wrapf(err, "postgres: insert entry for %s", entry.FileID)
	}
	entry.CreatedAt = now
	return nil
}

func (s *PostgresStore) LogError(ctx context.Context, pe model.ProcessingError) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_errors (file_id, file_name, error_message, stack_trace, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		pe.FileID, pe.FileName, pe.Message, pe.StackTrace, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: log error for %s", pe.FileID)
}

// AcquireRunLock takes the run advisory lock without blocking. The lock
// lives on one pinned connection held for the whole run: advisory locks
// are session-level and reentrant, so taking or releasing them through
// the pool would let two runs share a session (both acquiring "the" lock)
// or strand the lock on an idle connection after a misrouted unlock.
func (s *PostgresStore) AcquireRunLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: acquire lock connection")
	}

	var got bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, runLockKey,
	).Scan(&got); err != nil {
		conn.Release()
		return nil, false, eris.Wrap(err, "postgres: acquire run lock")
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		if _, err := conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock($1)`, runLockKey,
		); err != nil {
			zap.L().Warn("failed to release run lock", zap.Error(err))
		}
		conn.Release()
	}
	return release, true, nil
}
