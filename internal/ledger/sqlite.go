package ledger

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ledgerline/receipts-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. The run lock
// is process-local: SQLite has no advisory locks, and a file-backed
// database is single-writer in practice anyway.
type SQLiteStore struct {
	db      *sql.DB
	runLock sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_date        TEXT NOT NULL,
	debit_account           TEXT NOT NULL,
	debit_vendor            TEXT NOT NULL DEFAULT '',
	debit_amount            INTEGER NOT NULL,
	debit_tax               INTEGER NOT NULL DEFAULT 0,
	debit_invoice_category  TEXT NOT NULL DEFAULT '',
	credit_account          TEXT NOT NULL,
	credit_vendor           TEXT NOT NULL DEFAULT '',
	credit_amount           INTEGER NOT NULL,
	credit_tax              INTEGER NOT NULL DEFAULT 0,
	credit_invoice_category TEXT NOT NULL DEFAULT '',
	description             TEXT NOT NULL DEFAULT '',
	memo                    TEXT NOT NULL DEFAULT '',
	file_id                 TEXT NOT NULL UNIQUE,
	file_name               TEXT NOT NULL DEFAULT '',
	file_mime_type          TEXT NOT NULL DEFAULT '',
	model_response          TEXT,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction_date ON ledger_entries(transaction_date);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_debit_account ON ledger_entries(debit_account);

CREATE TABLE IF NOT EXISTS processing_errors (
	id            TEXT PRIMARY KEY,
	file_id       TEXT NOT NULL,
	file_name     TEXT,
	error_message TEXT NOT NULL,
	stack_trace   TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_processing_errors_file_id ON processing_errors(file_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, fileID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_entries WHERE file_id = ? LIMIT 1`,
		fileID,
	).Scan(&one)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "sqlite: check processed %s", fileID)
	}
	return true, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, entry *model.LedgerEntry) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (transaction_date, debit_account, debit_vendor, debit_amount, debit_tax, debit_invoice_category,
		  credit_account, credit_vendor, credit_amount, credit_tax, credit_invoice_category,
		  description, memo, file_id, file_name, file_mime_type, model_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TransactionDate, entry.DebitAccount, entry.DebitVendor, entry.DebitAmount,
		entry.DebitTax, entry.DebitInvoiceCategory,
		entry.CreditAccount, entry.CreditVendor, entry.CreditAmount,
		entry.CreditTax, entry.CreditInvoiceCategory,
		entry.Description, entry.Memo, entry.FileID, entry.FileName, entry.FileMimeType,
		string(entry.ModelResponse), now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return eris.Wrapf(err, "sqlite: insert entry for %s", entry.FileID)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	entry.CreatedAt = now
	return nil
}

func (s *SQLiteStore) LogError(ctx context.Context, pe model.ProcessingError) error {
	id := pe.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_errors (id, file_id, file_name, error_message, stack_trace, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, pe.FileID, pe.FileName, pe.Message, pe.StackTrace, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: log error for %s", pe.FileID)
}

func (s *SQLiteStore) AcquireRunLock(_ context.Context) (func(), bool, error) {
	if !s.runLock.TryLock() {
		return nil, false, nil
	}
	return s.runLock.Unlock, true, nil
}
