// Package ledger persists double-entry journal rows produced by the
// receipt pipeline. Exactly-once semantics rest on two mechanisms: a
// unique index on the staged file id, and an advisory run lock so only
// one pipeline run mutates the ledger at a time.
package ledger

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/receipts-cli/internal/config"
	"github.com/ledgerline/receipts-cli/internal/model"
)

// ErrDuplicate reports an insert that collided with an existing entry
// for the same file id. Callers treat it as "already processed".
var ErrDuplicate = eris.New("ledger: entry already exists for file")

// Store defines the persistence interface for the receipt ledger.
type Store interface {
	// IsProcessed reports whether a ledger entry exists for the file id.
	IsProcessed(ctx context.Context, fileID string) (bool, error)

	// Insert writes one journal entry. A collision on the file id
	// returns ErrDuplicate and leaves the existing row untouched.
	Insert(ctx context.Context, entry *model.LedgerEntry) error

	// LogError appends a per-file failure record.
	LogError(ctx context.Context, pe model.ProcessingError) error

	// AcquireRunLock takes the pipeline run lock without blocking.
	// ok is false when another run holds it. When ok is true the
	// caller must invoke release exactly once.
	AcquireRunLock(ctx context.Context) (release func(), ok bool, err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New builds the ledger backend selected by config.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}
