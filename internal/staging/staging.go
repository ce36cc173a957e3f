// Package staging manages the two-zone receipt staging area: files wait
// under pending, and the pipeline relocates them to processed once their
// ledger entry is committed. The store never deletes content.
package staging

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/receipts-cli/internal/config"
	"github.com/ledgerline/receipts-cli/internal/model"
)

// ErrNotFound reports a file id that exists in neither staging zone.
var ErrNotFound = eris.New("staging: file not found")

// Store is the staging backend contract. MoveToProcessed must be
// idempotent: moving an already-processed id is a no-op, not an error.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]model.StagedFile, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
	MoveToProcessed(ctx context.Context, id string) error
	Put(ctx context.Context, name, mimeType string, r io.Reader, size int64) (model.StagedFile, error)
}

var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"application/pdf": true,
}

var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"pdf":  true,
}

// IsSupported reports whether a file passes BOTH the MIME allow-list and
// the extension allow-list. Either check failing rejects the file.
func IsSupported(f model.StagedFile) bool {
	mime := strings.ToLower(f.MimeType)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(f.Name), "."))
	return allowedMimeTypes[mime] && allowedExtensions[ext]
}

// New builds the staging backend selected by config.
func New(cfg config.StagingConfig) (Store, error) {
	switch cfg.Driver {
	case "fs", "":
		return NewFS(cfg.Root)
	case "minio":
		return NewMinio(cfg)
	default:
		return nil, eris.Errorf("staging: unknown driver %q", cfg.Driver)
	}
}
