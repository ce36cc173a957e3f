package staging

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/ledgerline/receipts-cli/internal/model"
)

const (
	pendingDir   = "pending"
	processedDir = "processed"
)

// FSStore implements Store on a local directory with pending/ and
// processed/ subdirectories. Moves are os.Rename, atomic on one volume.
type FSStore struct {
	root string
}

// NewFS creates an FSStore rooted at dir, creating the zone directories
// if needed.
func NewFS(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, eris.New("staging: fs driver needs a root directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: resolve root %s", dir)
	}
	for _, zone := range []string{pendingDir, processedDir} {
		if err := os.MkdirAll(filepath.Join(abs, zone), 0o755); err != nil {
			return nil, eris.Wrapf(err, "staging: create %s dir", zone)
		}
	}
	return &FSStore{root: abs}, nil
}

// safeName rejects ids that could escape the staging zones.
func safeName(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", eris.Errorf("staging: invalid file id %q", id)
	}
	return id, nil
}

func (s *FSStore) pendingPath(name string) string {
	return filepath.Join(s.root, pendingDir, name)
}

func (s *FSStore) processedPath(name string) string {
	return filepath.Join(s.root, processedDir, name)
}

// ListPending returns pending files sorted by modification time ascending,
// capped at limit when limit > 0.
func (s *FSStore) ListPending(ctx context.Context, limit int) ([]model.StagedFile, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pendingDir))
	if err != nil {
		return nil, eris.Wrap(err, "staging: list pending")
	}

	files := make([]model.StagedFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, eris.Wrapf(err, "staging: stat %s", e.Name())
		}
		files = append(files, model.StagedFile{
			ID:        e.Name(),
			Name:      e.Name(),
			MimeType:  mimeTypeFor(e.Name()),
			Size:      info.Size(),
			Location:  model.LocationPending,
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].Name < files[j].Name
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})

	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func (s *FSStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	name, err := safeName(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pendingPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrNotFound, "fetch %s", id)
		}
		return nil, eris.Wrapf(err, "staging: fetch %s", id)
	}
	return data, nil
}

// MoveToProcessed renames a pending file into the processed zone. If the
// file already lives under processed, the move is a no-op.
func (s *FSStore) MoveToProcessed(ctx context.Context, id string) error {
	name, err := safeName(id)
	if err != nil {
		return err
	}

	src := s.pendingPath(name)
	dst := s.processedPath(name)

	if _, err := os.Stat(src); err != nil {
		if !os.IsNotExist(err) {
			return eris.Wrapf(err, "staging: stat pending %s", id)
		}
		// Already moved on a previous run.
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		return eris.Wrapf(ErrNotFound, "move %s", id)
	}

	if err := os.Rename(src, dst); err != nil {
		return eris.Wrapf(err, "staging: move %s to processed", id)
	}
	return nil
}

// Put stages an uploaded file under pending. A name collision gets a
// short unique prefix instead of overwriting the existing file.
func (s *FSStore) Put(ctx context.Context, name, mimeType string, r io.Reader, size int64) (model.StagedFile, error) {
	cleaned, err := safeName(filepath.Base(name))
	if err != nil {
		return model.StagedFile{}, err
	}

	target := cleaned
	if _, err := os.Stat(s.pendingPath(target)); err == nil {
		target = uuid.NewString()[:8] + "_" + cleaned
	}

	f, err := os.OpenFile(s.pendingPath(target), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return model.StagedFile{}, eris.Wrapf(err, "staging: create %s", target)
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return model.StagedFile{}, eris.Wrapf(err, "staging: write %s", target)
	}

	info, err := os.Stat(s.pendingPath(target))
	if err != nil {
		return model.StagedFile{}, eris.Wrapf(err, "staging: stat %s", target)
	}

	return model.StagedFile{
		ID:        target,
		Name:      target,
		MimeType:  mimeType,
		Size:      written,
		Location:  model.LocationPending,
		CreatedAt: info.ModTime(),
	}, nil
}

func mimeTypeFor(name string) string {
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		// TypeByExtension may append a charset parameter.
		if idx := strings.Index(mt, ";"); idx > 0 {
			return mt[:idx]
		}
		return mt
	}
	return "application/octet-stream"
}
