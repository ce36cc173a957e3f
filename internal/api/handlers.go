package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/model"
	"github.com/ledgerline/receipts-cli/internal/pipeline"
	"github.com/ledgerline/receipts-cli/internal/staging"
)

// Runner triggers one pipeline run.
type Runner interface {
	Run(ctx context.Context) (*model.RunSummary, error)
}

// Handler holds the HTTP endpoint implementations.
type Handler struct {
	runner       Runner
	staging      staging.Store
	secret       string
	maxFileBytes int64
}

// NewHandler wires the endpoints to their dependencies.
func NewHandler(runner Runner, st staging.Store, secret string, maxFileBytes int64) *Handler {
	return &Handler{runner: runner, staging: st, secret: secret, maxFileBytes: maxFileBytes}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Trigger handles GET /cron/process-receipts. The caller must present
// the shared secret as a Bearer token. A run already in progress maps
// to 423 so schedulers back off instead of stacking runs.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized",
			"invalid or missing trigger secret",
			"send Authorization: Bearer <secret>")
		return
	}

	summary, err := h.runner.Run(r.Context())
	if err != nil {
		if eris.Is(err, pipeline.ErrLocked) {
			writeError(w, http.StatusLocked, "run_in_progress",
				"another processing run is in progress", "retry later")
			return
		}
		zap.L().Error("pipeline run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run_failed",
			"processing run failed", "")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

type uploadedFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type uploadResponse struct {
	Uploaded []uploadedFile `json:"uploaded"`
}

// Upload handles POST /upload (multipart/form-data). Files arrive under
// the "files" field, with "file" accepted as a single-file fallback. The
// whole batch is validated before anything is stored, so a request either
// stages every file or stages none.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// Headroom over the per-file limit for multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileBytes*4)

	if err := r.ParseMultipartForm(h.maxFileBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_multipart",
			"could not parse multipart form",
			"send multipart/form-data with a files field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no_files",
			"no files in request",
			"attach at least one jpeg or pdf under the files field")
		return
	}

	for _, fh := range headers {
		candidate := model.StagedFile{Name: fh.Filename, MimeType: contentType(fh)}
		if !staging.IsSupported(candidate) {
			writeError(w, http.StatusBadRequest, "unsupported_type",
				"unsupported file type: "+fh.Filename,
				"only jpeg and pdf receipts are accepted")
			return
		}
		if fh.Size > h.maxFileBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large",
				"file exceeds size limit: "+fh.Filename,
				fmt.Sprintf("files must be %d bytes or smaller", h.maxFileBytes))
			return
		}
	}

	resp := uploadResponse{Uploaded: make([]uploadedFile, 0, len(headers))}
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "upload_failed",
				"could not read uploaded file: "+fh.Filename, "")
			return
		}
		staged, err := h.staging.Put(r.Context(), fh.Filename, contentType(fh), src, fh.Size)
		src.Close()
		if err != nil {
			zap.L().Error("staging put failed", zap.String("file", fh.Filename), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "upload_failed",
				"could not store uploaded file: "+fh.Filename, "")
			return
		}
		resp.Uploaded = append(resp.Uploaded, uploadedFile{ID: staged.ID, Name: staged.Name, Size: staged.Size})
	}

	writeJSON(w, http.StatusOK, resp)
}

func contentType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get("Content-Type")
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}
