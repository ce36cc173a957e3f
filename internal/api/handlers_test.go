package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/model"
	"github.com/ledgerline/receipts-cli/internal/pipeline"
	"github.com/ledgerline/receipts-cli/internal/staging"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRunner struct {
	summary *model.RunSummary
	err     error
	calls   int
}

func (r *fakeRunner) Run(context.Context) (*model.RunSummary, error) {
	r.calls++
	return r.summary, r.err
}

const testSecret = "cron-secret"

func newTestServer(t *testing.T, runner Runner) (*httptest.Server, staging.Store) {
	t.Helper()
	st, err := staging.NewFS(t.TempDir())
	require.NoError(t, err)

	h := NewHandler(runner, st, testSecret, 10_485_760)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, st
}

func doTrigger(t *testing.T, srv *httptest.Server, authHeader string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/cron/process-receipts", nil)
	require.NoError(t, err)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrigger_MissingAuth(t *testing.T) {
	runner := &fakeRunner{}
	srv, _ := newTestServer(t, runner)

	resp := doTrigger(t, srv, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, resp).Code)
	assert.Zero(t, runner.calls)
}

func TestTrigger_WrongSecret(t *testing.T) {
	runner := &fakeRunner{}
	srv, _ := newTestServer(t, runner)

	resp := doTrigger(t, srv, "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, runner.calls)
}

func TestTrigger_Success(t *testing.T) {
	runner := &fakeRunner{summary: &model.RunSummary{Total: 3, Processed: 2, MovedToProcessed: 2, Errors: 1}}
	srv, _ := newTestServer(t, runner)

	resp := doTrigger(t, srv, "Bearer "+testSecret)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sum model.RunSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, *runner.summary, sum)
	assert.Equal(t, 1, runner.calls)
}

func TestTrigger_Locked(t *testing.T) {
	runner := &fakeRunner{err: pipeline.ErrLocked}
	srv, _ := newTestServer(t, runner)

	resp := doTrigger(t, srv, "Bearer "+testSecret)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "run_in_progress", decodeError(t, resp).Code)
}

func TestTrigger_RunFailure(t *testing.T) {
	runner := &fakeRunner{err: eris.New("database unreachable")}
	srv, _ := newTestServer(t, runner)

	resp := doTrigger(t, srv, "Bearer "+testSecret)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "run_failed", decodeError(t, resp).Code)
}

// multipartBody builds a multipart form with the given files under field.
func multipartBody(t *testing.T, field string, files map[string]struct {
	contentType string
	data        []byte
}) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, f := range files {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
		hdr.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

type uploadFile = struct {
	contentType string
	data        []byte
}

func TestUpload_Success(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})

	body, ct := multipartBody(t, "files", map[string]uploadFile{
		"receipt.pdf": {"application/pdf", []byte("%PDF-1.7")},
		"receipt.jpg": {"image/jpeg", []byte{0xFF, 0xD8, 0xFF}},
	})
	resp, err := srv.Client().Post(srv.URL+"/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ur uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ur))
	assert.Len(t, ur.Uploaded, 2)

	pending, err := st.ListPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestUpload_SingleFileFieldFallback(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})

	body, ct := multipartBody(t, "file", map[string]uploadFile{
		"receipt.pdf": {"application/pdf", []byte("%PDF-1.7")},
	})
	resp, err := srv.Client().Post(srv.URL+"/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	pending, err := st.ListPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUpload_NoFiles(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	body, ct := multipartBody(t, "files", nil)
	resp, err := srv.Client().Post(srv.URL+"/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "no_files", decodeError(t, resp).Code)
}

func TestUpload_UnsupportedTypeRejectsWholeBatch(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})

	body, ct := multipartBody(t, "files", map[string]uploadFile{
		"receipt.pdf": {"application/pdf", []byte("%PDF-1.7")},
		"notes.txt":   {"text/plain", []byte("memo")},
	})
	resp, err := srv.Client().Post(srv.URL+"/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, "unsupported_type", e.Code)
	assert.NotEmpty(t, e.Hint)

	// Validation runs before storage, so nothing was staged.
	pending, err := st.ListPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUpload_FileTooLarge(t *testing.T) {
	st, err := staging.NewFS(t.TempDir())
	require.NoError(t, err)
	h := NewHandler(&fakeRunner{}, st, testSecret, 1024)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	body, ct := multipartBody(t, "files", map[string]uploadFile{
		"receipt.pdf": {"application/pdf", bytes.Repeat([]byte("x"), 2048)},
	})
	resp, err := srv.Client().Post(srv.URL+"/upload", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	apiErr := decodeError(t, resp)
	assert.Equal(t, "file_too_large", apiErr.Code)
	// The hint reflects the configured ceiling, not a fixed default.
	assert.Contains(t, apiErr.Hint, "1024")
}
