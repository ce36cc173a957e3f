package pipeline

import (
	"context"
	"io"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/config"
	"github.com/ledgerline/receipts-cli/internal/extract"
	"github.com/ledgerline/receipts-cli/internal/ledger"
	"github.com/ledgerline/receipts-cli/internal/model"
	"github.com/ledgerline/receipts-cli/internal/rules"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeStaging is an in-memory staging.Store tracking fetches and moves.
type fakeStaging struct {
	pending   []model.StagedFile
	contents  map[string][]byte
	fetched   []string
	moved     []string
	processed map[string]bool
	moveErr   error
	listErr   error
}

func newFakeStaging(files ...model.StagedFile) *fakeStaging {
	s := &fakeStaging{
		pending:   files,
		contents:  map[string][]byte{},
		processed: map[string]bool{},
	}
	for _, f := range files {
		s.contents[f.ID] = []byte("filedata-" + f.ID)
	}
	return s
}

func (s *fakeStaging) ListPending(_ context.Context, limit int) ([]model.StagedFile, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if limit > 0 && len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeStaging) Fetch(_ context.Context, id string) ([]byte, error) {
	s.fetched = append(s.fetched, id)
	data, ok := s.contents[id]
	if !ok {
		return nil, eris.Errorf("no such file %s", id)
	}
	return data, nil
}

func (s *fakeStaging) MoveToProcessed(_ context.Context, id string) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	s.moved = append(s.moved, id)
	s.processed[id] = true
	return nil
}

func (s *fakeStaging) Put(_ context.Context, name, _ string, _ io.Reader, size int64) (model.StagedFile, error) {
	return model.StagedFile{ID: name, Name: name, Size: size}, nil
}

// fakeLedger is an in-memory ledger.Store.
type fakeLedger struct {
	existing   map[string]bool
	inserted   []*model.LedgerEntry
	errorsLog  []model.ProcessingError
	locked     bool
	insertErr  error
	released   int
	acquireErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{existing: map[string]bool{}}
}

func (l *fakeLedger) IsProcessed(_ context.Context, fileID string) (bool, error) {
	return l.existing[fileID], nil
}

func (l *fakeLedger) Insert(_ context.Context, entry *model.LedgerEntry) error {
	if l.insertErr != nil {
		return l.insertErr
	}
	if l.existing[entry.FileID] {
		return ledger.ErrDuplicate
	}
	l.existing[entry.FileID] = true
	l.inserted = append(l.inserted, entry)
	return nil
}

func (l *fakeLedger) LogError(_ context.Context, pe model.ProcessingError) error {
	l.errorsLog = append(l.errorsLog, pe)
	return nil
}

func (l *fakeLedger) AcquireRunLock(context.Context) (func(), bool, error) {
	if l.acquireErr != nil {
		return nil, false, l.acquireErr
	}
	if l.locked {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func (l *fakeLedger) Migrate(context.Context) error { return nil }
func (l *fakeLedger) Close() error                  { return nil }

// fakeAnalyzer replays canned results per file content.
type fakeAnalyzer struct {
	results map[string]*extract.Result
	err     error
	calls   int
}

func (a *fakeAnalyzer) Analyze(_ context.Context, data []byte, _ string) (*extract.Result, map[string]any, error) {
	a.calls++
	if a.err != nil {
		return nil, nil, a.err
	}
	res, ok := a.results[string(data)]
	if !ok {
		return nil, nil, eris.New("no canned result")
	}
	return res, map[string]any{"vendor": res.Vendor, "amount": res.Amount}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{Model: "claude-haiku-4-5-20251001"},
		Ledger:    config.LedgerConfig{DefaultCreditAccount: "普通預金"},
		Pipeline: config.PipelineConfig{
			MaxFilesPerRun:  50,
			MaxFileBytes:    10_485_760,
			TaxFallbackRate: 0.1,
		},
	}
}

func pendingFile(id string) model.StagedFile {
	return model.StagedFile{
		ID:       id,
		Name:     id,
		MimeType: "application/pdf",
		Size:     2048,
		Location: model.LocationPending,
	}
}

func TestRun_ProcessesReceiptEndToEnd(t *testing.T) {
	f := pendingFile("r1.pdf")
	st := newFakeStaging(f)
	ld := newFakeLedger()
	an := &fakeAnalyzer{results: map[string]*extract.Result{
		"filedata-r1.pdf": {
			TransactionDate: "2026-04-01",
			Vendor:          "ENEOS",
			Description:     "ENEOS ガソリン",
			Amount:          5000,
			Tax:             0,
		},
	}}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{
		Total:            1,
		Processed:        1,
		MovedToProcessed: 1,
	}, sum)

	require.Len(t, ld.inserted, 1)
	entry := ld.inserted[0]
	assert.Equal(t, "車両費", entry.DebitAccount)
	assert.Equal(t, "ENEOS", entry.DebitVendor)
	assert.Equal(t, "普通預金", entry.CreditAccount)
	assert.Equal(t, int64(5000), entry.DebitAmount)
	assert.Equal(t, int64(5000), entry.CreditAmount)
	// No tax on the receipt, so the fallback rate fills the debit leg in.
	assert.Equal(t, int64(500), entry.DebitTax)
	assert.Equal(t, "課税仕入", entry.DebitInvoiceCategory)
	// The credit leg carries the balancing amount only.
	assert.Empty(t, entry.CreditVendor)
	assert.Equal(t, int64(0), entry.CreditTax)
	assert.Equal(t, "課税仕入", entry.CreditInvoiceCategory)
	assert.Equal(t, "r1.pdf", entry.FileID)
	assert.NotEmpty(t, entry.ModelResponse)

	assert.Equal(t, []string{"r1.pdf"}, st.moved)
	assert.Equal(t, 1, ld.released)
}

func TestRun_Locked(t *testing.T) {
	st := newFakeStaging(pendingFile("r1.pdf"))
	ld := newFakeLedger()
	ld.locked = true

	c := New(st, ld, &fakeAnalyzer{}, rules.NewTable(), testConfig())
	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	// A locked run must not touch staging at all.
	assert.Empty(t, st.fetched)
	assert.Empty(t, st.moved)
}

func TestRun_SkipsUnsupportedWithoutMoving(t *testing.T) {
	f := pendingFile("notes.txt")
	f.MimeType = "text/plain"
	st := newFakeStaging(f)
	ld := newFakeLedger()

	c := New(st, ld, &fakeAnalyzer{}, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{Total: 1, SkippedUnsupported: 1}, sum)
	assert.Empty(t, st.fetched)
	assert.Empty(t, st.moved)
	assert.Empty(t, ld.errorsLog)
}

func TestRun_OversizeFileIsErrorAndNeverFetched(t *testing.T) {
	f := pendingFile("huge.pdf")
	f.Size = 10_485_761
	st := newFakeStaging(f)
	ld := newFakeLedger()
	an := &fakeAnalyzer{}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{Total: 1, Errors: 1}, sum)
	assert.Empty(t, st.fetched)
	assert.Empty(t, st.moved)
	assert.Zero(t, an.calls)
	require.Len(t, ld.errorsLog, 1)
	assert.Contains(t, ld.errorsLog[0].Message, "exceeds limit")
}

func TestRun_AlreadyProcessedMovesOnly(t *testing.T) {
	f := pendingFile("old.pdf")
	st := newFakeStaging(f)
	ld := newFakeLedger()
	ld.existing["old.pdf"] = true
	an := &fakeAnalyzer{}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{
		Total:            1,
		SkippedExisting:  1,
		MovedToProcessed: 1,
	}, sum)
	assert.Zero(t, an.calls)
	assert.Empty(t, ld.inserted)
	assert.Equal(t, []string{"old.pdf"}, st.moved)
}

func TestRun_OversizeAlreadyInLedgerConverges(t *testing.T) {
	// The ledger check runs before the size ceiling, so a file that grew
	// past the limit after being recorded still drains to processed/
	// instead of erroring on every run.
	f := pendingFile("grown.pdf")
	f.Size = 10_485_761
	st := newFakeStaging(f)
	ld := newFakeLedger()
	ld.existing["grown.pdf"] = true
	an := &fakeAnalyzer{}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{
		Total:            1,
		SkippedExisting:  1,
		MovedToProcessed: 1,
	}, sum)
	assert.Zero(t, an.calls)
	assert.Empty(t, ld.errorsLog)
	assert.Equal(t, []string{"grown.pdf"}, st.moved)
}

func TestRun_DuplicateInsertIsBenign(t *testing.T) {
	f := pendingFile("race.pdf")
	st := newFakeStaging(f)
	ld := newFakeLedger()
	ld.insertErr = ledger.ErrDuplicate
	an := &fakeAnalyzer{results: map[string]*extract.Result{
		"filedata-race.pdf": {TransactionDate: "2026-04-02", Vendor: "セブンイレブン", Amount: 800, Tax: 72},
	}}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{
		Total:            1,
		SkippedExisting:  1,
		MovedToProcessed: 1,
	}, sum)
	assert.Empty(t, ld.errorsLog)
	assert.Equal(t, []string{"race.pdf"}, st.moved)
}

func TestRun_FailureIsolatedPerFile(t *testing.T) {
	bad := pendingFile("bad.pdf")
	good := pendingFile("good.pdf")
	st := newFakeStaging(bad, good)
	ld := newFakeLedger()
	an := &fakeAnalyzer{results: map[string]*extract.Result{
		// bad.pdf has no canned result, so analysis fails for it only.
		"filedata-good.pdf": {TransactionDate: "2026-04-03", Vendor: "OpenAI", Description: "ChatGPT Plus", Amount: 4378, Tax: 398},
	}}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &model.RunSummary{
		Total:            2,
		Processed:        1,
		MovedToProcessed: 1,
		Errors:           1,
	}, sum)
	require.Len(t, ld.inserted, 1)
	assert.Equal(t, "通信費", ld.inserted[0].DebitAccount)
	assert.Equal(t, []string{"good.pdf"}, st.moved)
	require.Len(t, ld.errorsLog, 1)
	assert.Equal(t, "bad.pdf", ld.errorsLog[0].FileID)
}

func TestRun_MoveFailureAfterInsertIsError(t *testing.T) {
	f := pendingFile("stuck.pdf")
	st := newFakeStaging(f)
	st.moveErr = eris.New("backend unavailable")
	ld := newFakeLedger()
	an := &fakeAnalyzer{results: map[string]*extract.Result{
		"filedata-stuck.pdf": {TransactionDate: "2026-04-04", Vendor: "Amazon", Amount: 1200, Tax: 109},
	}}

	c := New(st, ld, an, rules.NewTable(), testConfig())
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	// The entry committed; the stuck file is reported, not rolled back.
	assert.Equal(t, &model.RunSummary{Total: 1, Processed: 1, Errors: 1}, sum)
	require.Len(t, ld.inserted, 1)
}

func TestRun_RespectsMaxFilesPerRun(t *testing.T) {
	files := []model.StagedFile{pendingFile("a.pdf"), pendingFile("b.pdf"), pendingFile("c.pdf")}
	st := newFakeStaging(files...)
	ld := newFakeLedger()
	for _, f := range files {
		ld.existing[f.ID] = true
	}

	cfg := testConfig()
	cfg.Pipeline.MaxFilesPerRun = 2

	c := New(st, ld, &fakeAnalyzer{}, rules.NewTable(), cfg)
	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
}

func TestFinalTax(t *testing.T) {
	c := &Coordinator{taxRate: 0.1}
	assert.Equal(t, int64(500), c.finalTax(5000, 0))
	assert.Equal(t, int64(123), c.finalTax(5000, 123))

	none := &Coordinator{taxRate: 0}
	assert.Equal(t, int64(0), none.finalTax(5000, 0))
}
