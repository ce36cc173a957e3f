// Package pipeline drives one reconciliation run: list pending receipts,
// extract fields with the vision model, classify the debit account, write
// the ledger entry, and relocate the file. One run holds the ledger run
// lock for its whole duration; failures affect only their own file.
package pipeline

import (
	"context"
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ledgerline/receipts-cli/internal/config"
	"github.com/ledgerline/receipts-cli/internal/extract"
	"github.com/ledgerline/receipts-cli/internal/ledger"
	"github.com/ledgerline/receipts-cli/internal/model"
	"github.com/ledgerline/receipts-cli/internal/rules"
	"github.com/ledgerline/receipts-cli/internal/staging"
)

// ErrLocked reports that another run currently holds the run lock.
var ErrLocked = eris.New("pipeline: another run is in progress")

// Analyzer is the extraction dependency of the coordinator.
type Analyzer interface {
	Analyze(ctx context.Context, data []byte, mimeType string) (*extract.Result, map[string]any, error)
}

// Coordinator owns one pipeline run end to end.
type Coordinator struct {
	staging  staging.Store
	ledger   ledger.Store
	analyzer Analyzer
	rules    *rules.Table

	modelName     string
	creditAccount string
	invoiceCat    string
	maxFiles      int
	maxFileBytes  int64
	taxRate       float64
	limiter       *rate.Limiter
}

// defaultInvoiceCategory is the consumption-tax category stamped on the
// debit leg of generated entries.
const defaultInvoiceCategory = "課税仕入"

// New builds a Coordinator from configured dependencies.
func New(st staging.Store, ld ledger.Store, an Analyzer, tbl *rules.Table, cfg *config.Config) *Coordinator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Pipeline.ItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Pipeline.ItemDelay), 1)
	}
	return &Coordinator{
		staging:       st,
		ledger:        ld,
		analyzer:      an,
		rules:         tbl,
		modelName:     cfg.Anthropic.Model,
		creditAccount: cfg.Ledger.DefaultCreditAccount,
		invoiceCat:    defaultInvoiceCategory,
		maxFiles:      cfg.Pipeline.MaxFilesPerRun,
		maxFileBytes:  cfg.Pipeline.MaxFileBytes,
		taxRate:       cfg.Pipeline.TaxFallbackRate,
		limiter:       limiter,
	}
}

// Run executes one reconciliation pass. It returns ErrLocked without
// touching any file when another run holds the lock. Per-file failures
// are recorded and counted; only lock acquisition, listing, and context
// cancellation abort the run itself.
func (c *Coordinator) Run(ctx context.Context) (*model.RunSummary, error) {
	log := zap.L().With(zap.String("component", "pipeline"))

	release, ok, err := c.ledger.AcquireRunLock(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: acquire run lock")
	}
	if !ok {
		return nil, ErrLocked
	}
	defer release()

	files, err := c.staging.ListPending(ctx, c.maxFiles)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list pending")
	}

	summary := &model.RunSummary{Total: len(files)}
	log.Info("run started", zap.Int("pending", len(files)))

	for _, f := range files {
		if ctx.Err() != nil {
			return summary, eris.Wrap(ctx.Err(), "pipeline: run canceled")
		}
		c.processOne(ctx, f, summary)
	}

	log.Info("run finished",
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("moved", summary.MovedToProcessed),
		zap.Int("skipped_existing", summary.SkippedExisting),
		zap.Int("skipped_unsupported", summary.SkippedUnsupported),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

// processOne handles a single staged file. Every failure path records a
// processing error and increments the error count; nothing propagates.
func (c *Coordinator) processOne(ctx context.Context, f model.StagedFile, summary *model.RunSummary) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("file", f.ID))

	if !staging.IsSupported(f) {
		log.Info("skipping unsupported file", zap.String("mime_type", f.MimeType))
		summary.SkippedUnsupported++
		return
	}

	done, err := c.ledger.IsProcessed(ctx, f.ID)
	if err != nil {
		c.recordError(ctx, f, eris.Wrap(err, "pipeline: check processed"), summary)
		return
	}
	if done {
		// Entry exists from an earlier run; converge the file location.
		summary.SkippedExisting++
		if err := c.staging.MoveToProcessed(ctx, f.ID); err != nil {
			c.recordError(ctx, f, eris.Wrap(err, "pipeline: move processed leftover"), summary)
			return
		}
		summary.MovedToProcessed++
		log.Info("ledger entry already present, file relocated")
		return
	}

	if c.maxFileBytes > 0 && f.Size > c.maxFileBytes {
		c.recordError(ctx, f,
			eris.Errorf("pipeline: file size %d exceeds limit %d", f.Size, c.maxFileBytes),
			summary)
		return
	}

	// Throttle model calls across items.
	if err := c.limiter.Wait(ctx); err != nil {
		c.recordError(ctx, f, eris.Wrap(err, "pipeline: throttle wait"), summary)
		return
	}

	data, err := c.staging.Fetch(ctx, f.ID)
	if err != nil {
		c.recordError(ctx, f, eris.Wrap(err, "pipeline: fetch file"), summary)
		return
	}

	res, raw, err := c.analyzer.Analyze(ctx, data, f.MimeType)
	if err != nil {
		c.recordError(ctx, f, err, summary)
		return
	}

	entry := c.buildEntry(f, res, raw)
	if err := c.ledger.Insert(ctx, entry); err != nil {
		if eris.Is(err, ledger.ErrDuplicate) {
			// Lost a race with a concurrent insert; the entry exists,
			// so converge the same way as the already-processed path.
			summary.SkippedExisting++
			if moveErr := c.staging.MoveToProcessed(ctx, f.ID); moveErr != nil {
				c.recordError(ctx, f, eris.Wrap(moveErr, "pipeline: move after duplicate"), summary)
				return
			}
			summary.MovedToProcessed++
			return
		}
		c.recordError(ctx, f, err, summary)
		return
	}
	summary.Processed++

	if err := c.staging.MoveToProcessed(ctx, f.ID); err != nil {
		// The entry is committed; the next run converges the location.
		c.recordError(ctx, f, eris.Wrap(err, "pipeline: move processed"), summary)
		return
	}
	summary.MovedToProcessed++

	log.Info("receipt processed",
		zap.String("debit_account", entry.DebitAccount),
		zap.Int64("amount", entry.DebitAmount),
		zap.String("transaction_date", entry.TransactionDate),
	)
}

// buildEntry converts an extraction into a balanced double-entry row.
func (c *Coordinator) buildEntry(f model.StagedFile, res *extract.Result, raw map[string]any) *model.LedgerEntry {
	amount := roundYen(res.Amount)
	tax := roundYen(res.Tax)
	tax = c.finalTax(amount, tax)

	in := rules.DecisionInput{
		Vendor:                res.Vendor,
		Description:           res.Description,
		Memo:                  res.Memo,
		ItemsSummary:          res.ItemsSummary,
		Items:                 res.Items,
		SuggestedDebitAccount: res.SuggestedDebitAccount,
	}
	account := c.rules.Decide(in)

	payload := map[string]any{
		"model":                 c.modelName,
		"extraction":            raw,
		"decided_debit_account": account,
	}
	if match, ok := c.rules.Match(in); ok {
		payload["rule_match"] = match
	}
	modelResponse, err := json.Marshal(payload)
	if err != nil {
		zap.L().Warn("failed to marshal audit payload", zap.Error(err))
		modelResponse = nil
	}

	// The credit leg balances the amount only: the vendor and tax belong
	// to the expense side, while the bank account leg carries neither.
	return &model.LedgerEntry{
		TransactionDate:       res.TransactionDate,
		DebitAccount:          account,
		DebitVendor:           res.Vendor,
		DebitAmount:           amount,
		DebitTax:              tax,
		DebitInvoiceCategory:  c.invoiceCat,
		CreditAccount:         c.creditAccount,
		CreditVendor:          "",
		CreditAmount:          amount,
		CreditTax:             0,
		CreditInvoiceCategory: c.invoiceCat,
		Description:           res.Description,
		Memo:                  res.Memo,
		FileID:                f.ID,
		FileName:              f.Name,
		FileMimeType:          f.MimeType,
		ModelResponse:         modelResponse,
	}
}

// finalTax estimates the consumption tax when the receipt shows none and
// a fallback rate is configured.
func (c *Coordinator) finalTax(amount, tax int64) int64 {
	if tax == 0 && c.taxRate > 0 {
		return roundYen(float64(amount) * c.taxRate)
	}
	return tax
}

func roundYen(v float64) int64 {
	return int64(math.Round(v))
}

func (c *Coordinator) recordError(ctx context.Context, f model.StagedFile, cause error, summary *model.RunSummary) {
	summary.Errors++
	zap.L().Error("file processing failed",
		zap.String("component", "pipeline"),
		zap.String("file", f.ID),
		zap.Error(cause),
	)
	pe := model.ProcessingError{
		FileID:     f.ID,
		FileName:   f.Name,
		Message:    cause.Error(),
		StackTrace: eris.ToString(cause, true),
	}
	if err := c.ledger.LogError(ctx, pe); err != nil {
		zap.L().Warn("failed to record processing error", zap.Error(err))
	}
}
