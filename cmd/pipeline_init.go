package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/extract"
	"github.com/ledgerline/receipts-cli/internal/ledger"
	"github.com/ledgerline/receipts-cli/internal/pipeline"
	"github.com/ledgerline/receipts-cli/internal/rules"
	"github.com/ledgerline/receipts-cli/internal/staging"
	"github.com/ledgerline/receipts-cli/pkg/anthropic"
)

// pipelineEnv bundles the wired dependencies of one command invocation.
type pipelineEnv struct {
	Staging     staging.Store
	Ledger      ledger.Store
	Coordinator *pipeline.Coordinator
}

func (e *pipelineEnv) Close() {
	if err := e.Ledger.Close(); err != nil {
		zap.L().Warn("ledger close failed", zap.Error(err))
	}
}

// initPipeline validates config and constructs the full dependency graph,
// migrating the ledger schema on the way.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ld, err := ledger.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := ld.Migrate(ctx); err != nil {
		_ = ld.Close()
		return nil, eris.Wrap(err, "migrate ledger")
	}

	st, err := staging.New(cfg.Staging)
	if err != nil {
		_ = ld.Close()
		return nil, err
	}

	table, err := loadRules()
	if err != nil {
		_ = ld.Close()
		return nil, err
	}

	analyzer := extract.NewAnalyzer(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)
	coord := pipeline.New(st, ld, analyzer, table, cfg)

	return &pipelineEnv{Staging: st, Ledger: ld, Coordinator: coord}, nil
}

// loadRules returns the built-in table, extended from the optional rules
// file when one is configured.
func loadRules() (*rules.Table, error) {
	if cfg.Pipeline.RulesFile == "" {
		return rules.NewTable(), nil
	}
	extra, err := rules.LoadRulesFile(cfg.Pipeline.RulesFile)
	if err != nil {
		return nil, eris.Wrapf(err, "load rules file %s", cfg.Pipeline.RulesFile)
	}
	zap.L().Info("loaded extra classification rules",
		zap.String("file", cfg.Pipeline.RulesFile),
		zap.Int("count", len(extra)),
	)
	return rules.NewTable(extra...), nil
}
