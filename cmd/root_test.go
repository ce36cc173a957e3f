package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/receipts-cli/internal/config"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCmd_SubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "process", "migrate", "upload"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestLoadRules_DefaultTable(t *testing.T) {
	old := cfg
	defer func() { cfg = old }()
	cfg = &config.Config{}

	table, err := loadRules()
	require.NoError(t, err)
	require.NotNil(t, table)
}

func TestLoadRules_MissingFileFails(t *testing.T) {
	old := cfg
	defer func() { cfg = old }()
	cfg = &config.Config{}
	cfg.Pipeline.RulesFile = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := loadRules()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load rules file")
}
