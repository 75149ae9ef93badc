package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"enrich", "fetch", "index", "search", "serve", "runs"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "pattern-search", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestEnrichCommand_Flags(t *testing.T) {
	for _, name := range []string{"items", "mode", "limit", "concurrency", "no-fetch", "resume", "resume-batch", "metrics-addr"} {
		assert.NotNil(t, enrichCmd.Flags().Lookup(name), "enrich should have --%s flag", name)
	}
	assert.Equal(t, "sync", enrichCmd.Flags().Lookup("mode").DefValue)
	assert.Equal(t, "1", enrichCmd.Flags().Lookup("concurrency").DefValue)
}

func TestFetchCommand_Flags(t *testing.T) {
	require.NotNil(t, fetchCmd.Flags().Lookup("items"))
}

func TestIndexCommand_Flags(t *testing.T) {
	require.NotNil(t, indexCmd.Flags().Lookup("log"))
	flag := indexCmd.Flags().Lookup("dry-run")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestSearchCommand_Args(t *testing.T) {
	assert.Error(t, searchCmd.Args(searchCmd, nil))
	assert.NoError(t, searchCmd.Args(searchCmd, []string{"lace"}))
	assert.NoError(t, searchCmd.Args(searchCmd, []string{"lace", "sku"}))
	assert.Error(t, searchCmd.Args(searchCmd, []string{"a", "b", "c"}))
	assert.Equal(t, "json", searchCmd.Flags().Lookup("format").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["show"])
}
