package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	want := []string{"serve", "init", "analyze", "promote", "revert", "audit", "prune", "export", "import", "stats", "version"}

	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, name := range want {
		assert.True(t, names[name], "missing command %s", name)
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	initCmd.SetOut(&out)
	require.NoError(t, runInit(initCmd, []string{dir}))

	info, err := os.Stat(filepath.Join(dir, ".aidd"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Contains(t, out.String(), ".aidd")
}
