package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSpecsFallsBackToDefaultWhenPathEmpty(t *testing.T) {
	specs := LoadSpecs("")
	require.Contains(t, specs, "default")
	require.Equal(t, 8, specs["default"].MaxTurns)
}

func TestLoadSpecsFallsBackOnMissingFile(t *testing.T) {
	specs := LoadSpecs(filepath.Join(t.TempDir(), "missing.json"))
	require.Contains(t, specs, "default")
}

func TestLoadSpecsReadsValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"heavy": {"model": "coder", "tier": 2, "max_turns": 12, "max_runtime_sec": 120, "max_total_tool_io_bytes": 5000000}
	}`), 0o644))

	specs := LoadSpecs(path)
	require.Contains(t, specs, "heavy")
	require.Equal(t, 2, specs["heavy"].Tier)
	require.Equal(t, "coder", specs["heavy"].Model)
}
