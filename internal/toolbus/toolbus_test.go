package toolbus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		AllowShell:          true,
		AllowFS:             true,
		AllowFSWrite:        true,
		AllowSystemInfo:     true,
		ShellCWD:            filepath.Join(dir, "shell"),
		ShellTimeoutSec:     5,
		ShellAllowedCmds:    "echo,true",
		FSRoots:             []string{dir},
		FSMaxBytes:          10_000,
		LogPath:             filepath.Join(dir, "invocations.jsonl"),
		LogDir:              filepath.Join(dir, "per_invocation"),
		LogMode:             "both",
		MaxConcurrent:       4,
		ConcurrencyTimeoutSec: 2,
		SubprocessStdoutMax: 20_000,
		SubprocessStderrMax: 20_000,
	}
}

func TestExecuteNoopRoundTrips(t *testing.T) {
	bus := New(testConfig(t))
	res, err := bus.Execute(context.Background(), "tok", "noop", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", res.Fields["echo"])
	require.NotEmpty(t, res.ReplayID)
	require.NotEmpty(t, res.RequestHash)
}

func TestExecuteRejectsUndeclaredTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowShell = false
	bus := New(cfg)
	_, err := bus.Execute(context.Background(), "tok", "shell", map[string]any{"cmd": "echo hi"})
	require.Error(t, err)
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	bus := New(testConfig(t))
	_, err := bus.Execute(context.Background(), "tok", "read_file", map[string]any{})
	require.Error(t, err)
}

func TestExecuteWriteThenReadFile(t *testing.T) {
	bus := New(testConfig(t))
	cfg := bus.cfg
	target := filepath.Join(cfg.FSRoots[0], "note.txt")

	_, err := bus.Execute(context.Background(), "tok", "write_file", map[string]any{"path": target, "content": "hello"})
	require.NoError(t, err)

	res, err := bus.Execute(context.Background(), "tok", "read_file", map[string]any{"path": target})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Fields["content"])
}

func TestReadFileRejectsPathEscape(t *testing.T) {
	bus := New(testConfig(t))
	res, err := bus.Execute(context.Background(), "tok", "read_file", map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err) // Execute succeeds; the tool result reports failure
	require.Equal(t, false, res.Fields["ok"])
}

func TestRequestHashIsStableAcrossKeyOrder(t *testing.T) {
	h1, err := requestHash("noop", "1", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := requestHash("noop", "1", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestReplayFindsPerInvocationRecord(t *testing.T) {
	bus := New(testConfig(t))
	res, err := bus.Execute(context.Background(), "tok", "noop", map[string]any{"text": "x"})
	require.NoError(t, err)

	rec, err := bus.Replay(res.ReplayID)
	require.NoError(t, err)
	require.Equal(t, "noop", rec["tool"])
}

func TestReplayUnknownIDFails(t *testing.T) {
	bus := New(testConfig(t))
	_, err := bus.Replay("tool-does-not-exist")
	require.Error(t, err)
}

func TestNDJSONLogIsAppendedOneLinePerCall(t *testing.T) {
	bus := New(testConfig(t))
	_, err := bus.Execute(context.Background(), "tok", "noop", map[string]any{})
	require.NoError(t, err)
	_, err = bus.Execute(context.Background(), "tok", "noop", map[string]any{})
	require.NoError(t, err)

	data, err := os.ReadFile(bus.cfg.LogPath)
	require.NoError(t, err)

	var count int
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		count++
	}
	require.Equal(t, 2, count)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func TestAllowedToolNamesHonorsExplicitAllowlist(t *testing.T) {
	cfg := testConfig(t)
	cfg.Allowlist = "shell,git"
	bus := New(cfg)
	names := bus.allowedToolNames()
	require.True(t, names["shell"])
	require.True(t, names["git"])
	require.True(t, names["noop"])
	require.False(t, names["read_file"])
}

func TestShellRejectsDisallowedCommand(t *testing.T) {
	bus := New(testConfig(t))
	res, err := bus.Execute(context.Background(), "tok", "shell", map[string]any{"cmd": "rm -rf /"})
	require.NoError(t, err) // Execute succeeds; the tool result reports failure
	require.Equal(t, false, res.Fields["ok"])
}

func TestValidateAgainstSchemaRejectsAdditionalProperties(t *testing.T) {
	params := objectSchema([]string{"path"}, false, map[string]any{"path": prop("string")})
	errs := validateAgainstSchema(params, map[string]any{"path": "/x", "extra": "y"})
	require.NotEmpty(t, errs)
}

func TestValidateAgainstSchemaAcceptsArrayOfStrings(t *testing.T) {
	params := objectSchema([]string{"args"}, false, map[string]any{"args": arrayOfStrings()})
	errs := validateAgainstSchema(params, map[string]any{"args": []any{"status"}})
	require.Empty(t, errs)
}
