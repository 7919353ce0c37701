package tokenstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateThenLookup(t *testing.T) {
	dir := t.TempDir()
	s, err := Load("", filepath.Join(dir, "policies.json"), false)
	require.NoError(t, err)

	p, err := s.Create("alice", Policy{MaxRequestBytes: 1000})
	require.NoError(t, err)
	require.NotEmpty(t, p.Token)

	got, ok := s.Lookup(p.Token)
	require.True(t, ok)
	require.Equal(t, "alice", got.Name)
	require.True(t, s.IsKnown(p.Token))
}

func TestDisableThenEnable(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load("", filepath.Join(dir, "policies.json"), false)
	p, _ := s.Create("bob", Policy{})

	require.NoError(t, s.Disable(p.Token))
	require.False(t, s.IsKnown(p.Token))

	require.NoError(t, s.Enable(p.Token))
	require.True(t, s.IsKnown(p.Token))
}

func TestResetMintsNewToken(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load("", filepath.Join(dir, "policies.json"), false)
	p, _ := s.Create("carol", Policy{})
	oldToken := p.Token

	newToken, err := s.Reset(oldToken)
	require.NoError(t, err)
	require.NotEqual(t, oldToken, newToken)

	_, ok := s.Lookup(oldToken)
	require.False(t, ok)
	got, ok := s.Lookup(newToken)
	require.True(t, ok)
	require.Equal(t, "carol", got.Name)
}

func TestPersistedPoliciesSurviveReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.json")
	s, _ := Load("", path, false)
	_, err := s.Create("dave", Policy{ToolRateLimitRPS: 2.5})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "dave")

	reloaded, err := Load("", path, false)
	require.NoError(t, err)
	list := reloaded.List()
	require.Len(t, list, 1)
	require.Equal(t, "dave", list[0].Name)
}

func TestListIsSortedByToken(t *testing.T) {
	dir := t.TempDir()
	s, _ := Load("", filepath.Join(dir, "policies.json"), false)
	s.Create("a", Policy{})
	s.Create("b", Policy{})
	s.Create("c", Policy{})

	list := s.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		require.True(t, list[i-1].Token < list[i].Token)
	}
}

func TestStrictModeRejectsMalformedInlineJSON(t *testing.T) {
	_, err := Load("not valid json", "", true)
	require.Error(t, err)
}
