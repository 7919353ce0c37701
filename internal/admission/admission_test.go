package admission

import (
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/localforge/gateway/internal/backend"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *backend.Registry {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/backends.yaml"
	content := []byte(`
backends:
  ollama:
    class: ollama
    base_url: "http://127.0.0.1:11434"
    supported_capabilities: [chat, embeddings]
    concurrency_limits: {chat: 2, embeddings: 4}
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	reg, errs := backend.Load(path, nil)
	require.Empty(t, errs)
	return reg
}

func TestAcquireUnknownCapabilityFails(t *testing.T) {
	reg := testRegistry(t)
	c := New(reg)
	_, err := c.Acquire("ollama", backend.CapabilityImages)
	require.Error(t, err)
	require.Equal(t, "capability_not_supported", string(err.Kind))
}

func TestAcquireFailFastAtCapacity(t *testing.T) {
	reg := testRegistry(t)
	c := New(reg)

	l1, err := c.Acquire("ollama", backend.CapabilityChat)
	require.Nil(t, err)
	l2, err := c.Acquire("ollama", backend.CapabilityChat)
	require.Nil(t, err)

	_, err = c.Acquire("ollama", backend.CapabilityChat)
	require.Error(t, err)
	require.Equal(t, "backend_overloaded", string(err.Kind))
	require.Equal(t, 5, err.RetryAfterSec)

	l1.Release()
	l3, err := c.Acquire("ollama", backend.CapabilityChat)
	require.Nil(t, err)

	l2.Release()
	l3.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := testRegistry(t)
	c := New(reg)

	l, err := c.Acquire("ollama", backend.CapabilityChat)
	require.Nil(t, err)
	l.Release()
	l.Release()
	l.Release()

	stats := c.Stats()
	st := stats["ollama.chat"]
	require.Equal(t, st.Limit, st.Available)
	require.Equal(t, 0, st.Inflight)
}

// TestAdmissionSafety is Testable Property 3: across randomised
// acquire/release sequences, available+inflight always equals limit and the
// number of concurrently held leases never exceeds the limit.
func TestAdmissionSafety(t *testing.T) {
	reg := testRegistry(t)
	c := New(reg)
	const limit = 2

	var mu sync.Mutex
	var held []*Lease
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		mu.Lock()
		if rng.Intn(2) == 0 || len(held) == 0 {
			if l, err := c.Acquire("ollama", backend.CapabilityChat); err == nil {
				held = append(held, l)
			}
		} else {
			idx := rng.Intn(len(held))
			held[idx].Release()
			held = append(held[:idx], held[idx+1:]...)
		}
		require.LessOrEqual(t, len(held), limit)
		mu.Unlock()

		stats := c.Stats()
		st := stats["ollama.chat"]
		require.Equal(t, st.Limit, st.Available+st.Inflight)
	}
}
