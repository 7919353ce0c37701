package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/localforge/gateway/internal/backend"
	"github.com/stretchr/testify/require"
)

func TestEmbedOllamaUsesBatchEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []string{"a", "b"}, body.Input)
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{1, 0}, {0, 1}},
		})
	}))
	defer srv.Close()

	cfg := &backend.Config{AdapterKind: "ollama", BaseURL: srv.URL}
	res, err := Embed(context.Background(), cfg, EmbedRequest{Model: "nomic", Input: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 0}, {0, 1}}, res.Embeddings)
}

func TestEmbedOllamaFallsBackToPerTextEndpoint(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			w.WriteHeader(http.StatusNotFound)
		case "/api/embeddings":
			calls++
			json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{float64(calls)}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := &backend.Config{AdapterKind: "ollama", BaseURL: srv.URL}
	res, err := Embed(context.Background(), cfg, EmbedRequest{Model: "nomic", Input: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1}, {2}}, res.Embeddings)
}

func TestEmbedOpenAISendsSingleStringForOneInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, isString := body.Input.(string)
		require.True(t, isString)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	cfg := &backend.Config{AdapterKind: "mlx", BaseURL: srv.URL}
	res, err := Embed(context.Background(), cfg, EmbedRequest{Model: "e5", Input: []string{"solo"}})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 2, 3}}, res.Embeddings)
}

func TestEmbedOpenAIRejectsShapeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{1}}},
		})
	}))
	defer srv.Close()

	cfg := &backend.Config{AdapterKind: "mlx", BaseURL: srv.URL}
	_, err := Embed(context.Background(), cfg, EmbedRequest{Model: "e5", Input: []string{"a", "b"}})
	require.Error(t, err)
}

func TestRerankOrdersByCosineSimilarityDescending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		vecs := make([][]float64, len(body.Input))
		for i, text := range body.Input {
			switch text {
			case "query":
				vecs[i] = []float64{1, 0}
			case "close":
				vecs[i] = []float64{0.9, 0.1}
			case "far":
				vecs[i] = []float64{0, 1}
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	}))
	defer srv.Close()

	cfg := &backend.Config{AdapterKind: "ollama", BaseURL: srv.URL}
	results, err := Rerank(context.Background(), cfg, "nomic", "query", []string{"far", "close"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "close", results[0].Document)
	require.Equal(t, "far", results[1].Document)
	require.Greater(t, results[0].RelevanceScore, results[1].RelevanceScore)
}

func TestCosineSimilarityOfIdenticalVectorsIsOne(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
}

func TestCosineSimilarityOfOrthogonalVectorsIsZero(t *testing.T) {
	require.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
}
