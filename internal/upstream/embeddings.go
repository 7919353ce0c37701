package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/localforge/gateway/internal/backend"
)

// EmbedRequest is a backend-agnostic embeddings request: one or more input
// strings embedded against a single model.
type EmbedRequest struct {
	Model string
	Input []string
}

// EmbedResult holds one embedding vector per input, in input order.
type EmbedResult struct {
	Embeddings [][]float64
}

var embedClient = &http.Client{Timeout: 60 * time.Second}

// embedBatchSize mirrors the teacher's embeddings drivers' default batch
// size: large enough that typical requests never split, small enough that
// a pathological request can't build one unbounded upstream payload.
const embedBatchSize = 2048

// Embed dispatches to the embeddings call path for cfg's adapter kind. The
// "ollama" adapter kind speaks Ollama's /api/embed (falling back to the
// older per-text /api/embeddings endpoint); every other adapter kind speaks
// the OpenAI-compatible /embeddings endpoint, which MLX-class backends
// implement.
func Embed(ctx context.Context, cfg *backend.Config, req EmbedRequest) (EmbedResult, error) {
	if len(req.Input) == 0 {
		return EmbedResult{}, fmt.Errorf("embeddings request has no input")
	}
	if cfg.AdapterKind == "ollama" {
		return embedOllama(ctx, cfg, req)
	}
	return embedOpenAI(ctx, cfg, req)
}

func postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return embedClient.Do(httpReq)
}

// embedOllama first tries the batched /api/embed endpoint; if that fails
// (older Ollama servers don't have it), it falls back to one /api/embeddings
// call per input text, exactly as the original implementation does.
func embedOllama(ctx context.Context, cfg *backend.Config, req EmbedRequest) (EmbedResult, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")

	if embs, err := embedOllamaBatch(ctx, base, req); err == nil {
		return EmbedResult{Embeddings: embs}, nil
	}

	out := make([][]float64, 0, len(req.Input))
	for _, text := range req.Input {
		resp, err := postJSON(ctx, base+"/api/embeddings", map[string]any{"model": req.Model, "prompt": text})
		if err != nil {
			return EmbedResult{}, fmt.Errorf("calling ollama embeddings: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return EmbedResult{}, fmt.Errorf("reading ollama embeddings response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return EmbedResult{}, &UpstreamError{Upstream: "ollama", Status: resp.StatusCode, Body: truncate(body, 5000)}
		}
		var decoded struct {
			Embedding []float64 `json:"embedding"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil || decoded.Embedding == nil {
			return EmbedResult{}, &UpstreamError{Upstream: "ollama", Status: 502, Body: []byte("no embedding in response")}
		}
		out = append(out, decoded.Embedding)
	}
	return EmbedResult{Embeddings: out}, nil
}

func embedOllamaBatch(ctx context.Context, base string, req EmbedRequest) ([][]float64, error) {
	var all [][]float64
	for start := 0; start < len(req.Input); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(req.Input) {
			end = len(req.Input)
		}
		batch := req.Input[start:end]

		resp, err := postJSON(ctx, base+"/api/embed", map[string]any{"model": req.Model, "input": batch})
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, &UpstreamError{Upstream: "ollama", Status: resp.StatusCode, Body: truncate(body, 5000)}
		}
		var decoded struct {
			Embeddings [][]float64 `json:"embeddings"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil || len(decoded.Embeddings) != len(batch) {
			return nil, fmt.Errorf("unexpected /api/embed response shape")
		}
		all = append(all, decoded.Embeddings...)
	}
	return all, nil
}

// embedOpenAI speaks the OpenAI-compatible /embeddings endpoint MLX-class
// backends implement: a single input string when there's exactly one, or a
// list otherwise, matching the original implementation's shape exactly.
func embedOpenAI(ctx context.Context, cfg *backend.Config, req EmbedRequest) (EmbedResult, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	out := make([][]float64, 0, len(req.Input))

	for start := 0; start < len(req.Input); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(req.Input) {
			end = len(req.Input)
		}
		batch := req.Input[start:end]

		var inputPayload any = batch
		if len(batch) == 1 {
			inputPayload = batch[0]
		}

		resp, err := postJSON(ctx, base+"/embeddings", map[string]any{"model": req.Model, "input": inputPayload})
		if err != nil {
			return EmbedResult{}, fmt.Errorf("calling openai-compatible embeddings: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return EmbedResult{}, fmt.Errorf("reading embeddings response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return EmbedResult{}, &UpstreamError{Upstream: "mlx", Status: resp.StatusCode, Body: truncate(body, 5000)}
		}

		var decoded struct {
			Data []struct {
				Embedding []float64 `json:"embedding"`
				Index     int       `json:"index"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return EmbedResult{}, fmt.Errorf("decoding embeddings response: %w", err)
		}
		if len(decoded.Data) != len(batch) {
			return EmbedResult{}, &UpstreamError{Upstream: "mlx", Status: 502, Body: []byte("unexpected embeddings shape")}
		}
		batchOut := make([][]float64, len(batch))
		for _, item := range decoded.Data {
			if item.Index < 0 || item.Index >= len(batchOut) {
				continue
			}
			batchOut[item.Index] = item.Embedding
		}
		out = append(out, batchOut...)
	}

	return EmbedResult{Embeddings: out}, nil
}

// RerankResult is one scored document from Rerank, in descending score order.
type RerankResult struct {
	Index          int
	RelevanceScore float64
	Document       string
}

// Rerank embeds the query and every document against the same backend, then
// scores each document by cosine similarity to the query, descending.
func Rerank(ctx context.Context, cfg *backend.Config, model, query string, documents []string) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	input := append([]string{query}, documents...)
	res, err := Embed(ctx, cfg, EmbedRequest{Model: model, Input: input})
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) != len(input) {
		return nil, fmt.Errorf("rerank: embedding count mismatch")
	}

	queryVec := res.Embeddings[0]
	out := make([]RerankResult, len(documents))
	for i, doc := range documents {
		out[i] = RerankResult{
			Index:          i,
			RelevanceScore: cosineSimilarity(queryVec, res.Embeddings[i+1]),
			Document:       doc,
		}
	}

	sortRerankResultsDescending(out)
	return out, nil
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func sortRerankResultsDescending(results []RerankResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j-1].RelevanceScore < results[j].RelevanceScore; j-- {
			results[j-1], results[j] = results[j], results[j-1]
		}
	}
}
