package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/gatewayerr"
	"github.com/localforge/gateway/internal/upstream"
)

// embeddingsRequest accepts input as either a single string or a list,
// matching §6's `{model, input: string|string[]}`.
type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func decodeEmbeddingsInput(raw json.RawMessage) ([]string, *gatewayerr.Error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, gatewayerr.New(gatewayerr.KindInvalidRequest, "input must not be empty")
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil, gatewayerr.New(gatewayerr.KindInvalidRequest, "input must not be empty")
		}
		return list, nil
	}
	return nil, gatewayerr.New(gatewayerr.KindInvalidRequest, "input must be a string or an array of strings")
}

func (gc *Context) embeddingsBackend() string {
	if _, ok := gc.Backends.Get(gc.RouterCfg.DefaultBackend); ok {
		return gc.RouterCfg.DefaultBackend
	}
	for _, cfg := range gc.Backends.ByCapability(backend.CapabilityEmbeddings) {
		return cfg.BackendClass
	}
	return gc.RouterCfg.DefaultBackend
}

func (gc *Context) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	inputs, gerr := decodeEmbeddingsInput(req.Input)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}

	backendClass := gc.embeddingsBackend()
	if gerr := gc.Health.CheckReady(backendClass, backend.CapabilityEmbeddings); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	lease, gerr := gc.Admission.Acquire(backendClass, backend.CapabilityEmbeddings)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	defer lease.Release()

	cfg, ok := gc.Backends.Get(backendClass)
	if !ok {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "backend not configured: "+backendClass))
		return
	}

	result, err := upstream.Embed(r.Context(), cfg, upstream.EmbedRequest{Model: req.Model, Input: inputs})
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}

	data := make([]map[string]any, len(result.Embeddings))
	for i, vec := range result.Embeddings {
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
	}

	if holder := outcomeFrom(r.Context()); holder != nil {
		holder.set(routeOutcome{Backend: backendClass, BackendClass: backendClass, UpstreamModel: req.Model})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

func (gc *Context) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	if req.Query == "" || len(req.Documents) == 0 {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "query and documents are required"))
		return
	}

	backendClass := gc.embeddingsBackend()
	if gerr := gc.Health.CheckReady(backendClass, backend.CapabilityEmbeddings); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	lease, gerr := gc.Admission.Acquire(backendClass, backend.CapabilityEmbeddings)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	defer lease.Release()

	cfg, ok := gc.Backends.Get(backendClass)
	if !ok {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "backend not configured: "+backendClass))
		return
	}

	results, err := upstream.Rerank(r.Context(), cfg, req.Model, req.Query, req.Documents)
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}

	data := make([]map[string]any, len(results))
	for i, res := range results {
		data[i] = map[string]any{"index": res.Index, "relevance_score": res.RelevanceScore, "document": res.Document}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "data": data})
}
