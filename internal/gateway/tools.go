package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localforge/gateway/internal/gatewayerr"
)

type executeToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// handleListTools returns the tools this deployment permits, intersected
// with the caller's per-token allowlist override when one is configured.
func (gc *Context) handleListTools(w http.ResponseWriter, r *http.Request) {
	allowlist, has := gc.effectiveToolsAllowlist(bearerTokenFrom(r.Context()))
	specs := gc.ToolBus.ListTools()

	out := make([]any, 0, len(specs))
	for _, spec := range specs {
		if toolAllowedForToken(spec.Name, allowlist, has) {
			out = append(out, spec)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": out})
}

func (gc *Context) executeTool(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	token := bearerTokenFrom(r.Context())
	allowlist, has := gc.effectiveToolsAllowlist(token)
	if !toolAllowedForToken(name, allowlist, has) {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindForbidden, "tool not permitted for this token: "+name))
		return
	}

	result, err := gc.ToolBus.Execute(r.Context(), token, name, args)
	if err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok {
			gatewayerr.WriteJSON(w, gerr)
			return
		}
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleExecuteTool serves POST /v1/tools, where the tool name travels in
// the body alongside its arguments.
func (gc *Context) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	if req.Name == "" {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "name is required"))
		return
	}
	gc.executeTool(w, r, req.Name, req.Arguments)
}

// handleExecuteNamedTool serves POST /v1/tools/{name}, accepting either the
// raw argument object as the whole body or the same {arguments: {...}}
// envelope handleExecuteTool uses.
func (gc *Context) handleExecuteNamedTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var raw map[string]json.RawMessage
	if gerr := decodeJSONBody(r, &raw); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}

	args := map[string]any{}
	if wrapped, ok := raw["arguments"]; ok {
		if err := json.Unmarshal(wrapped, &args); err != nil {
			gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "arguments must be an object"))
			return
		}
	} else {
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "invalid argument: "+k))
				return
			}
			args[k] = val
		}
	}

	gc.executeTool(w, r, name, args)
}

// handleToolReplay serves GET /v1/tools/replay/{replay_id}, returning the
// persisted invocation record for a past tool call.
func (gc *Context) handleToolReplay(w http.ResponseWriter, r *http.Request) {
	replayID := chi.URLParam(r, "replay_id")
	record, err := gc.ToolBus.Replay(replayID)
	if err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok {
			gatewayerr.WriteJSON(w, gerr)
			return
		}
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindReplayNotFound, "replay record not found: "+replayID))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}
