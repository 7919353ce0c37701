package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localforge/gateway/internal/agent"
	"github.com/localforge/gateway/internal/gatewayerr"
)

type agentRunRequest struct {
	Agent    string         `json:"agent"`
	Input    string         `json:"input"`
	Messages []agent.Message `json:"messages"`
}

// handleAgentRun serves POST /v1/agent/run: PLAN/ACT/TOOL to completion via
// AgentRuntime.Run and returns the persisted payload.
func (gc *Context) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var req agentRunRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	if req.Input == "" && len(req.Messages) == 0 {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "input or messages is required"))
		return
	}

	payload, gerr := gc.Agent.Run(r.Context(), agent.RunRequest{
		Agent:       req.Agent,
		Input:       req.Input,
		Messages:    req.Messages,
		BearerToken: bearerTokenFrom(r.Context()),
	})
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}

	if holder := outcomeFrom(r.Context()); holder != nil {
		holder.set(routeOutcome{Backend: payload.Backend, BackendClass: payload.Backend, UpstreamModel: payload.UpstreamModel})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleAgentReplay serves GET /v1/agent/replay/{run_id}, returning the
// persisted transcript for a past run.
func (gc *Context) handleAgentReplay(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	payload, gerr := gc.Agent.Replay(runID)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
