package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/localforge/gateway/internal/backend"
)

// mediaClient is shared across images/music/tts proxy calls; a longer
// timeout than chat/embeddings since generation backends are slower and
// callers scale their own per-request timeout by requested duration.
var mediaClient = &http.Client{Timeout: 120 * time.Second}

// ProxyJSON POSTs body as JSON to baseURL+path and decodes the JSON
// response, the generalisation of the images/music/tts backends' "proxy
// normalised body, return normalised response" shape — none of the three
// capabilities has a stable enough wire format across backend
// implementations to warrant its own typed adapter.
func ProxyJSON(ctx context.Context, cfg *backend.Config, path string, body map[string]any, timeout time.Duration) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := mediaClient
	if timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 50_000_000))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &UpstreamError{Upstream: cfg.BackendClass, Status: resp.StatusCode, Body: truncate(data, 2000)}
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return out, nil
}
