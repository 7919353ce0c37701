package gateway

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/localforge/gateway/internal/admission"
	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/gatewayerr"
	"github.com/localforge/gateway/internal/upstream"
)

// imageStorageDir is where generated images are written when a caller asks
// for response_format=url (the default) instead of inline base64 — the
// gateway's enforcement of the "never return large blobs by default"
// payload policy.
const imageStorageDir = "/var/lib/gateway/data/ui_images"

const maxImagePixels = 4096 * 4096

func parseSize(size string) (int, int, error) {
	if size == "" {
		return 1024, 1024, nil
	}
	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("size must be WxH")
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width")
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height")
	}
	if w*h > maxImagePixels {
		return 0, 0, fmt.Errorf("size too large")
	}
	return w, h, nil
}

type imageGenerationRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func storeImageAndGetURL(b64Data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64Data)
	if err != nil {
		return "", fmt.Errorf("decoding image data: %w", err)
	}
	sum := sha256.Sum256(raw)
	filename := fmt.Sprintf("%d_%s.png", time.Now().Unix(), hex.EncodeToString(sum[:])[:16])

	if err := os.MkdirAll(imageStorageDir, 0o755); err != nil {
		return "", fmt.Errorf("preparing image storage directory: %w", err)
	}
	path := filepath.Join(imageStorageDir, filename)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("writing image: %w", err)
	}
	return "/ui/images/" + filename, nil
}

// handleImageGenerations proxies to the images-capable backend, then — by
// default — re-stores the returned base64 bytes to disk and rewrites the
// response as same-origin URLs, matching §6's payload policy.
func (gc *Context) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var req imageGenerationRequest
	if gerr := decodeJSONBody(r, &req); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "prompt is required"))
		return
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	if n > 4 {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "n must be between 1 and 4"))
		return
	}
	if _, _, err := parseSize(req.Size); err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, err.Error()))
		return
	}
	responseFormat := req.ResponseFormat
	if responseFormat == "" {
		responseFormat = "url"
	}
	if responseFormat != "url" && responseFormat != "b64_json" {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "response_format must be url or b64_json"))
		return
	}

	cfg, lease, gerr := gc.backendForCapability(backend.CapabilityImages)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	defer lease.Release()

	upstreamResp, err := upstream.ProxyJSON(r.Context(), cfg, "/v1/images/generations", map[string]any{
		"prompt":          req.Prompt,
		"n":               n,
		"size":            req.Size,
		"response_format": "b64_json",
	}, 0)
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}

	rawData, _ := upstreamResp["data"].([]any)
	out := make([]map[string]any, 0, len(rawData))
	for _, item := range rawData {
		entry, _ := item.(map[string]any)
		b64, _ := entry["b64_json"].(string)
		if b64 == "" {
			continue
		}
		if responseFormat == "b64_json" {
			out = append(out, map[string]any{"b64_json": b64})
			continue
		}
		url, err := storeImageAndGetURL(b64)
		if err != nil {
			gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
			return
		}
		out = append(out, map[string]any{"url": url})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"created": upstream.NowUnix(), "data": out})
}

// normalizeAudioBody applies the input↔text alias and joins a list-shaped
// tags field, the normalisation §6 requires for music/TTS bodies before
// proxying.
func normalizeAudioBody(body map[string]any) map[string]any {
	if _, ok := body["text"]; !ok {
		if v, ok := body["input"]; ok {
			body["text"] = v
		}
	}
	if _, ok := body["input"]; !ok {
		if v, ok := body["text"]; ok {
			body["input"] = v
		}
	}
	if tags, ok := body["tags"].([]any); ok {
		parts := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				parts = append(parts, s)
			}
		}
		body["tags"] = strings.Join(parts, ", ")
	}
	return body
}

// durationScaledTimeout grows the proxy timeout with the requested
// duration_sec field, when present, so longer generations don't get cut
// off by a fixed client timeout.
func durationScaledTimeout(body map[string]any) time.Duration {
	base := 60 * time.Second
	v, ok := body["duration_sec"]
	if !ok {
		return base
	}
	secs, ok := v.(float64)
	if !ok || secs <= 0 {
		return base
	}
	scaled := time.Duration(secs*2) * time.Second
	if scaled < base {
		return base
	}
	if scaled > 10*time.Minute {
		return 10 * time.Minute
	}
	return scaled
}

// backendForCapability picks the first backend advertising cap, checks
// readiness, and acquires an admission lease that the caller must Release
// once its upstream call has completed.
func (gc *Context) backendForCapability(cap backend.Capability) (*backend.Config, *admission.Lease, *gatewayerr.Error) {
	candidates := gc.Backends.ByCapability(cap)
	if len(candidates) == 0 {
		return nil, nil, gatewayerr.New(gatewayerr.KindCapabilityNotSupported, "no backend supports capability: "+string(cap))
	}
	cfg := candidates[0]
	if gerr := gc.Health.CheckReady(cfg.BackendClass, cap); gerr != nil {
		return nil, nil, gerr
	}
	lease, gerr := gc.Admission.Acquire(cfg.BackendClass, cap)
	if gerr != nil {
		return nil, nil, gerr
	}
	return cfg, lease, nil
}

func (gc *Context) handleMusicGenerations(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if gerr := decodeJSONBody(r, &body); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	body = normalizeAudioBody(body)

	cfg, lease, gerr := gc.backendForCapability(backend.CapabilityMusic)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	defer lease.Release()

	resp, err := upstream.ProxyJSON(r.Context(), cfg, "/v1/music/generations", body, durationScaledTimeout(body))
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (gc *Context) handleTTSGenerations(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if gerr := decodeJSONBody(r, &body); gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	body = normalizeAudioBody(body)

	cfg, lease, gerr := gc.backendForCapability(backend.CapabilityTTS)
	if gerr != nil {
		gatewayerr.WriteJSON(w, gerr)
		return
	}
	defer lease.Release()

	resp, err := upstream.ProxyJSON(r.Context(), cfg, "/v1/audio/speech", body, durationScaledTimeout(body))
	if err != nil {
		gatewayerr.WriteJSON(w, gatewayerr.New(gatewayerr.KindUpstreamError, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
