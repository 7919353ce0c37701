package upstream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NowUnix returns the current Unix timestamp, used for chat.completion
// "created" fields.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NewID mints a prefixed request/chunk identifier, e.g. "chatcmpl-<uuid>".
// google/uuid replaces the original implementation's raw random hex: both
// are opaque, unguessable identifiers, but uuid gives us a standard,
// collision-checked format for free.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// SSE frames one JSON payload as a single Server-Sent Event.
func SSE(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":{"message":"encode failure","type":"upstream_error"}}`)
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out
}

// SSEDone is the terminal OpenAI SSE sentinel.
func SSEDone() []byte {
	return []byte("data: [DONE]\n\n")
}
