// Package backend implements the BackendRegistry: the immutable,
// process-wide catalogue of backend classes, their base URLs, supported
// capabilities, concurrency limits, and legacy-name aliases.
package backend

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability is one of the five route kinds the gateway understands.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityEmbeddings Capability = "embeddings"
	CapabilityImages     Capability = "images"
	CapabilityMusic      Capability = "music"
	CapabilityTTS        Capability = "tts"
)

// Config is the immutable description of one backend class.
type Config struct {
	BackendClass          string
	BaseURL               string
	Description           string
	SupportedCapabilities []Capability
	ConcurrencyLimits     map[Capability]int
	HealthLiveness        string
	HealthReadiness       string
	PayloadPolicy         map[string]any
	// AdapterKind selects the upstream.Adapter used to talk to this backend
	// class: "openai" for OpenAI-compatible SSE servers (MLX-style), "ollama"
	// for NDJSON servers (Ollama-style).
	AdapterKind string
}

// Supports reports whether this backend offers the given capability.
func (c *Config) Supports(cap Capability) bool {
	for _, sc := range c.SupportedCapabilities {
		if sc == cap {
			return true
		}
	}
	return false
}

// Limit returns the concurrency ceiling for a capability, defaulting to 1
// when unconfigured.
func (c *Config) Limit(cap Capability) int {
	if l, ok := c.ConcurrencyLimits[cap]; ok {
		return l
	}
	return 1
}

// Registry is the read-only, post-init-immutable catalogue of backends.
// Lookup operations are O(1) map reads and never allocate.
type Registry struct {
	backends      map[string]*Config
	legacyMapping map[string]string
	order         []string // stable iteration order, for deterministic listings
}

// Get returns the backend config for a class name, resolving legacy aliases
// first.
func (r *Registry) Get(backendClass string) (*Config, bool) {
	actual := r.ResolveClass(backendClass)
	c, ok := r.backends[actual]
	return c, ok
}

// ResolveClass maps a possibly-legacy name to its canonical backend_class.
func (r *Registry) ResolveClass(name string) string {
	if canon, ok := r.legacyMapping[name]; ok {
		return canon
	}
	return name
}

// All returns every backend config in stable order.
func (r *Registry) All() []*Config {
	out := make([]*Config, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// ByCapability returns every backend class offering the given capability, in
// stable order.
func (r *Registry) ByCapability(cap Capability) []*Config {
	var out []*Config
	for _, name := range r.order {
		c := r.backends[name]
		if c.Supports(cap) {
			out = append(out, c)
		}
	}
	return out
}

type fileSchema struct {
	Backends map[string]struct {
		Class                 string              `yaml:"class"`
		BaseURL               string              `yaml:"base_url"`
		Description           string              `yaml:"description"`
		Adapter               string              `yaml:"adapter"`
		SupportedCapabilities []string            `yaml:"supported_capabilities"`
		ConcurrencyLimits     map[string]int      `yaml:"concurrency_limits"`
		Health                struct {
			Liveness  string `yaml:"liveness"`
			Readiness string `yaml:"readiness"`
		} `yaml:"health"`
		PayloadPolicy map[string]any `yaml:"payload_policy"`
	} `yaml:"backends"`
	LegacyMapping map[string]string `yaml:"legacy_mapping"`
}

var placeholderRE = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// expandPlaceholders resolves ${VAR} placeholders, first from the process environment,
// then from a fallback table (typically Settings fields), exactly the
// two-pass substitution the original implementation performs. An unresolved
// placeholder is replaced with the empty string.
func expandPlaceholders(raw string, fallback map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(raw, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if v, ok := fallback[name]; ok {
			return v
		}
		return ""
	})
}

// inferAdapterKind defaults the adapter kind from the backend class name
// when the file doesn't declare one explicitly, so existing backends files
// that predate the adapter field still work.
func inferAdapterKind(explicit, class string) string {
	if explicit != "" {
		return explicit
	}
	if strings.Contains(strings.ToLower(class), "ollama") {
		return "ollama"
	}
	return "openai"
}

func sanitizeBaseURL(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", nil
	}
	if strings.ContainsAny(candidate, "\n\r\t") {
		return "", fmt.Errorf("invalid base_url: contains control characters")
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid base_url scheme: %s", u.Scheme)
	}
	if u.User != nil {
		return "", fmt.Errorf("invalid base_url: credentials are not allowed")
	}
	return candidate, nil
}

// Load reads the declarative backends file at path, expanding ${VAR}
// placeholders in base_url against the process environment then the given
// fallback table. A missing file falls back to a minimal built-in registry.
// An entry whose base_url fails sanitisation is dropped (reported, not
// fatal) so one malformed entry cannot take down the whole registry.
func Load(path string, envFallback map[string]string) (*Registry, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultRegistry(envFallback), nil
	}

	var doc fileSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return defaultRegistry(envFallback), []error{fmt.Errorf("parsing %s: %w", path, err)}
	}

	reg := &Registry{
		backends:      map[string]*Config{},
		legacyMapping: map[string]string{},
	}
	var errs []error

	names := make([]string, 0, len(doc.Backends))
	for name := range doc.Backends {
		names = append(names, name)
	}
	// Deterministic order regardless of map iteration.
	sort.Strings(names)

	for _, name := range names {
		raw := doc.Backends[name]
		expanded := expandPlaceholders(raw.BaseURL, envFallback)
		baseURL, serr := sanitizeBaseURL(expanded)
		if serr != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", name, serr))
			continue
		}

		caps := make([]Capability, 0, len(raw.SupportedCapabilities))
		for _, c := range raw.SupportedCapabilities {
			caps = append(caps, Capability(c))
		}
		limits := make(map[Capability]int, len(raw.ConcurrencyLimits))
		for k, v := range raw.ConcurrencyLimits {
			limits[Capability(k)] = v
		}

		class := raw.Class
		if class == "" {
			class = name
		}
		liveness := raw.Health.Liveness
		if liveness == "" {
			liveness = "/healthz"
		}
		readiness := raw.Health.Readiness
		if readiness == "" {
			readiness = "/readyz"
		}

		reg.backends[class] = &Config{
			BackendClass:          class,
			BaseURL:               baseURL,
			Description:           raw.Description,
			SupportedCapabilities: caps,
			ConcurrencyLimits:     limits,
			HealthLiveness:        liveness,
			HealthReadiness:       readiness,
			PayloadPolicy:         raw.PayloadPolicy,
			AdapterKind:           inferAdapterKind(raw.Adapter, class),
		}
		reg.order = append(reg.order, class)
	}

	for k, v := range doc.LegacyMapping {
		reg.legacyMapping[k] = v
	}

	if len(reg.backends) == 0 {
		return defaultRegistry(envFallback), errs
	}

	return reg, errs
}

// defaultRegistry is the minimal built-in fallback used when no config file
// is present or it fails to parse into anything usable.
func defaultRegistry(envFallback map[string]string) *Registry {
	ollamaURL := envFallback["OLLAMA_BASE_URL"]
	if ollamaURL == "" {
		ollamaURL = "http://127.0.0.1:11434"
	}
	mlxURL := envFallback["MLX_BASE_URL"]
	if mlxURL == "" {
		mlxURL = "http://127.0.0.1:10240/v1"
	}

	return &Registry{
		backends: map[string]*Config{
			"ollama": {
				BackendClass:          "ollama",
				BaseURL:               ollamaURL,
				Description:           "Default Ollama backend",
				SupportedCapabilities: []Capability{CapabilityChat, CapabilityEmbeddings},
				ConcurrencyLimits:     map[Capability]int{CapabilityChat: 4, CapabilityEmbeddings: 4},
				HealthLiveness:        "/healthz",
				HealthReadiness:       "/readyz",
				AdapterKind:           "ollama",
			},
			"mlx": {
				BackendClass:          "mlx",
				BaseURL:               mlxURL,
				Description:           "Default MLX backend",
				SupportedCapabilities: []Capability{CapabilityChat, CapabilityEmbeddings},
				ConcurrencyLimits:     map[Capability]int{CapabilityChat: 2, CapabilityEmbeddings: 2},
				HealthLiveness:        "/healthz",
				HealthReadiness:       "/readyz",
				AdapterKind:           "openai",
			},
		},
		legacyMapping: map[string]string{},
		order:         []string{"ollama", "mlx"},
	}
}

