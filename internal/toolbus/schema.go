package toolbus

// Spec is a declared tool's schema: name, version, description, and a
// minimal JSON-Schema-like parameters document. Tools are never discovered
// implicitly; every callable tool is either one of the builtins below or an
// entry in the declarative registry file.
type Spec struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Declared    bool           `json:"declared"`
	Source      string         `json:"source"` // "builtin" | "registry" | "missing"
}

func objectSchema(required []string, additional bool, props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": additional,
	}
}

func prop(t string) map[string]any { return map[string]any{"type": t} }

func arrayOfStrings() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

// builtinSchemas mirrors the hand-declared TOOL_SCHEMAS table: every
// builtin tool's callable surface, independent of whether the deployment
// has enabled it (enablement is a policy/allowlist concern, not a schema
// concern).
var builtinSchemas = map[string]Spec{
	"noop": {
		Name: "noop", Version: "1", Description: "No-op tool for end-to-end verification.",
		Parameters: objectSchema(nil, false, map[string]any{"text": prop("string")}),
	},
	"shell": {
		Name: "shell", Version: "1", Description: "Run a command locally (no shell interpretation).",
		Parameters: objectSchema([]string{"cmd"}, false, map[string]any{"cmd": prop("string")}),
	},
	"read_file": {
		Name: "read_file", Version: "1", Description: "Read a local text file.",
		Parameters: objectSchema([]string{"path"}, false, map[string]any{"path": prop("string")}),
	},
	"write_file": {
		Name: "write_file", Version: "1", Description: "Write a local text file.",
		Parameters: objectSchema([]string{"path", "content"}, false, map[string]any{
			"path": prop("string"), "content": prop("string"),
		}),
	},
	"git": {
		Name: "git", Version: "1", Description: "Run a limited set of git subcommands in a configured repo directory.",
		Parameters: objectSchema([]string{"args"}, false, map[string]any{"args": arrayOfStrings()}),
	},
	"http_fetch": {
		Name: "http_fetch", Version: "1", Description: "Fetch a URL via GET with host allowlist and size limits.",
		Parameters: objectSchema([]string{"url"}, false, map[string]any{
			"url": prop("string"), "method": prop("string"), "headers": prop("object"),
		}),
	},
	"http_fetch_local": {
		Name: "http_fetch_local", Version: "1", Description: "Fetch a URL via GET, restricted to localhost only.",
		Parameters: objectSchema([]string{"url"}, false, map[string]any{
			"url": prop("string"), "method": prop("string"), "headers": prop("object"),
		}),
	},
	"system_info": {
		Name: "system_info", Version: "1", Description: "Return non-sensitive runtime and feature information.",
		Parameters: objectSchema(nil, false, map[string]any{}),
	},
	"models_refresh": {
		Name: "models_refresh", Version: "1", Description: "Ping upstream model endpoints to confirm reachability.",
		Parameters: objectSchema(nil, false, map[string]any{}),
	},
}

// validateAgainstSchema implements the same minimal checker the original
// validates with: required fields, additionalProperties:false enforcement,
// and shallow type checks for string/array-of-string/object properties.
// It deliberately does not implement the full JSON Schema spec (no
// oneOf/anyOf/pattern/format) because the declared tool schemas never use
// those features.
func validateAgainstSchema(params map[string]any, args map[string]any) []string {
	var errs []string

	if t, _ := params["type"].(string); t != "object" {
		return nil
	}

	props, _ := params["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}

	var required []string
	switch r := params["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, k := range r {
			if s, ok := k.(string); ok {
				required = append(required, s)
			}
		}
	}
	for _, k := range required {
		if _, present := args[k]; !present {
			errs = append(errs, "missing required field: "+k)
		}
	}

	if additional, ok := params["additionalProperties"].(bool); ok && !additional {
		allowed := map[string]bool{}
		for k := range props {
			allowed[k] = true
		}
		for k := range args {
			if !allowed[k] {
				errs = append(errs, "unexpected field: "+k)
			}
		}
	}

	for key, rawSchema := range props {
		v, present := args[key]
		if !present {
			continue
		}
		sch, ok := rawSchema.(map[string]any)
		if !ok {
			continue
		}
		t, _ := sch["type"].(string)
		switch t {
		case "string":
			if _, ok := v.(string); !ok {
				errs = append(errs, key+" must be a string")
			}
		case "array":
			arr, ok := v.([]any)
			if !ok {
				errs = append(errs, key+" must be an array")
				continue
			}
			if items, ok := sch["items"].(map[string]any); ok {
				if it, _ := items["type"].(string); it == "string" {
					for _, e := range arr {
						if _, ok := e.(string); !ok {
							errs = append(errs, key+" items must be strings")
							break
						}
					}
				}
			}
		case "object":
			if _, ok := v.(map[string]any); !ok {
				errs = append(errs, key+" must be an object")
			}
		}
	}

	return errs
}
