package toolbus

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// execSpec describes how a registry-declared tool is actually invoked: a
// subprocess, given its arguments as JSON on stdin.
type execSpec struct {
	Type       string   `json:"type"`
	Argv       []string `json:"argv"`
	TimeoutSec int      `json:"timeout_sec"`
	CWD        string   `json:"cwd"`
}

type registryFile struct {
	Tools []struct {
		Name        string         `json:"name"`
		Version     string         `json:"version"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
		Exec        execSpec       `json:"exec"`
	} `json:"tools"`
}

type loadedRegistry struct {
	tools      map[string]Spec
	execByName map[string]execSpec
	mtime      time.Time
}

// loadRegistry reads the declarative tools registry file, caching by mtime
// so repeated calls within the same process generation are cheap. An
// optional SHA-256 pin rejects a file whose bytes don't match, refusing to
// trust a registry that may have been tampered with.
func (b *Bus) loadRegistry() (*loadedRegistry, error) {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()

	if b.cfg.RegistryPath == "" {
		return &loadedRegistry{tools: map[string]Spec{}, execByName: map[string]execSpec{}}, nil
	}

	info, err := os.Stat(b.cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("stat registry: %w", err)
	}
	if b.registry != nil && b.registry.mtime.Equal(info.ModTime()) {
		return b.registry, nil
	}

	data, err := os.ReadFile(b.cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	if b.cfg.RegistrySHA256 != "" {
		sum := sha256.Sum256(data)
		got := fmt.Sprintf("%x", sum)
		if got != b.cfg.RegistrySHA256 {
			return nil, fmt.Errorf("registry integrity check failed: expected %s got %s", b.cfg.RegistrySHA256, got)
		}
	}

	var doc registryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}

	reg := &loadedRegistry{
		tools:      map[string]Spec{},
		execByName: map[string]execSpec{},
		mtime:      info.ModTime(),
	}

	for _, t := range doc.Tools {
		if t.Name == "" || t.Version == "" || t.Parameters == nil {
			continue // malformed entry, skip rather than fail the whole registry
		}
		if t.Exec.Type != "subprocess" || len(t.Exec.Argv) == 0 {
			continue
		}
		reg.tools[t.Name] = Spec{
			Name: t.Name, Version: t.Version, Description: t.Description,
			Parameters: t.Parameters,
		}
		reg.execByName[t.Name] = t.Exec
	}

	b.registry = reg
	return reg, nil
}
