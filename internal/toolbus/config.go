package toolbus

import (
	"strings"

	"github.com/localforge/gateway/internal/config"
	"github.com/localforge/gateway/internal/metrics"
)

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewConfig adapts config.ToolsConfig's comma-separated string fields
// (FSRoots, HTTPAllowedHosts) into the slices Bus works with, carrying the
// rest of the fields across unchanged. modelsRefreshTargets isn't part of
// ToolsConfig; it's derived separately from the backend registry's base
// URLs by the composition root.
func NewConfig(tc config.ToolsConfig, modelsRefreshTargets map[string]string, m *metrics.Collector) Config {
	return Config{
		AllowShell:         tc.AllowShell,
		AllowFS:            tc.AllowFS,
		AllowFSWrite:       tc.AllowFSWrite,
		AllowHTTPFetch:     tc.AllowHTTPFetch,
		AllowGit:           tc.AllowGit,
		AllowSystemInfo:    tc.AllowSystemInfo,
		AllowModelsRefresh: tc.AllowModelsRefresh,
		Allowlist:          tc.Allowlist,

		ShellCWD:         tc.ShellCWD,
		ShellTimeoutSec:  tc.ShellTimeoutSec,
		ShellAllowedCmds: tc.ShellAllowedCmds,

		FSRoots:    splitCSV(tc.FSRoots),
		FSMaxBytes: tc.FSMaxBytes,

		HTTPAllowedHosts: splitCSV(tc.HTTPAllowedHosts),
		HTTPTimeoutSec:   tc.HTTPTimeoutSec,
		HTTPMaxBytes:     tc.HTTPMaxBytes,

		LogPath: tc.LogPath,
		LogDir:  tc.LogDir,
		LogMode: tc.LogMode,

		MaxConcurrent:         tc.MaxConcurrent,
		ConcurrencyTimeoutSec: tc.ConcurrencyTimeoutSec,
		SubprocessStdoutMax:   tc.SubprocessStdoutMax,
		SubprocessStderrMax:   tc.SubprocessStderrMax,

		RegistryPath:   tc.RegistryPath,
		RegistrySHA256: tc.RegistrySHA256,

		RateLimitRPS:   tc.RateLimitRPS,
		RateLimitBurst: tc.RateLimitBurst,

		ModelsRefreshTargets: modelsRefreshTargets,
		Metrics:              m,
	}
}
