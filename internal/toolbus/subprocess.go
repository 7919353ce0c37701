package toolbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// runSubprocessTool invokes a registry-declared tool's argv, passing args as
// JSON on stdin and capturing stdout/stderr up to the configured caps. If
// stdout parses as JSON it is attached as "stdout_json" alongside the raw
// text, letting well-behaved tools return structured results without the
// bus needing to know their shape in advance.
func runSubprocessTool(ctx context.Context, spec execSpec, args map[string]any, cfg Config) (map[string]any, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("registry tool has no argv")
	}

	stdin, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding tool arguments: %w", err)
	}

	timeout := time.Duration(spec.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := spec.CWD
	if cwd == "" {
		cwd = cfg.ShellCWD
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		// Fall back to a tempdir if the configured cwd isn't writable,
		// rather than failing the call outright.
		tmp, terr := os.MkdirTemp("", "toolbus-")
		if terr != nil {
			return nil, fmt.Errorf("preparing working directory: %w", err)
		}
		cwd = tmp
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}

	stdoutStr := capString(stdout.String(), cfg.SubprocessStdoutMax)
	stderrStr := capString(stderr.String(), cfg.SubprocessStderrMax)

	result := map[string]any{
		"ok":         runErr == nil && exitCode == 0,
		"exit_code":  exitCode,
		"stdout":     stdoutStr,
		"stderr":     stderrStr,
		"__io_bytes": len(stdoutStr) + len(stderrStr),
	}

	var parsed any
	if json.Unmarshal([]byte(stdoutStr), &parsed) == nil {
		result["stdout_json"] = parsed
		if m, ok := parsed.(map[string]any); ok {
			if ok2, present := m["ok"]; present {
				result["ok"] = ok2
			}
		}
	}

	if runErr != nil && exitCode != 0 {
		result["error_type"] = "subprocess_exit"
		result["error_message"] = fmt.Sprintf("exited with code %d", exitCode)
	}

	return result, nil
}
