package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/toolbridge/core/internal/coreerr"
	"github.com/toolbridge/core/pkg/pluginmanifest"
)

const manifestFilename = "manifest.json"

const stderrTruncateLimit = 4096

// executeSubprocess reads the plugin's on-disk manifest, spawns a child
// process with the manifest's entry command, writes the arguments as a
// single JSON document to its stdin, and waits for completion or timeout.
func (r *Registry) executeSubprocess(ctx context.Context, d *Descriptor, args map[string]string) (*ExecResult, error) {
	manifestPath := filepath.Join(d.WorkDir, manifestFilename)
	m, err := pluginmanifest.DecodeManifestFile(manifestPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalidPluginManifest, "load plugin manifest", err, map[string]any{"id": d.ID, "path": manifestPath})
	}

	timeout := defaultSubprocessTimeout
	if m.Communication.TimeoutMS > 0 {
		timeout = time.Duration(m.Communication.TimeoutMS) * time.Millisecond
	}

	argv := m.Argv()
	if len(argv) == 0 {
		return nil, coreerr.New(coreerr.KindInvalidPluginManifest, "manifest entryPoint.command is empty", map[string]any{"id": d.ID})
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = d.WorkDir
	cmd.Env = buildChildEnv(m.Defaults(), d.WorkDir)

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalidToolArgs, "encode tool args", err, map[string]any{"id": d.ID})
	}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if execCtx.Err() != nil {
		return nil, coreerr.New(coreerr.KindToolTimeout, "subprocess plugin timed out", map[string]any{"id": d.ID, "timeout": timeout.String()})
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, coreerr.Wrap(coreerr.KindToolExecutionFailed, "subprocess plugin exited with error", err, map[string]any{
			"id":        d.ID,
			"exit_code": exitCode,
			"stderr":    truncate(stderr.String(), stderrTruncateLimit),
		})
	}

	var parsed any
	if jsonErr := json.Unmarshal(stdout.Bytes(), &parsed); jsonErr == nil {
		return &ExecResult{Status: "success", Result: parsed}, nil
	}
	return &ExecResult{Status: "success", Result: strings.TrimSpace(stdout.String())}, nil
}

// buildChildEnv composes the parent environment plus every config-schema
// default (as strings), a forced UTF-8 I/O hint, and a base-path pointer to
// the plugin tree.
func buildChildEnv(defaults map[string]string, workDir string) []string {
	env := os.Environ()
	for k, v := range defaults {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "PYTHONIOENCODING=utf-8", "LANG=en_US.UTF-8")
	env = append(env, fmt.Sprintf("PLUGIN_BASE_PATH=%s", workDir))
	return env
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
