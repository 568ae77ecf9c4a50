package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/toolbridge/core/internal/coreerr"
)

func writeManifest(t *testing.T, dir string, manifest map[string]any) {
	t.Helper()
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFilename), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestExecuteSubprocessSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	dir := t.TempDir()
	writeManifest(t, dir, map[string]any{
		"entryPoint":    map[string]any{"command": "cat"},
		"communication": map[string]any{"timeout": 1000},
	})

	r := New(nil)
	d := &Descriptor{ID: "Cat", Name: "Cat", Kind: KindSubprocess, WorkDir: dir}

	res, err := r.executeSubprocess(context.Background(), d, map[string]string{"msg": "hello"})
	if err != nil {
		t.Fatalf("executeSubprocess: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("Status = %q, want success", res.Status)
	}
	m, ok := res.Result.(map[string]any)
	if !ok || m["msg"] != "hello" {
		t.Errorf("Result = %#v, want echoed JSON with msg=hello", res.Result)
	}
}

func TestExecuteSubprocessTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	dir := t.TempDir()
	writeManifest(t, dir, map[string]any{
		"entryPoint":    map[string]any{"command": "sleep 5"},
		"communication": map[string]any{"timeout": 50},
	})

	r := New(nil)
	d := &Descriptor{ID: "Sleep", Name: "Sleep", Kind: KindSubprocess, WorkDir: dir}

	_, err := r.executeSubprocess(context.Background(), d, nil)
	if !coreerr.Is(err, coreerr.KindToolTimeout) {
		t.Fatalf("expected tool-timeout, got %v", err)
	}
}

func TestExecuteSubprocessNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell assumed")
	}
	dir := t.TempDir()
	writeManifest(t, dir, map[string]any{
		"entryPoint":    map[string]any{"command": "false"},
		"communication": map[string]any{"timeout": 1000},
	})

	r := New(nil)
	d := &Descriptor{ID: "Fail", Name: "Fail", Kind: KindSubprocess, WorkDir: dir}

	_, err := r.executeSubprocess(context.Background(), d, nil)
	if !coreerr.Is(err, coreerr.KindToolExecutionFailed) {
		t.Fatalf("expected tool-execution-failed, got %v", err)
	}
}

func TestExecuteSubprocessMissingManifest(t *testing.T) {
	dir := t.TempDir()
	r := New(nil)
	d := &Descriptor{ID: "Ghost", Name: "Ghost", Kind: KindSubprocess, WorkDir: dir}

	_, err := r.executeSubprocess(context.Background(), d, nil)
	if !coreerr.Is(err, coreerr.KindInvalidPluginManifest) {
		t.Fatalf("expected invalid-plugin-manifest, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	short := truncate("abc", 10)
	if short != "abc" {
		t.Errorf("short string should be unchanged, got %q", short)
	}
	long := truncate("abcdefghij", 4)
	if long != "abcd...(truncated)" {
		t.Errorf("truncate(long,4) = %q", long)
	}
}
