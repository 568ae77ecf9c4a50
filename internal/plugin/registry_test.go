package plugin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/toolbridge/core/internal/coreerr"
)

func TestCatalogRebuildAfterRegistration(t *testing.T) {
	r := New(nil)

	err := r.Register(&Descriptor{
		ID:   "Sum",
		Name: "Sum",
		Kind: KindSubprocess,
		Commands: []Command{
			{Command: "add", Description: "adds two numbers", Example: "add 1 2"},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	entry := r.CatalogEntries()["VCPSum"]
	for _, want := range []string{"- Sum (Sum) - command: add:", "adds two numbers", "add 1 2"} {
		if !strings.Contains(entry, want) {
			t.Errorf("catalog entry missing %q, got:\n%s", want, entry)
		}
	}
}

func TestRegisterRequiresIDNameKind(t *testing.T) {
	r := New(nil)
	err := r.Register(&Descriptor{Name: "x"})
	if !coreerr.Is(err, coreerr.KindInvalidPluginManifest) {
		t.Fatalf("expected invalid-plugin-manifest error, got %v", err)
	}
}

func TestBulkRegisterRefusesDistributedCollision(t *testing.T) {
	r := New(nil)

	if err := r.Register(&Descriptor{ID: "Sum", Name: "Sum", Kind: KindInternal}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	errs := r.BulkRegister("session-1", []*Descriptor{{ID: "Sum", Name: "Sum"}})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}

	d := r.Descriptors()
	if len(d) != 1 || d[0].Kind != KindInternal {
		t.Fatalf("existing plugin should not have been overwritten: %+v", d)
	}
}

func TestBulkRegisterAndUnregister(t *testing.T) {
	r := New(nil)

	errs := r.BulkRegister("session-1", []*Descriptor{
		{Name: "Alpha", Commands: []Command{{Command: "run", Description: "runs alpha", Example: "alpha run"}}},
		{Name: "Beta"},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	if len(r.Descriptors()) != 2 {
		t.Fatalf("expected 2 plugins registered")
	}
	if _, ok := r.CatalogEntries()["VCPAlpha"]; !ok {
		t.Fatalf("expected catalog entry for Alpha")
	}

	removed := r.BulkUnregister("session-1")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if len(r.Descriptors()) != 0 {
		t.Fatalf("expected registry empty after bulk unregister")
	}
}

func TestExecuteUnknownPlugin(t *testing.T) {
	r := New(nil)
	_, err := r.Execute(context.Background(), "nope", nil)
	if !coreerr.Is(err, coreerr.KindPluginNotFound) {
		t.Fatalf("expected tool-not-found style error, got %v", err)
	}
}

func TestExecuteInternalHandler(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Echo", Name: "Echo", Kind: KindInternal}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.RegisterInternalHandler("Echo", func(ctx context.Context, args map[string]string) (*ExecResult, error) {
		return &ExecResult{Status: "success", Result: args["msg"]}, nil
	})

	res, err := r.Execute(context.Background(), "Echo", map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Result != "hi" {
		t.Errorf("Result = %v, want hi", res.Result)
	}
}

func TestExecuteDistributedUsesInjectedExecutorAndTimeout(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Slow", Name: "Slow", Kind: KindDistributed, SessionID: "s1", TimeoutMS: 20}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.SetDistributedExecutor(func(ctx context.Context, sessionID, toolName string, args map[string]string, timeout time.Duration) (*ExecResult, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		<-timeoutCtx.Done()
		return nil, coreerr.New(coreerr.KindDistributedTimeout, "timed out", nil)
	})

	_, err := r.Execute(context.Background(), "Slow", nil)
	if !coreerr.Is(err, coreerr.KindDistributedTimeout) {
		t.Fatalf("expected distributed-timeout, got %v", err)
	}
}

func TestExecuteEmitsExactlyOneEvent(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Echo", Name: "Echo", Kind: KindInternal}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// drain the registered event first
	<-r.Events()

	r.RegisterInternalHandler("Echo", func(ctx context.Context, args map[string]string) (*ExecResult, error) {
		return &ExecResult{Status: "success"}, nil
	})

	if _, err := r.Execute(context.Background(), "Echo", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case ev := <-r.Events():
		if ev.Kind != EventExecuted {
			t.Fatalf("expected EventExecuted, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for executed event")
	}

	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestPreprocessForwardsUnmodifiedOnError(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "P1", Name: "P1", Kind: KindPreprocessor}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.RegisterPreprocessorFunc("P1", func(ctx context.Context, msgs []Message) ([]Message, error) {
		return nil, coreerr.New(coreerr.KindToolExecutionFailed, "boom", nil)
	})

	in := []Message{{Role: "user", Content: "hi"}}
	out := r.Preprocess(context.Background(), in)
	if len(out) != 1 || out[0].Content != "hi" {
		t.Fatalf("expected unmodified messages forwarded, got %+v", out)
	}
}
