package plugin

import (
	"context"
	"testing"

	"github.com/toolbridge/core/internal/coreerr"
)

func TestExecuteDirectIsNotExecutable(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Direct1", Name: "Direct1", Kind: KindDirect}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Execute(context.Background(), "Direct1", nil)
	if !coreerr.Is(err, coreerr.KindInvalidToolRequest) {
		t.Fatalf("expected invalid-tool-request, got %v", err)
	}
}

func TestExecuteNonExecutableKinds(t *testing.T) {
	for _, kind := range []Kind{KindPreprocessor, KindService, KindStatic} {
		r := New(nil)
		if err := r.Register(&Descriptor{ID: "X", Name: "X", Kind: kind}); err != nil {
			t.Fatalf("Register(%v): %v", kind, err)
		}
		_, err := r.Execute(context.Background(), "X", nil)
		if !coreerr.Is(err, coreerr.KindInvalidToolRequest) {
			t.Errorf("kind %v: expected invalid-tool-request, got %v", kind, err)
		}
	}
}

func TestExecuteDistributedWithoutExecutorConfigured(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Remote", Name: "Remote", Kind: KindDistributed, SessionID: "s1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Execute(context.Background(), "Remote", nil)
	if !coreerr.Is(err, coreerr.KindDistributedConnection) {
		t.Fatalf("expected distributed-connection-error, got %v", err)
	}
}

func TestExecuteInternalNoHandlerRegistered(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Unwired", Name: "Unwired", Kind: KindInternal}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Execute(context.Background(), "Unwired", nil)
	if !coreerr.Is(err, coreerr.KindPluginInitError) {
		t.Fatalf("expected plugin-init-error, got %v", err)
	}
}

func TestExecuteInternalHandlerError(t *testing.T) {
	r := New(nil)
	if err := r.Register(&Descriptor{ID: "Echo", Name: "Echo", Kind: KindInternal}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.RegisterInternalHandler("Echo", func(ctx context.Context, args map[string]string) (*ExecResult, error) {
		return nil, coreerr.New(coreerr.KindToolExecutionFailed, "boom", nil)
	})

	_, err := r.Execute(context.Background(), "Echo", nil)
	if !coreerr.Is(err, coreerr.KindToolExecutionFailed) {
		t.Fatalf("expected tool-execution-failed, got %v", err)
	}
}
