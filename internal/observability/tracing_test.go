package observability

import (
	"context"
	"testing"
	"time"
)

func TestInitTracer_LazyConnection(t *testing.T) {
	// The gRPC connection is lazy, so an unreachable collector must not
	// fail initialization.
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "runplane-controller", "collector.invalid:4317")
	if err != nil {
		t.Logf("InitTracer failed in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}

func TestInitTracer_EmptyServiceName(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "", "localhost:4317")
	if err != nil {
		t.Logf("InitTracer returned error: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}
