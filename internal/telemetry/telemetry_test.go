package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zapcore"
)

func TestSetup_WithoutEndpointOnlyInstallsPropagator(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "demand-service"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("shutdown must never be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected traceparent propagation, got %v", fields)
	}
}

func TestSetup_WithEndpointShutsDownCleanly(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		ServiceName: "demand-service",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		Logs:        true,
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nothing was recorded, so a canceled flush has nothing to export.
	_ = shutdown(ctx)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown should be a no-op, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("demand-service", "verbose", false); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
	logger, err := NewLogger("demand-service", "debug", true)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug enabled")
	}
}
