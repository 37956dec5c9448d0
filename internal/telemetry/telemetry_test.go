package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestNewProviderDisabledIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Enabled {
		t.Fatalf("expected disabled provider")
	}

	ctx, span := p.StartSpan(context.Background(), "toxworker.predict")
	p.RecordRequest(ctx, "ok", 12*time.Millisecond)
	p.RecordRequest(ctx, "invalid_json", 0)
	p.RecordLoad(ctx, "ready", time.Second)
	span.End()
	p.Shutdown(context.Background())
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "toxworker.predict")
	p.RecordRequest(ctx, "ok", time.Millisecond)
	p.RecordLoad(ctx, "error", time.Millisecond)
	span.End()
	p.Shutdown(ctx)
}

func TestNewProviderRejectsUnknownProtocol(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, Endpoint: "localhost:4317", Protocol: "udp", Service: "toxworker"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestDurationMs(t *testing.T) {
	if got := durationMs(1500 * time.Microsecond); got != 1.5 {
		t.Fatalf("expected 1.5ms, got %v", got)
	}
}
