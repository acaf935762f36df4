package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/cache"
	"github.com/wisbric/platform/internal/collab"
	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/reqctx"
)

func newTestGate(t *testing.T) (*Gate, context.Context) {
	t.Helper()
	c, err := cache.New(context.Background(), collab.NewFakeRedis(), cache.Options{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	ctx := reqctx.Install(context.Background(), reqctx.Context{TenantID: uuid.New(), RequestID: uuid.New()})
	return New(c), ctx
}

func TestRunExecutesHandlerOnce(t *testing.T) {
	gate, ctx := newTestGate(t)
	calls := 0
	handler := func(context.Context) (any, error) {
		calls++
		return map[string]any{"ok": true}, nil
	}

	body := []byte(`{"b":2,"a":1}`)
	if _, err := gate.Run(ctx, "orders", "create", "key-1", body, handler); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	result, err := gate.Run(ctx, "orders", "create", "key-1", body, handler)
	if err != nil {
		t.Fatalf("replay Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("expected cached result replayed, got %#v", result)
	}
}

func TestRunBodyMismatchConflicts(t *testing.T) {
	gate, ctx := newTestGate(t)
	handler := func(context.Context) (any, error) { return "done", nil }

	if _, err := gate.Run(ctx, "orders", "create", "key-2", []byte(`{"a":1}`), handler); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := gate.Run(ctx, "orders", "create", "key-2", []byte(`{"a":2}`), handler)
	if errs.TagOf(err) != "Conflict" {
		t.Fatalf("expected Conflict, got %v", err)
	}
	var ce *errs.ConflictError
	if !errors.As(err, &ce) || ce.Reason != "body_mismatch" {
		t.Fatalf("expected body_mismatch reason, got %v", err)
	}
}

func TestRunInFlightConflicts(t *testing.T) {
	gate, ctx := newTestGate(t)
	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(context.Context) (any, error) {
		close(started)
		<-release
		return "done", nil
	}

	go func() { _, _ = gate.Run(ctx, "orders", "create", "key-3", []byte(`{"a":1}`), handler) }()
	<-started

	_, err := gate.Run(ctx, "orders", "create", "key-3", []byte(`{"a":1}`), func(context.Context) (any, error) {
		t.Fatal("second handler should not run while pending")
		return nil, nil
	})
	close(release)

	var ce *errs.ConflictError
	if !errors.As(err, &ce) || ce.Reason != "in_flight" {
		t.Fatalf("expected in_flight conflict, got %v", err)
	}
}

func TestRunDeletesRecordOnHandlerFailure(t *testing.T) {
	gate, ctx := newTestGate(t)
	failOnce := func(context.Context) (any, error) { return nil, errors.New("boom") }

	if _, err := gate.Run(ctx, "orders", "create", "key-4", []byte(`{"a":1}`), failOnce); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	calls := 0
	succeed := func(context.Context) (any, error) { calls++; return "ok", nil }
	if _, err := gate.Run(ctx, "orders", "create", "key-4", []byte(`{"a":1}`), succeed); err != nil {
		t.Fatalf("expected retry to run handler after prior failure cleared the record: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run after negative caching was avoided, got %d calls", calls)
	}
}
