package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

func TestSessionGate_ResolvesOnce(t *testing.T) {
	provider := newMockIdentityProvider("device-1")
	gate := NewSessionGate(provider, nil, SessionGateConfig{Timeout: time.Second}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := gate.Ready(context.Background())
			if err != nil || id.UID != "device-1" {
				t.Errorf("unexpected result %v, %v", id, err)
			}
		}()
	}
	wg.Wait()

	if calls := provider.Calls(); calls != 1 {
		t.Errorf("expected 1 provider call, got %d", calls)
	}
	if id, ok := gate.Identity(); !ok || id.UID != "device-1" {
		t.Errorf("expected resolved identity, got %v, %v", id, ok)
	}
}

func TestSessionGate_RetriesTransientFailures(t *testing.T) {
	provider := newMockIdentityProvider("device-1")
	provider.transient = 3
	gate := NewSessionGate(provider, nil, SessionGateConfig{Timeout: time.Second, RetryInterval: time.Millisecond}, nil)

	if _, err := gate.Ready(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls := provider.Calls(); calls != 4 {
		t.Errorf("expected 4 provider calls, got %d", calls)
	}
}

func TestSessionGate_TimesOut(t *testing.T) {
	provider := newMockIdentityProvider("device-1")
	provider.transient = 1 << 30
	gate := NewSessionGate(provider, nil, SessionGateConfig{Timeout: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond}, nil)

	start := time.Now()
	_, err := gate.Ready(context.Background())
	if !errors.Is(err, domain.ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("gate took %s to give up", elapsed)
	}

	// The outcome is cached.
	calls := provider.Calls()
	if _, err := gate.Ready(context.Background()); !errors.Is(err, domain.ErrAuthUnavailable) {
		t.Errorf("expected cached failure, got %v", err)
	}
	if provider.Calls() != calls {
		t.Error("expected no further provider calls after failure")
	}
}

func TestSessionGate_PermanentFailure(t *testing.T) {
	provider := newMockIdentityProvider("device-1")
	provider.err = domain.ErrPermissionDenied
	gate := NewSessionGate(provider, nil, SessionGateConfig{Timeout: time.Second}, nil)

	_, err := gate.Ready(context.Background())
	if !errors.Is(err, domain.ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got %v", err)
	}
	if provider.Calls() != 1 {
		t.Errorf("expected a single attempt, got %d", provider.Calls())
	}
}

func TestSessionGate_ReadyHonorsContext(t *testing.T) {
	provider := newMockIdentityProvider("device-1")
	provider.delay = 200 * time.Millisecond
	gate := NewSessionGate(provider, nil, SessionGateConfig{Timeout: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := gate.Ready(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// Resolution carries on for other waiters.
	select {
	case <-gate.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("gate never resolved")
	}
}

func TestSessionGate_WritesHeartbeat(t *testing.T) {
	store := newMemoryStore()
	gate := NewSessionGate(newMockIdentityProvider("device-7"), store, SessionGateConfig{Where: "tienda-centro"}, nil)

	if _, err := gate.Ready(context.Background()); err != nil {
		t.Fatalf("ready failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, _ := store.ReadDocument(context.Background(), "__diag", "auth")
		if doc != nil {
			if doc.Fields["uid"] != "device-7" || doc.Fields["where"] != "tienda-centro" {
				t.Errorf("unexpected heartbeat %v", doc.Fields)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("heartbeat never written")
}
