package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eduardoromerom/NessJewerly/internal/adapter/storage"
	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

// Mock IdentityProvider
type mockIdentityProvider struct {
	mu        sync.Mutex
	calls     int
	transient int // fail this many times with a transport error first
	err       error
	delay     time.Duration
	identity  domain.Identity
}

func newMockIdentityProvider(uid string) *mockIdentityProvider {
	return &mockIdentityProvider{identity: domain.Identity{UID: uid, Anonymous: true, Provider: "mock"}}
}

func (m *mockIdentityProvider) ResolveIdentity(ctx context.Context) (domain.Identity, error) {
	m.mu.Lock()
	m.calls++
	delay := m.delay
	var err error
	if m.transient > 0 {
		m.transient--
		err = fmt.Errorf("%w: provider offline", domain.ErrTransport)
	} else if m.err != nil {
		err = m.err
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err())
		}
	}
	if err != nil {
		return domain.Identity{}, err
	}
	return m.identity, nil
}

func (m *mockIdentityProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// faultyStore wraps a real store and injects failures.
type faultyStore struct {
	port.DocumentStore

	mu               sync.Mutex
	ambiguousCommits int     // commit, then report an ambiguous outcome
	subscribeErrs    []error // returned by successive Subscribe calls
	subscribeCalls   int
	transactions     int
}

func (f *faultyStore) RunTransaction(ctx context.Context, fn func(tx port.Transaction) error) error {
	f.mu.Lock()
	f.transactions++
	f.mu.Unlock()

	err := f.DocumentStore.RunTransaction(ctx, fn)

	f.mu.Lock()
	inject := err == nil && f.ambiguousCommits > 0
	if inject {
		f.ambiguousCommits--
	}
	f.mu.Unlock()

	if inject {
		return fmt.Errorf("%w: connection reset during commit", domain.ErrAmbiguousWrite)
	}
	return err
}

func (f *faultyStore) Subscribe(ctx context.Context, q domain.Query, onSnapshot func([]domain.Document), onError func(error)) (func(), error) {
	f.mu.Lock()
	f.subscribeCalls++
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.DocumentStore.Subscribe(ctx, q, onSnapshot, onError)
}

func (f *faultyStore) Transactions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transactions
}

func (f *faultyStore) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

func newTestGate(store port.DocumentStore) *SessionGate {
	return NewSessionGate(newMockIdentityProvider("device-1"), store, SessionGateConfig{
		Timeout:       time.Second,
		RetryInterval: 5 * time.Millisecond,
		Where:         "test",
	}, nil)
}

func newTestEngine(store port.DocumentStore, gate *SessionGate) *LiveQueryEngine {
	return NewLiveQueryEngine(store, gate, LiveQueryConfig{
		RetryBudget:    3,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		SafetyLimit:    100,
	}, nil)
}

func seedItem(t *testing.T, store port.DocumentStore, key string, fields domain.Fields) {
	t.Helper()
	if err := store.WriteDocument(context.Background(), "items", key, fields, domain.WriteMerge); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func quantityOf(t *testing.T, store port.DocumentStore, key string) int64 {
	t.Helper()
	doc, err := store.ReadDocument(context.Background(), "items", key)
	if err != nil || doc == nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return domain.ItemFromDocument(*doc).Quantity
}

func countDocs(t *testing.T, store port.DocumentStore, collection string) int {
	t.Helper()
	docs, err := store.RunQuery(context.Background(), domain.Query{Collection: collection})
	if err != nil {
		t.Fatalf("query %s: %v", collection, err)
	}
	return len(docs)
}

func newMemoryStore() *storage.MemoryStore {
	return storage.NewMemoryStore(nil)
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func docKeys(docs []domain.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Key
	}
	return out
}
