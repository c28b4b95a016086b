package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "inventory.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTripTypes(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	created := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	fields := domain.Fields{
		"name":      "Anillo plata",
		"quantity":  int64(12),
		"unitPrice": "12.50",
		"weight":    3.25,
		"active":    true,
		"createdAt": created,
		"note":      nil,
	}
	if err := store.WriteDocument(ctx, "items", "p-001", fields, domain.WriteMerge); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	doc, err := store.ReadDocument(ctx, "items", "p-001")
	if err != nil || doc == nil {
		t.Fatalf("read failed: %v", err)
	}
	if doc.Fields["quantity"] != int64(12) || doc.Fields["weight"] != 3.25 || doc.Fields["active"] != true {
		t.Errorf("unexpected scalar fields %v", doc.Fields)
	}
	if !doc.Fields.Time("createdAt").Equal(created) {
		t.Errorf("expected createdAt %v, got %v", created, doc.Fields["createdAt"])
	}
	if v, ok := doc.Fields["note"]; !ok || v != nil {
		t.Errorf("expected explicit null note, got %v (present=%v)", v, ok)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1, got %d", doc.Version)
	}
}

func TestSQLiteStore_MergeBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	store.WriteDocument(ctx, "items", "p-001", domain.Fields{"name": "Anillo", "quantity": int64(12)}, domain.WriteMerge)
	store.WriteDocument(ctx, "items", "p-001", domain.Fields{"quantity": int64(7)}, domain.WriteMerge)

	doc, _ := store.ReadDocument(ctx, "items", "p-001")
	if doc.Fields["name"] != "Anillo" || doc.Fields["quantity"] != int64(7) {
		t.Errorf("unexpected fields %v", doc.Fields)
	}
	if doc.Version != 2 {
		t.Errorf("expected version 2, got %d", doc.Version)
	}
}

func TestSQLiteStore_QueryOrdering(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	store.WriteDocument(ctx, "items", "b", domain.Fields{"name": "Anillo B", "category": "Anillos"}, domain.WriteMerge)
	store.WriteDocument(ctx, "items", "a", domain.Fields{"name": "Anillo A", "category": "Anillos"}, domain.WriteMerge)
	store.WriteDocument(ctx, "items", "c", domain.Fields{"name": "Cadena C", "category": "Cadenas"}, domain.WriteMerge)

	q := domain.Query{Collection: "items"}.Where("category", domain.OpEqual, "Anillos").OrderBy("name", domain.Ascending).WithLimit(2)
	docs, err := store.RunQuery(ctx, q)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(docs) != 2 || docs[0].Key != "a" || docs[1].Key != "b" {
		t.Errorf("unexpected result %v", docs)
	}
}

func TestSQLiteStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	boom := errors.New("boom")

	err := store.RunTransaction(ctx, func(tx port.Transaction) error {
		if err := tx.Set("items", "p-001", domain.Fields{"quantity": int64(1)}, domain.WriteMerge); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	doc, _ := store.ReadDocument(ctx, "items", "p-001")
	if doc != nil {
		t.Errorf("expected rollback, found %v", doc.Fields)
	}
}

func TestSQLiteStore_CreateExisting(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	store.WriteDocument(ctx, "movementKeys", "k1", domain.Fields{"movementId": "m1"}, domain.WriteMerge)

	err := store.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Create("movementKeys", "k1", domain.Fields{"movementId": "m2"})
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSQLiteStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	store.WriteDocument(ctx, "items", "p-001", domain.Fields{"quantity": int64(0)}, domain.WriteMerge)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.RunTransaction(ctx, func(tx port.Transaction) error {
				doc, err := tx.Get("items", "p-001")
				if err != nil {
					return err
				}
				q, _ := doc.Fields.Int64("quantity")
				return tx.Set("items", "p-001", domain.Fields{"quantity": q + 1}, domain.WriteMerge)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("transaction failed: %v", err)
		}
	}

	doc, _ := store.ReadDocument(ctx, "items", "p-001")
	if doc.Fields["quantity"] != int64(workers) {
		t.Errorf("expected %d, got %v", workers, doc.Fields["quantity"])
	}
}

func TestSQLiteStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	snapshots := make(chan []domain.Document, 10)
	q := domain.Query{Collection: "locations"}.OrderBy("name", domain.Ascending)
	unsubscribe, err := store.Subscribe(ctx, q, func(docs []domain.Document) { snapshots <- docs }, func(error) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	if first := receive(t, snapshots); len(first) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", first)
	}

	store.WriteDocument(ctx, "locations", "Vitrina 1", domain.Fields{"name": "Vitrina 1"}, domain.WriteMerge)
	if second := receive(t, snapshots); len(second) != 1 || second[0].Key != "Vitrina 1" {
		t.Errorf("unexpected snapshot %v", second)
	}
}
