package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

func newTestCatalogService() (*CatalogService, *StockLedger, *faultyStore) {
	store := &faultyStore{DocumentStore: newMemoryStore()}
	gate := newTestGate(store)
	svc := NewCatalogService(store, gate, domain.Collections{}, nil)
	ledger := NewStockLedger(store, gate, LedgerConfig{}, nil)
	return svc, ledger, store
}

func TestAddItem_RejectsExistingSKU(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestCatalogService()

	item := domain.Item{SKU: "p-001", Name: "Anillo plata", UnitPrice: decimal.RequireFromString("12.50"), Quantity: 12}
	if err := svc.AddItem(ctx, item); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := svc.AddItem(ctx, item); !errors.Is(err, domain.ErrItemExists) {
		t.Errorf("expected ErrItemExists, got %v", err)
	}

	got, err := svc.GetItem(ctx, "p-001")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Quantity != 12 || got.UpdatedBy != "device-1" || got.CreatedAt.IsZero() {
		t.Errorf("unexpected item %+v", got)
	}
}

func TestUpsertItem_MergesNamedFields(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestCatalogService()

	name, location := "Cadena oro", "Vitrina 2"
	if err := svc.UpsertItem(ctx, "p-002", domain.ItemPatch{Name: &name}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := svc.UpsertItem(ctx, "p-002", domain.ItemPatch{Location: &location}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	item, err := svc.GetItem(ctx, "p-002")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if item.Name != name || item.Location != location || item.Quantity != 0 || item.SKU != "p-002" {
		t.Errorf("unexpected item %+v", item)
	}

	negative := int64(-1)
	if err := svc.UpsertItem(ctx, "p-002", domain.ItemPatch{Quantity: &negative}); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestCatalogWrites_RecordActor(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestCatalogService()

	if err := svc.AddItem(ctx, domain.Item{SKU: "p-010", Name: "Aretes", UpdatedBy: "tablet-3"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	item, err := svc.GetItem(ctx, "p-010")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if item.UpdatedBy != "tablet-3" {
		t.Errorf("expected updatedBy tablet-3, got %q", item.UpdatedBy)
	}

	name := "Aretes perla"
	if err := svc.UpsertItem(ctx, "p-010", domain.ItemPatch{Name: &name, Actor: "tablet-4"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if item, _ = svc.GetItem(ctx, "p-010"); item.UpdatedBy != "tablet-4" {
		t.Errorf("expected updatedBy tablet-4, got %q", item.UpdatedBy)
	}

	if err := svc.UpsertItem(ctx, "p-010", domain.ItemPatch{Name: &name}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if item, _ = svc.GetItem(ctx, "p-010"); item.UpdatedBy != "device-1" {
		t.Errorf("expected session identity device-1, got %q", item.UpdatedBy)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	svc, _, _ := newTestCatalogService()
	if _, err := svc.GetItem(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteItem_ReferencedAndCascade(t *testing.T) {
	ctx := context.Background()
	svc, ledger, store := newTestCatalogService()

	if _, err := ledger.Apply(ctx, ApplyRequest{ItemKey: "p-003", Direction: domain.Inbound, Quantity: 5, IdempotencyKey: "k-1"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := ledger.Apply(ctx, ApplyRequest{ItemKey: "p-003", Direction: domain.Outbound, Quantity: 1}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := svc.DeleteItem(ctx, "p-003", false); !errors.Is(err, domain.ErrItemReferenced) {
		t.Fatalf("expected ErrItemReferenced, got %v", err)
	}
	if err := svc.DeleteItem(ctx, "p-003", true); err != nil {
		t.Fatalf("cascade delete failed: %v", err)
	}

	if _, err := svc.GetItem(ctx, "p-003"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected item gone, got %v", err)
	}
	if n := countDocs(t, store, "movements"); n != 0 {
		t.Errorf("expected movements removed, %d left", n)
	}
	if n := countDocs(t, store, "movementKeys"); n != 0 {
		t.Errorf("expected movement keys removed, %d left", n)
	}
	if err := svc.DeleteItem(ctx, "p-003", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocations(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestCatalogService()

	for _, name := range []string{"Vitrina 1", "Bodega"} {
		if err := svc.PutLocation(ctx, domain.Location{Name: name}); err != nil {
			t.Fatalf("put location failed: %v", err)
		}
	}
	if err := svc.PutLocation(ctx, domain.Location{Name: "  "}); !errors.Is(err, domain.ErrInvalidItem) {
		t.Errorf("expected ErrInvalidItem for blank name, got %v", err)
	}

	locations, err := svc.ListLocations(ctx)
	if err != nil || len(locations) != 2 {
		t.Fatalf("expected 2 locations, got %v, %v", locations, err)
	}
	if locations[0].Name != "Bodega" || locations[0].CreatedAt.IsZero() {
		t.Errorf("unexpected first location %+v", locations[0])
	}

	loc := "Vitrina 1"
	if err := svc.UpsertItem(ctx, "p-1", domain.ItemPatch{Location: &loc}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := svc.DeleteLocation(ctx, "Vitrina 1"); !errors.Is(err, domain.ErrLocationInUse) {
		t.Errorf("expected ErrLocationInUse, got %v", err)
	}
	if err := svc.DeleteLocation(ctx, "Bodega"); err != nil {
		t.Errorf("delete unused location failed: %v", err)
	}
	if err := svc.DeleteLocation(ctx, "Bodega"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiagnosticsPing(t *testing.T) {
	store := newMemoryStore()
	diag := NewDiagnostics(store, newTestGate(store), domain.Collections{})

	result, err := diag.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if result.UID != "device-1" || result.Written.IsZero() {
		t.Errorf("unexpected ping result %+v", result)
	}
}
