package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestItemFromDocument_LegacyFields(t *testing.T) {
	item := ItemFromDocument(Document{
		Key: "p-001",
		Fields: Fields{
			"nombre": "Anillo plata",
			"precio": 12.5,
			"stock":  int64(4),
		},
	})

	if item.SKU != "p-001" {
		t.Errorf("expected sku from key, got %q", item.SKU)
	}
	if item.Name != "Anillo plata" {
		t.Errorf("expected legacy name, got %q", item.Name)
	}
	if item.Quantity != 4 {
		t.Errorf("expected quantity 4, got %d", item.Quantity)
	}
	if !item.UnitPrice.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("expected price 12.5, got %s", item.UnitPrice)
	}
}

func TestItemFields_RoundTrip(t *testing.T) {
	in := Item{
		Key:       "p-002",
		SKU:       "p-002",
		Name:      "Cadena oro",
		Category:  "Cadenas",
		Material:  "Oro",
		Location:  "Vitrina 1",
		UnitPrice: decimal.RequireFromString("199.90"),
		Quantity:  3,
		UpdatedBy: "device-1",
	}

	out := ItemFromDocument(Document{Key: in.Key, Fields: in.Fields()})
	if out.Name != in.Name || out.Category != in.Category || out.Quantity != in.Quantity || out.Location != in.Location {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if !out.UnitPrice.Equal(in.UnitPrice) {
		t.Errorf("expected price %s, got %s", in.UnitPrice, out.UnitPrice)
	}
	if !out.Value().Equal(decimal.RequireFromString("599.70")) {
		t.Errorf("expected value 599.70, got %s", out.Value())
	}
}

func TestItemValidate(t *testing.T) {
	if err := (Item{Key: " "}).Validate(); !errors.Is(err, ErrInvalidItem) {
		t.Errorf("expected ErrInvalidItem, got %v", err)
	}
	if err := (Item{Key: "a", Quantity: -1}).Validate(); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}

	negative := int64(-2)
	if err := (ItemPatch{Quantity: &negative}).Validate(); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity for patch, got %v", err)
	}
}

func TestParseMovementDirection(t *testing.T) {
	for in, want := range map[string]MovementDirection{
		"entrada":  Inbound,
		"IN":       Inbound,
		"salida":   Outbound,
		"outbound": Outbound,
	} {
		got, err := ParseMovementDirection(in)
		if err != nil || got != want {
			t.Errorf("%q: expected %s, got %s (%v)", in, want, got, err)
		}
	}

	if _, err := ParseMovementDirection("sideways"); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
}
