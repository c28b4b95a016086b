package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Item field names as stored in the items collection.
const (
	FieldSKU       = "sku"
	FieldName      = "name"
	FieldCategory  = "category"
	FieldMaterial  = "material"
	FieldLocation  = "location"
	FieldUnitPrice = "unitPrice"
	FieldQuantity  = "quantity"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldUpdatedBy = "updatedBy"
)

// Older clients wrote these names.
const (
	legacyFieldName     = "nombre"
	legacyFieldPrice    = "precio"
	legacyFieldQuantity = "stock"
)

type Item struct {
	Key       string
	SKU       string
	Name      string
	Category  string
	Material  string
	Location  string
	UnitPrice decimal.Decimal
	Quantity  int64
	CreatedAt time.Time
	UpdatedAt time.Time
	UpdatedBy string
}

// ItemFromDocument decodes an items document. Missing or mistyped
// fields decode to their zero value.
func ItemFromDocument(doc Document) Item {
	f := doc.Fields
	item := Item{
		Key:       doc.Key,
		SKU:       f.String(FieldSKU),
		Name:      f.String(FieldName),
		Category:  f.String(FieldCategory),
		Material:  f.String(FieldMaterial),
		Location:  f.String(FieldLocation),
		CreatedAt: f.Time(FieldCreatedAt),
		UpdatedAt: f.Time(FieldUpdatedAt),
		UpdatedBy: f.String(FieldUpdatedBy),
	}
	if item.SKU == "" {
		item.SKU = doc.Key
	}
	if item.Name == "" {
		item.Name = f.String(legacyFieldName)
	}
	if q, ok := f.Int64(FieldQuantity); ok {
		item.Quantity = q
	} else if q, ok := f.Int64(legacyFieldQuantity); ok {
		item.Quantity = q
	}
	item.UnitPrice = priceField(f, FieldUnitPrice)
	if item.UnitPrice.IsZero() {
		item.UnitPrice = priceField(f, legacyFieldPrice)
	}
	return item
}

func priceField(f Fields, name string) decimal.Decimal {
	switch v := f[name].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	}
	return decimal.Zero
}

// Fields encodes every attribute of the item.
func (i Item) Fields() Fields {
	f := Fields{
		FieldSKU:       i.SKU,
		FieldName:      i.Name,
		FieldCategory:  i.Category,
		FieldMaterial:  i.Material,
		FieldLocation:  i.Location,
		FieldUnitPrice: i.UnitPrice.String(),
		FieldQuantity:  i.Quantity,
	}
	if !i.CreatedAt.IsZero() {
		f[FieldCreatedAt] = i.CreatedAt.UTC()
	}
	if !i.UpdatedAt.IsZero() {
		f[FieldUpdatedAt] = i.UpdatedAt.UTC()
	}
	if i.UpdatedBy != "" {
		f[FieldUpdatedBy] = i.UpdatedBy
	}
	return f
}

func (i Item) Validate() error {
	if strings.TrimSpace(i.Key) == "" {
		return ErrInvalidItem
	}
	if i.Quantity < 0 {
		return ErrInvalidQuantity
	}
	if i.UnitPrice.IsNegative() {
		return ErrInvalidItem
	}
	return nil
}

// Value is quantity times unit price.
func (i Item) Value() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// ItemPatch names the fields an upsert changes. Nil pointers are left
// untouched.
type ItemPatch struct {
	Name      *string
	Category  *string
	Material  *string
	Location  *string
	UnitPrice *decimal.Decimal
	Quantity  *int64
	// Actor is recorded as updatedBy; empty means the session identity.
	Actor string
}

func (p ItemPatch) Validate() error {
	if p.Quantity != nil && *p.Quantity < 0 {
		return ErrInvalidQuantity
	}
	if p.UnitPrice != nil && p.UnitPrice.IsNegative() {
		return ErrInvalidItem
	}
	return nil
}

func (p ItemPatch) Fields() Fields {
	f := Fields{}
	set := func(name string, v *string) {
		if v != nil {
			f[name] = *v
		}
	}
	set(FieldName, p.Name)
	set(FieldCategory, p.Category)
	set(FieldMaterial, p.Material)
	set(FieldLocation, p.Location)
	if p.UnitPrice != nil {
		f[FieldUnitPrice] = p.UnitPrice.String()
	}
	if p.Quantity != nil {
		f[FieldQuantity] = *p.Quantity
	}
	return f
}
