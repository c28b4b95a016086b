package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

const (
	SheetInventory = "Inventario"
	SheetMovements = "Movimientos"
)

// GroupBy selects how inventory rows are grouped.
type GroupBy string

const (
	GroupNone     GroupBy = ""
	GroupCategory GroupBy = "category"
	GroupLocation GroupBy = "location"
	GroupMaterial GroupBy = "material"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case GroupNone, GroupCategory, GroupLocation, GroupMaterial:
		return g, nil
	}
	return GroupNone, fmt.Errorf("unknown grouping %q", s)
}

func (g GroupBy) key(item domain.Item) string {
	var v string
	switch g {
	case GroupCategory:
		v = item.Category
	case GroupLocation:
		v = item.Location
	case GroupMaterial:
		v = item.Material
	}
	if v == "" {
		return "Sin asignar"
	}
	return v
}

var (
	inventoryHeaders = []any{"SKU", "Nombre", "Categoría", "Material", "Ubicación", "Cantidad", "Precio unitario", "Valor"}
	movementHeaders  = []any{"Fecha", "SKU", "Tipo", "Cantidad", "Antes", "Después", "Usuario", "Nota"}
)

// Builder renders inventory workbooks.
type Builder struct {
	// Location renders movement timestamps; defaults to UTC.
	Location *time.Location
}

func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{Location: loc}
}

// Export writes an xlsx workbook with the inventory and the movement
// ledger to w.
func (b *Builder) Export(w io.Writer, items []domain.Item, movements []domain.Movement, groupBy GroupBy) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetInventory); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	styles, err := newStyles(f)
	if err != nil {
		return err
	}

	if err := b.writeInventory(f, styles, items, groupBy); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetMovements); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := b.writeMovements(f, styles, movements); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}
	return nil
}

type sheetStyles struct {
	header   int
	subtotal int
}

func newStyles(f *excelize.File) (sheetStyles, error) {
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return sheetStyles{}, fmt.Errorf("report: header style: %w", err)
	}
	subtotal, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return sheetStyles{}, fmt.Errorf("report: subtotal style: %w", err)
	}
	return sheetStyles{header: header, subtotal: subtotal}, nil
}

func (b *Builder) writeInventory(f *excelize.File, styles sheetStyles, items []domain.Item, groupBy GroupBy) error {
	sheet := SheetInventory
	if err := writeHeader(f, sheet, inventoryHeaders, styles.header); err != nil {
		return err
	}

	row := 2
	writeItem := func(item domain.Item) error {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		price, _ := item.UnitPrice.Float64()
		value, _ := item.Value().Float64()
		err := f.SetSheetRow(sheet, cell, &[]any{
			item.SKU, item.Name, item.Category, item.Material, item.Location,
			item.Quantity, price, value,
		})
		row++
		return err
	}
	writeTotal := func(label string, quantity int64, value decimal.Decimal) error {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		v, _ := value.Float64()
		if err := f.SetSheetRow(sheet, cell, &[]any{label, "", "", "", "", quantity, "", v}); err != nil {
			return err
		}
		end, _ := excelize.CoordinatesToCellName(len(inventoryHeaders), row)
		row++
		return f.SetCellStyle(sheet, cell, end, styles.subtotal)
	}

	var totalQty int64
	totalValue := decimal.Zero

	if groupBy == GroupNone {
		for _, item := range items {
			if err := writeItem(item); err != nil {
				return fmt.Errorf("report: inventory row: %w", err)
			}
			totalQty += item.Quantity
			totalValue = totalValue.Add(item.Value())
		}
	} else {
		groups, order := groupItems(items, groupBy)
		for _, name := range order {
			var qty int64
			value := decimal.Zero
			for _, item := range groups[name] {
				if err := writeItem(item); err != nil {
					return fmt.Errorf("report: inventory row: %w", err)
				}
				qty += item.Quantity
				value = value.Add(item.Value())
			}
			if err := writeTotal("Subtotal "+name, qty, value); err != nil {
				return fmt.Errorf("report: subtotal row: %w", err)
			}
			totalQty += qty
			totalValue = totalValue.Add(value)
		}
	}

	if err := writeTotal("Total", totalQty, totalValue); err != nil {
		return fmt.Errorf("report: total row: %w", err)
	}
	return setWidths(f, sheet, []float64{14, 28, 16, 14, 16, 10, 14, 14})
}

func groupItems(items []domain.Item, groupBy GroupBy) (map[string][]domain.Item, []string) {
	groups := make(map[string][]domain.Item)
	for _, item := range items {
		k := groupBy.key(item)
		groups[k] = append(groups[k], item)
	}
	order := make([]string, 0, len(groups))
	for k := range groups {
		order = append(order, k)
	}
	sort.Strings(order)
	return groups, order
}

func (b *Builder) writeMovements(f *excelize.File, styles sheetStyles, movements []domain.Movement) error {
	sheet := SheetMovements
	if err := writeHeader(f, sheet, movementHeaders, styles.header); err != nil {
		return err
	}
	for i, m := range movements {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		direction := "Entrada"
		if m.Direction == domain.Outbound {
			direction = "Salida"
		}
		err := f.SetSheetRow(sheet, cell, &[]any{
			m.Timestamp.In(b.Location).Format("2006-01-02 15:04:05"),
			m.ItemKey, direction, m.Quantity, m.QuantityBefore, m.QuantityAfter, m.Actor, m.Note,
		})
		if err != nil {
			return fmt.Errorf("report: movement row: %w", err)
		}
	}
	return setWidths(f, sheet, []float64{20, 14, 10, 10, 10, 10, 20, 30})
}

func writeHeader(f *excelize.File, sheet string, headers []any, style int) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("report: %s header: %w", sheet, err)
	}
	end, _ := excelize.CoordinatesToCellName(len(headers), 1)
	return f.SetCellStyle(sheet, "A1", end, style)
}

func setWidths(f *excelize.File, sheet string, widths []float64) error {
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, col, col, w); err != nil {
			return fmt.Errorf("report: %s width: %w", sheet, err)
		}
	}
	return nil
}
