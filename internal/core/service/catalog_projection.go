package service

import (
	"sort"
	"strings"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

// Project decodes a snapshot into items, keeping snapshot order.
func Project(docs []domain.Document) []domain.Item {
	items := make([]domain.Item, len(docs))
	for i, doc := range docs {
		items[i] = domain.ItemFromDocument(doc)
	}
	return items
}

// FilterItems keeps items whose name, SKU, category, material or
// location contains text, ignoring case. Empty text keeps everything.
func FilterItems(items []domain.Item, text string) []domain.Item {
	needle := strings.ToLower(strings.TrimSpace(text))
	out := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if needle == "" || itemContains(item, needle) {
			out = append(out, item)
		}
	}
	return out
}

func itemContains(item domain.Item, needle string) bool {
	for _, s := range []string{item.Name, item.SKU, item.Category, item.Material, item.Location} {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// LowStock returns items at or below threshold, emptiest first.
func LowStock(items []domain.Item, threshold int64) []domain.Item {
	out := make([]domain.Item, 0)
	for _, item := range items {
		if item.Quantity <= threshold {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity < out[j].Quantity
		}
		return out[i].Name < out[j].Name
	})
	return out
}
