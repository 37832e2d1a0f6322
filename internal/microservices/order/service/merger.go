package service

import (
	"github.com/shopspring/decimal"

	"tableside/internal/microservices/order/domain"
)

// MergeReport lists the menu item ids a merge touched.
type MergeReport struct {
	Added       []string
	Incremented []string
}

// Changed reports whether the merge added or incremented at least one item.
func (r MergeReport) Changed() bool {
	return len(r.Added) > 0 || len(r.Incremented) > 0
}

// Merge folds incoming into existing and returns a new slice; existing is not modified.
// Quantities of known ids accumulate, while name and priceAtOrder of an existing line
// are kept as first written. Unknown ids are appended in submission order with
// per-item status placed. Merge is not idempotent: the same input merged twice
// counts twice.
func Merge(existing []domain.OrderItem, incoming []domain.ItemInput) ([]domain.OrderItem, MergeReport) {
	out := make([]domain.OrderItem, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, it := range out {
		index[domain.NormalizeMenuItemID(it.MenuItemID)] = i
	}

	var report MergeReport
	for _, in := range incoming {
		id := domain.NormalizeMenuItemID(in.MenuItemID)
		qty := normalizeQuantity(in.Quantity)

		if i, ok := index[id]; ok {
			out[i].Quantity += qty
			report.Incremented = append(report.Incremented, id)
			continue
		}

		price := decimal.Zero
		if in.PriceAtOrder != nil {
			price = *in.PriceAtOrder
		}
		out = append(out, domain.OrderItem{
			MenuItemID:   id,
			Name:         in.Name,
			Quantity:     qty,
			PriceAtOrder: price,
			Status:       domain.StatusPlaced,
		})
		index[id] = len(out) - 1
		report.Added = append(report.Added, id)
	}
	return out, report
}

// checkQuantities rejects lines whose accumulated quantity left the storable range.
func checkQuantities(items []domain.OrderItem) error {
	for _, it := range items {
		if it.Quantity > domain.MaxQuantity {
			return domain.Errorf(domain.KindInvalidRequest,
				"quantity of %s would exceed %d", it.MenuItemID, domain.MaxQuantity)
		}
	}
	return nil
}

func normalizeQuantity(q int) int {
	if q <= 0 {
		return 1
	}
	return q
}
