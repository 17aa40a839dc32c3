package cart

import (
	"strings"
	"time"
)

// LineItem is one product configuration in a user's cart.
type LineItem struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"productId"`
	Name          string    `json:"name"`
	Price         int64     `json:"price"`
	Image         string    `json:"image"`
	Quantity      int       `json:"quantity"`
	SelectedSize  *string   `json:"selectedSize"`
	SelectedColor int       `json:"selectedColor"`
	AddedAt       time.Time `json:"addedAt"`
}

// Product is the catalog entry plus the variant the shopper picked.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Price         int64   `json:"price"`
	Image         string  `json:"image"`
	SelectedSize  *string `json:"selectedSize,omitempty"`
	SelectedColor *int    `json:"selectedColor,omitempty"`
}

// MergeKey identifies a line item within one cart. An empty size means "no size".
type MergeKey struct {
	ProductID string
	Size      string
	Color     int
}

// Key returns the merge key of the item.
func (i LineItem) Key() MergeKey {
	return MergeKey{ProductID: i.ProductID, Size: sizeOrEmpty(i.SelectedSize), Color: i.SelectedColor}
}

// Key returns the merge key the product would occupy in a cart.
func (p Product) Key() MergeKey {
	return MergeKey{ProductID: p.ID, Size: sizeOrEmpty(p.SelectedSize), Color: p.Color()}
}

// Color returns the selected color index, 0 when none was picked.
func (p Product) Color() int {
	if p.SelectedColor == nil {
		return 0
	}
	return *p.SelectedColor
}

// NewLineItem builds a fresh entry for the product.
func NewLineItem(id string, p Product, quantity int, now time.Time) LineItem {
	return LineItem{
		ID:            id,
		ProductID:     p.ID,
		Name:          p.Name,
		Price:         p.Price,
		Image:         p.Image,
		Quantity:      quantity,
		SelectedSize:  Size(sizeOrEmpty(p.SelectedSize)),
		SelectedColor: p.Color(),
		AddedAt:       now,
	}
}

// Validate checks the fields an add intent must carry.
func (p Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidProduct
	}
	if p.Price < 0 {
		return ErrInvalidPrice
	}
	if p.SelectedColor != nil && *p.SelectedColor < 0 {
		return ErrInvalidProduct
	}
	return nil
}

// Size returns nil for the empty string so "" and null compare equal.
func Size(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sizeOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Clone returns a deep copy of the items.
func Clone(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	for i, it := range items {
		if it.SelectedSize != nil {
			it.SelectedSize = Size(*it.SelectedSize)
		}
		out[i] = it
	}
	return out
}

// IndexOf returns the position of the item with the given id, or -1.
func IndexOf(items []LineItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// FindByKey returns the entry occupying the merge key, nil when there is none.
func FindByKey(items []LineItem, key MergeKey) *LineItem {
	for i := range items {
		if items[i].Key() == key {
			return &items[i]
		}
	}
	return nil
}
