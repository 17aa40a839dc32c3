package cart

// ItemCount is the sum of quantities.
func ItemCount(items []LineItem) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}

// TotalPrice is the sum of price*quantity.
func TotalPrice(items []LineItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Price * int64(it.Quantity)
	}
	return total
}

// SelectedTotal prices only the items whose ids are listed. Unknown ids are ignored.
func SelectedTotal(items []LineItem, ids []string) int64 {
	if len(ids) == 0 {
		return 0
	}
	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}
	var total int64
	for _, it := range items {
		if _, ok := selected[it.ID]; ok {
			total += it.Price * int64(it.Quantity)
		}
	}
	return total
}
