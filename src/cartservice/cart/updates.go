package cart

// ItemUpdates is a shallow patch over a line item. Nil fields are left untouched.
// Variant fields form the merge key and cannot be patched.
type ItemUpdates struct {
	Quantity *int    `json:"quantity,omitempty"`
	Name     *string `json:"name,omitempty"`
	Price    *int64  `json:"price,omitempty"`
	Image    *string `json:"image,omitempty"`
}

// QuantityUpdate is the patch the cart screen sends on +/- taps.
func QuantityUpdate(q int) ItemUpdates {
	return ItemUpdates{Quantity: &q}
}

func (u ItemUpdates) IsEmpty() bool {
	return u.Quantity == nil && u.Name == nil && u.Price == nil && u.Image == nil
}

// Validate enforces the quantity floor and a non-negative price.
func (u ItemUpdates) Validate() error {
	if u.IsEmpty() {
		return ErrEmptyUpdate
	}
	if u.Quantity != nil && *u.Quantity < 1 {
		return ErrInvalidQuantity
	}
	if u.Price != nil && *u.Price < 0 {
		return ErrInvalidPrice
	}
	return nil
}

// ApplyTo merges the patch onto item.
func (u ItemUpdates) ApplyTo(item *LineItem) {
	if u.Quantity != nil {
		item.Quantity = *u.Quantity
	}
	if u.Name != nil {
		item.Name = *u.Name
	}
	if u.Price != nil {
		item.Price = *u.Price
	}
	if u.Image != nil {
		item.Image = *u.Image
	}
}

// Fields returns the patch keyed by stored field name.
func (u ItemUpdates) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 4)
	if u.Quantity != nil {
		fields[FieldQuantity] = *u.Quantity
	}
	if u.Name != nil {
		fields[FieldName] = *u.Name
	}
	if u.Price != nil {
		fields[FieldPrice] = *u.Price
	}
	if u.Image != nil {
		fields[FieldImage] = *u.Image
	}
	return fields
}

// Stored field names, shared by every remote backend.
const (
	FieldID            = "id"
	FieldProductID     = "productId"
	FieldName          = "name"
	FieldPrice         = "price"
	FieldImage         = "image"
	FieldQuantity      = "quantity"
	FieldSelectedSize  = "selectedSize"
	FieldSelectedColor = "selectedColor"
	FieldAddedAt       = "addedAt"
)
