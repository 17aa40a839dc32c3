package cartstore

import (
	"context"
	"time"

	"firebase.google.com/go/v4/db"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

// FirebaseCartStore keeps carts in the Firebase Realtime Database under
// users/<uid>/cart/<itemId>, with the cart node layout the mobile app writes.
// Profiles live in users/<uid>/profile rather than on users/<uid> itself,
// so writing a profile never replaces the cart subtree.
type FirebaseCartStore struct {
	client *db.Client
	log    logrus.FieldLogger
}

func NewFirebaseCartStore(client *db.Client, log logrus.FieldLogger) *FirebaseCartStore {
	return &FirebaseCartStore{client: client, log: log}
}

// rtdbItem mirrors a cart node. addedAt is epoch milliseconds.
type rtdbItem struct {
	ID            string  `json:"id"`
	ProductID     string  `json:"productId"`
	Name          string  `json:"name"`
	Price         int64   `json:"price"`
	Image         string  `json:"image"`
	Quantity      int     `json:"quantity"`
	SelectedSize  *string `json:"selectedSize"`
	SelectedColor int     `json:"selectedColor"`
	AddedAt       int64   `json:"addedAt"`
}

type rtdbProfile struct {
	UID         string  `json:"uid"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName"`
	PhotoURL    *string `json:"photoURL"`
	CreatedAt   int64   `json:"createdAt"`
	LastLogin   int64   `json:"lastLogin"`
}

func (f *FirebaseCartStore) cartRef(userID string) *db.Ref {
	return f.client.NewRef("users/" + userID + "/cart")
}

func (f *FirebaseCartStore) itemRef(userID, itemID string) *db.Ref {
	return f.client.NewRef("users/" + userID + "/cart/" + itemID)
}

func (f *FirebaseCartStore) profileRef(userID string) *db.Ref {
	return f.client.NewRef("users/" + userID + "/profile")
}

func (f *FirebaseCartStore) Initialize(ctx context.Context) error {
	if !f.Ping(ctx) {
		return errors.New("firebase realtime database is not reachable")
	}
	f.log.Info("FirebaseCartStore initialized")
	return nil
}

func (f *FirebaseCartStore) ReadItems(ctx context.Context, userID string) ([]cart.LineItem, error) {
	var nodes map[string]rtdbItem
	if err := f.cartRef(userID).Get(ctx, &nodes); err != nil {
		return nil, errors.Wrap(err, "rtdb get cart")
	}
	items := make([]cart.LineItem, 0, len(nodes))
	for key, node := range nodes {
		items = append(items, node.toDomain(key))
	}
	sortItems(items)
	return items, nil
}

func (f *FirebaseCartStore) ReadItem(ctx context.Context, userID, itemID string) (*cart.LineItem, error) {
	var node *rtdbItem
	if err := f.itemRef(userID, itemID).Get(ctx, &node); err != nil {
		return nil, errors.Wrap(err, "rtdb get cart item")
	}
	if node == nil {
		return nil, nil
	}
	it := node.toDomain(itemID)
	return &it, nil
}

func (f *FirebaseCartStore) WriteItem(ctx context.Context, userID string, item cart.LineItem) error {
	if err := f.itemRef(userID, item.ID).Set(ctx, rtdbItemFromDomain(item)); err != nil {
		return errors.Wrap(err, "rtdb set cart item")
	}
	return nil
}

// PatchItem runs as a transaction: a plain RTDB update would recreate a
// node that was removed in the meantime.
func (f *FirebaseCartStore) PatchItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) error {
	fields := updates.Fields()
	missing := false
	err := f.itemRef(userID, itemID).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var cur map[string]interface{}
		if err := node.Unmarshal(&cur); err != nil {
			return nil, err
		}
		if cur == nil {
			missing = true
			return nil, ErrItemNotFound
		}
		for k, v := range fields {
			cur[k] = v
		}
		return cur, nil
	})
	if missing {
		return ErrItemNotFound
	}
	if err != nil {
		return errors.Wrap(err, "rtdb update cart item")
	}
	return nil
}

func (f *FirebaseCartStore) DeleteItem(ctx context.Context, userID, itemID string) error {
	if err := f.itemRef(userID, itemID).Delete(ctx); err != nil {
		return errors.Wrap(err, "rtdb remove cart item")
	}
	return nil
}

func (f *FirebaseCartStore) DeleteCart(ctx context.Context, userID string) error {
	if err := f.cartRef(userID).Delete(ctx); err != nil {
		return errors.Wrap(err, "rtdb remove cart")
	}
	return nil
}

func (f *FirebaseCartStore) NewItemID(ctx context.Context, userID string) (string, error) {
	return uuid.NewString(), nil
}

// Ping reads a tiny node; an absent value still proves the database answered.
func (f *FirebaseCartStore) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var v interface{}
	if err := f.client.NewRef("health").Get(pingCtx, &v); err != nil {
		f.log.WithError(err).Warn("FirebaseCartStore: Ping failed")
		return false
	}
	return true
}

func (f *FirebaseCartStore) ReadProfile(ctx context.Context, userID string) (*cart.Profile, error) {
	var node *rtdbProfile
	if err := f.profileRef(userID).Get(ctx, &node); err != nil {
		return nil, errors.Wrap(err, "rtdb get profile")
	}
	if node == nil {
		return nil, nil
	}
	p := cart.Profile{
		UID:         userID,
		Email:       node.Email,
		DisplayName: node.DisplayName,
		PhotoURL:    node.PhotoURL,
		CreatedAt:   time.UnixMilli(node.CreatedAt).UTC(),
		LastLogin:   time.UnixMilli(node.LastLogin).UTC(),
	}
	return &p, nil
}

func (f *FirebaseCartStore) WriteProfile(ctx context.Context, profile cart.Profile) error {
	node := rtdbProfile{
		UID:         profile.UID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		CreatedAt:   profile.CreatedAt.UnixMilli(),
		LastLogin:   profile.LastLogin.UnixMilli(),
	}
	if err := f.profileRef(profile.UID).Set(ctx, node); err != nil {
		return errors.Wrap(err, "rtdb set profile")
	}
	return nil
}

func (f *FirebaseCartStore) PatchProfile(ctx context.Context, userID string, updates cart.ProfileUpdates) error {
	fields := make(map[string]interface{}, 3)
	if updates.DisplayName != nil {
		fields["displayName"] = *updates.DisplayName
	}
	if updates.PhotoURL != nil {
		fields["photoURL"] = *updates.PhotoURL
	}
	if updates.LastLogin != nil {
		fields["lastLogin"] = updates.LastLogin.UnixMilli()
	}

	missing := false
	err := f.profileRef(userID).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var cur map[string]interface{}
		if err := node.Unmarshal(&cur); err != nil {
			return nil, err
		}
		if cur == nil {
			missing = true
			return nil, cart.ErrProfileNotFound
		}
		for k, v := range fields {
			cur[k] = v
		}
		return cur, nil
	})
	if missing {
		return cart.ErrProfileNotFound
	}
	if err != nil {
		return errors.Wrap(err, "rtdb update profile")
	}
	return nil
}

func (n rtdbItem) toDomain(key string) cart.LineItem {
	size := n.SelectedSize
	if size != nil {
		size = cart.Size(*size)
	}
	// older app versions wrote entries without a quantity
	quantity := n.Quantity
	if quantity == 0 {
		quantity = 1
	}
	return cart.LineItem{
		// the node key wins over the stored id field
		ID:            key,
		ProductID:     n.ProductID,
		Name:          n.Name,
		Price:         n.Price,
		Image:         n.Image,
		Quantity:      quantity,
		SelectedSize:  size,
		SelectedColor: n.SelectedColor,
		AddedAt:       time.UnixMilli(n.AddedAt).UTC(),
	}
}

func rtdbItemFromDomain(it cart.LineItem) rtdbItem {
	return rtdbItem{
		ID:            it.ID,
		ProductID:     it.ProductID,
		Name:          it.Name,
		Price:         it.Price,
		Image:         it.Image,
		Quantity:      it.Quantity,
		SelectedSize:  it.SelectedSize,
		SelectedColor: it.SelectedColor,
		AddedAt:       it.AddedAt.UnixMilli(),
	}
}
