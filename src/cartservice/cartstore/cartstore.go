package cartstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

// ErrItemNotFound is returned by PatchItem when the entry does not exist remotely.
var ErrItemNotFound = errors.New("cart item not found")

// ICartStore is the remote keyed document store that holds one cart per user.
// Absent nodes are reported as nil/empty values, never as errors.
type ICartStore interface {
	Initialize(ctx context.Context) error

	ReadItems(ctx context.Context, userID string) ([]cart.LineItem, error)
	ReadItem(ctx context.Context, userID, itemID string) (*cart.LineItem, error)
	WriteItem(ctx context.Context, userID string, item cart.LineItem) error
	PatchItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) error
	DeleteItem(ctx context.Context, userID, itemID string) error
	DeleteCart(ctx context.Context, userID string) error
	NewItemID(ctx context.Context, userID string) (string, error)

	Ping(ctx context.Context) bool
}

// IProfileStore keeps the user record written on sign-in.
type IProfileStore interface {
	ReadProfile(ctx context.Context, userID string) (*cart.Profile, error)
	WriteProfile(ctx context.Context, profile cart.Profile) error
	// PatchProfile returns cart.ErrProfileNotFound when there is nothing to patch.
	PatchProfile(ctx context.Context, userID string, updates cart.ProfileUpdates) error
}

// IRemoteStore is what every backend in this package provides.
type IRemoteStore interface {
	ICartStore
	IProfileStore
}
