package cartstore

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func sampleItem(id, productID string, qty int, addedAt time.Time) cart.LineItem {
	return cart.LineItem{
		ID:            id,
		ProductID:     productID,
		Name:          "Item " + productID,
		Price:         100000,
		Image:         "img://" + productID,
		Quantity:      qty,
		SelectedSize:  cart.Size("M"),
		SelectedColor: 1,
		AddedAt:       addedAt,
	}
}

// runStoreContract exercises the behaviour every IRemoteStore must share.
func runStoreContract(t *testing.T, store IRemoteStore) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("absent cart reads empty", func(t *testing.T) {
		items, err := store.ReadItems(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, items)

		it, err := store.ReadItem(ctx, "nobody", "x")
		require.NoError(t, err)
		assert.Nil(t, it)
	})

	t.Run("write then read", func(t *testing.T) {
		a := sampleItem("a", "p1", 1, t0)
		b := sampleItem("b", "p2", 2, t0.Add(time.Second))
		b.SelectedSize = nil
		require.NoError(t, store.WriteItem(ctx, "u1", b))
		require.NoError(t, store.WriteItem(ctx, "u1", a))

		items, err := store.ReadItems(ctx, "u1")
		require.NoError(t, err)
		if diff := cmp.Diff([]cart.LineItem{a, b}, items); diff != "" {
			t.Errorf("ReadItems mismatch (-want +got):\n%s", diff)
		}

		got, err := store.ReadItem(ctx, "u1", "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, a, *got)
	})

	t.Run("patch merges shallowly", func(t *testing.T) {
		name := "Renamed"
		require.NoError(t, store.PatchItem(ctx, "u1", "a", cart.ItemUpdates{Quantity: intPtr(7), Name: &name}))

		got, err := store.ReadItem(ctx, "u1", "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 7, got.Quantity)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, int64(100000), got.Price)
		assert.Equal(t, t0, got.AddedAt)
	})

	t.Run("patch of absent item", func(t *testing.T) {
		err := store.PatchItem(ctx, "u1", "missing", cart.QuantityUpdate(2))
		assert.ErrorIs(t, err, ErrItemNotFound)

		got, err := store.ReadItem(ctx, "u1", "missing")
		require.NoError(t, err)
		assert.Nil(t, got, "a failed patch must not create the entry")
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.DeleteItem(ctx, "u1", "a"))
		require.NoError(t, store.DeleteItem(ctx, "u1", "a"))

		items, err := store.ReadItems(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "b", items[0].ID)
	})

	t.Run("delete cart is idempotent and scoped", func(t *testing.T) {
		require.NoError(t, store.WriteItem(ctx, "u2", sampleItem("c", "p3", 1, t0)))
		require.NoError(t, store.DeleteCart(ctx, "u1"))
		require.NoError(t, store.DeleteCart(ctx, "u1"))

		items, err := store.ReadItems(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, items)

		others, err := store.ReadItems(ctx, "u2")
		require.NoError(t, err)
		assert.Len(t, others, 1)
	})

	t.Run("new ids are unique", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			id, err := store.NewItemID(ctx, "u1")
			require.NoError(t, err)
			require.NotEmpty(t, id)
			assert.False(t, seen[id])
			seen[id] = true
		}
	})

	t.Run("profiles", func(t *testing.T) {
		p, err := store.ReadProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, p)

		err = store.PatchProfile(ctx, "u1", cart.ProfileUpdates{DisplayName: strPtr("x")})
		assert.ErrorIs(t, err, cart.ErrProfileNotFound)

		profile := cart.NewProfile("u1", "jane@example.com", "", nil, t0)
		require.NoError(t, store.WriteProfile(ctx, profile))

		later := t0.Add(time.Hour)
		require.NoError(t, store.PatchProfile(ctx, "u1", cart.ProfileUpdates{DisplayName: strPtr("Jane"), LastLogin: &later}))

		got, err := store.ReadProfile(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Jane", got.DisplayName)
		assert.Equal(t, "jane@example.com", got.Email)
		assert.True(t, t0.Equal(got.CreatedAt))
		assert.True(t, later.Equal(got.LastLogin))
	})

	t.Run("ping", func(t *testing.T) {
		assert.True(t, store.Ping(ctx))
	})
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func sampleProfile(uid string, at time.Time) cart.Profile {
	return cart.NewProfile(uid, uid+"@example.com", "", nil, at)
}
