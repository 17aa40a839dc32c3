package cartsync

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstate"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstore"
)

// gatedStore parks WriteItem until the test releases it.
type gatedStore struct {
	*cartstore.LocalCartStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) WriteItem(ctx context.Context, userID string, item cart.LineItem) error {
	g.entered <- struct{}{}
	<-g.release
	return g.LocalCartStore.WriteItem(ctx, userID, item)
}

func startSession(t *testing.T, store cartstore.IRemoteStore, userID string) (*Session, *cartstate.Store) {
	t.Helper()
	st := cartstate.New()
	s := NewSession(userID, st, newTestAdapter(store), quietLogger())
	require.NoError(t, s.Start(context.Background()))
	return s, st
}

func TestSessionStartLoadsRemoteCart(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	_, err := newTestAdapter(store).AddItem(ctx, "u", productA(), 2)
	require.NoError(t, err)

	s, st := startSession(t, store, "u")
	snap := s.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 2, snap.Items[0].Quantity)
	assert.False(t, snap.Loading)
	assert.Equal(t, "u", st.UserID())
	assert.True(t, s.Active())
}

func TestSessionStartWithoutCart(t *testing.T) {
	s, _ := startSession(t, newFlakyStore(), "fresh")
	assert.Empty(t, s.Snapshot().Items)
	assert.Empty(t, s.Snapshot().Error)
}

func TestSessionStartRequiresUser(t *testing.T) {
	s := NewSession("", cartstate.New(), newTestAdapter(newFlakyStore()), quietLogger())
	assert.ErrorIs(t, s.Start(context.Background()), cart.ErrNotAuthenticated)
}

func TestSessionAddThenRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := startSession(t, newFlakyStore(), "u")

	res, err := s.Add(ctx, productA(), 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, productA(), 2)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 3, snap.ItemCount())
	assert.Equal(t, int64(300000), snap.Total())

	require.NoError(t, s.Remove(ctx, res.Item.ID))
	snap = s.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Equal(t, 0, snap.ItemCount())
	assert.False(t, snap.Loading)
}

func TestSessionUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := startSession(t, newFlakyStore(), "u")
	res, err := s.Add(ctx, productA(), 1)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, res.Item.ID, cart.QuantityUpdate(5)))
	assert.Equal(t, 5, s.Snapshot().Items[0].Quantity)

	t.Run("quantity floor is enforced before the adapter", func(t *testing.T) {
		var transitions int
		unsubscribe := s.Store().Subscribe(func(cartstate.State) { transitions++ })
		defer unsubscribe()

		err := s.Update(ctx, res.Item.ID, cart.QuantityUpdate(0))
		assert.ErrorIs(t, err, cart.ErrInvalidQuantity)
		assert.Zero(t, transitions)
		assert.Equal(t, 5, s.Snapshot().Items[0].Quantity)
	})

	t.Run("absent item surfaces as error state", func(t *testing.T) {
		err := s.Update(ctx, "gone", cart.QuantityUpdate(2))
		assert.ErrorIs(t, err, cartstore.ErrItemNotFound)
		snap := s.Snapshot()
		assert.False(t, snap.Loading)
		assert.Contains(t, snap.Error, "cart item not found")
		assert.Len(t, snap.Items, 1)
	})
}

func TestSessionFailureSetsErrorWithoutTouchingItems(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	s, _ := startSession(t, store, "u")
	_, err := s.Add(ctx, productA(), 1)
	require.NoError(t, err)

	store.failOn("delete")
	err = s.Clear(ctx)
	var rw *cart.RemoteWriteError
	require.True(t, errors.As(err, &rw))

	snap := s.Snapshot()
	assert.Len(t, snap.Items, 1, "no rollback is needed because nothing was applied")
	assert.False(t, snap.Loading)
	assert.Equal(t, err.Error(), snap.Error)

	_, err = s.Add(ctx, cart.Product{ID: "B", Price: 1}, 1)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Error, "the next operation clears the error")
}

func TestSessionClearAndReload(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	s, _ := startSession(t, store, "u")
	_, err := s.Add(ctx, productA(), 1)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Snapshot().Items)
	require.NoError(t, s.Clear(ctx))

	_, err = newTestAdapter(store).AddItem(ctx, "u", productA(), 4)
	require.NoError(t, err)
	require.NoError(t, s.Reload(ctx))
	require.Len(t, s.Snapshot().Items, 1)
	assert.Equal(t, 4, s.Snapshot().Items[0].Quantity)
}

func TestSessionDropsLateConfirmationAfterLogout(t *testing.T) {
	ctx := context.Background()
	gate := &gatedStore{
		LocalCartStore: cartstore.NewLocalCartStore(quietLogger()),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	s, st := startSession(t, gate, "u1")

	done := make(chan error, 1)
	go func() {
		_, err := s.Add(ctx, productA(), 1)
		done <- err
	}()

	<-gate.entered
	assert.True(t, st.GetSnapshot().Loading)
	s.Logout()
	other := NewSession("u2", st, newTestAdapter(gate), quietLogger())
	require.NoError(t, other.Start(ctx))
	close(gate.release)

	require.NoError(t, <-done, "the remote write itself succeeded")
	snap := st.GetSnapshot()
	assert.Empty(t, snap.Items, "u1's confirmation must not land in u2's cart")
	assert.False(t, snap.Loading)
	assert.False(t, s.Active())

	_, err := s.Add(ctx, productA(), 1)
	assert.ErrorIs(t, err, ErrSessionEnded)

	items, err := gate.LocalCartStore.ReadItems(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 1, "logout leaves the remote cart alone")
}

func TestSessionRestartDropsEarlierConfirmations(t *testing.T) {
	ctx := context.Background()
	gate := &gatedStore{
		LocalCartStore: cartstore.NewLocalCartStore(quietLogger()),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	s, st := startSession(t, gate, "u1")

	done := make(chan error, 1)
	go func() {
		_, err := s.Add(ctx, productA(), 1)
		done <- err
	}()
	<-gate.entered

	// Start again while the add is parked in the remote write.
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Active())
	assert.False(t, st.GetSnapshot().Loading)

	close(gate.release)
	require.NoError(t, <-done)
	snap := st.GetSnapshot()
	assert.Empty(t, snap.Items, "the add belonged to the previous binding")
	assert.False(t, snap.Loading)

	require.NoError(t, s.Reload(ctx))
	assert.Len(t, st.GetSnapshot().Items, 1)
}

func TestSessionBeforeStart(t *testing.T) {
	s := NewSession("u1", cartstate.New(), newTestAdapter(newFlakyStore()), quietLogger())
	assert.False(t, s.Active())
	_, err := s.Add(context.Background(), productA(), 1)
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.ErrorIs(t, s.Reload(context.Background()), ErrSessionEnded)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	reg := NewSessions(newTestAdapter(store), quietLogger())

	_, err := reg.Start(ctx, "")
	assert.ErrorIs(t, err, cart.ErrNotAuthenticated)

	s1, err := reg.Ensure(ctx, "u1")
	require.NoError(t, err)
	_, err = s1.Add(ctx, productA(), 1)
	require.NoError(t, err)

	again, err := reg.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, s1, again)
	assert.Len(t, again.Snapshot().Items, 1)

	s2, err := reg.Ensure(ctx, "u2")
	require.NoError(t, err)
	assert.NotSame(t, s1.Store(), s2.Store(), "each user gets its own store")
	assert.Equal(t, 2, reg.Len())

	reg.End("u1")
	reg.End("unknown")
	_, ok := reg.Lookup("u1")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
	assert.False(t, s1.Active())

	restarted, err := reg.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.NotSame(t, s1, restarted)
	assert.Len(t, restarted.Snapshot().Items, 1, "cart is reloaded from the remote store")
}
