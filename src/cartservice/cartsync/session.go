package cartsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstate"
)

// ErrSessionEnded is returned for intents issued after the session's user
// was signed out of its store.
var ErrSessionEnded = errors.New("cart session has ended")

// Session drives one user's CartStore through the adapter. Every intent is
// bracketed Begin → Apply*Confirmed | Fail on the view of the binding it was
// issued under, so confirmations that land after Logout or a restart are dropped.
type Session struct {
	userID  string
	store   *cartstate.Store
	adapter *Adapter
	log     logrus.FieldLogger

	mu   sync.Mutex
	view *cartstate.Scoped // nil until Start
}

func NewSession(userID string, store *cartstate.Store, adapter *Adapter, log logrus.FieldLogger) *Session {
	return &Session{
		userID:  userID,
		store:   store,
		adapter: adapter,
		log:     log.WithField("user_id", userID),
	}
}

func (s *Session) UserID() string            { return s.userID }
func (s *Session) Store() *cartstate.Store   { return s.store }
func (s *Session) Snapshot() cartstate.State { return s.store.GetSnapshot() }

// Active reports whether the binding made by the last Start still holds.
func (s *Session) Active() bool {
	view := s.current()
	return view != nil && view.Active()
}

func (s *Session) current() *cartstate.Scoped {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// begin opens an operation on the current binding.
func (s *Session) begin() (*cartstate.Scoped, error) {
	view := s.current()
	if view == nil || !view.BeginOperation() {
		return nil, ErrSessionEnded
	}
	return view, nil
}

// Start binds the store to the user and loads the cart. Starting again
// rebinds, so operations still in flight from before are not applied.
func (s *Session) Start(ctx context.Context) error {
	if s.userID == "" {
		return cart.ErrNotAuthenticated
	}
	view := s.store.Bind(s.userID)
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	return s.Reload(ctx)
}

// Reload replaces the local cart with the remote one.
func (s *Session) Reload(ctx context.Context) error {
	view, err := s.begin()
	if err != nil {
		return err
	}
	items, err := s.adapter.LoadCart(ctx, s.userID)
	if err != nil {
		s.fail(view, err)
		return err
	}
	s.confirmed(view.ApplyLoaded(items), "loadCart")
	return nil
}

func (s *Session) Add(ctx context.Context, product cart.Product, quantity int) (AddResult, error) {
	if err := ValidateAdd(product, quantity); err != nil {
		return AddResult{}, err
	}
	view, err := s.begin()
	if err != nil {
		return AddResult{}, err
	}
	res, err := s.adapter.AddItem(ctx, s.userID, product, quantity)
	if err != nil {
		s.fail(view, err)
		return AddResult{}, err
	}
	s.confirmed(view.ApplyAddConfirmed(res.Item), "addItem")
	return res, nil
}

// Update rejects a quantity below 1 before any remote call.
func (s *Session) Update(ctx context.Context, itemID string, updates cart.ItemUpdates) error {
	if err := updates.Validate(); err != nil {
		return err
	}
	view, err := s.begin()
	if err != nil {
		return err
	}
	if err := s.adapter.UpdateItem(ctx, s.userID, itemID, updates); err != nil {
		s.fail(view, err)
		return err
	}
	s.confirmed(view.ApplyUpdateConfirmed(itemID, updates), "updateItem")
	return nil
}

func (s *Session) Remove(ctx context.Context, itemID string) error {
	view, err := s.begin()
	if err != nil {
		return err
	}
	if err := s.adapter.RemoveItem(ctx, s.userID, itemID); err != nil {
		s.fail(view, err)
		return err
	}
	s.confirmed(view.ApplyRemoveConfirmed(itemID), "removeItem")
	return nil
}

func (s *Session) Clear(ctx context.Context) error {
	view, err := s.begin()
	if err != nil {
		return err
	}
	if err := s.adapter.ClearCart(ctx, s.userID); err != nil {
		s.fail(view, err)
		return err
	}
	s.confirmed(view.ApplyCleared(), "clearCart")
	return nil
}

// Logout resets the store. The remote cart is left as it is.
func (s *Session) Logout() {
	if s.Active() {
		s.store.Reset()
	}
}

func (s *Session) fail(view *cartstate.Scoped, err error) {
	if !view.FailOperation(err.Error()) {
		s.log.WithError(err).Debug("dropped failure for ended session")
	}
}

func (s *Session) confirmed(applied bool, op string) {
	if !applied {
		s.log.WithField("op", op).Debug("dropped late confirmation")
	}
}
