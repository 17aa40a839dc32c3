package cartsync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstore"
)

// AddResult is the confirmed entry after an add. Item.Quantity is the new total.
type AddResult struct {
	Item   cart.LineItem `json:"item"`
	Merged bool          `json:"merged"`
}

// Adapter turns each cart intent into one remote round trip. It never
// retries and never touches local state.
type Adapter struct {
	store     cartstore.IRemoteStore
	log       logrus.FieldLogger
	inst      instruments
	now       func() time.Time
	serialize bool
	locks     *userLocks
}

type Option func(*Adapter)

// WithClock overrides the time source used for addedAt and lastLogin.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithSerializedMutations toggles the per-user mutation lock. When off,
// concurrent adds against the same cart can lose updates.
func WithSerializedMutations(on bool) Option {
	return func(a *Adapter) { a.serialize = on }
}

func NewAdapter(store cartstore.IRemoteStore, log logrus.FieldLogger, opts ...Option) *Adapter {
	a := &Adapter{
		store:     store,
		log:       log,
		now:       time.Now,
		serialize: true,
		locks:     newUserLocks(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.inst = newInstruments(log)
	return a
}

// Ping reports whether the remote store answers.
func (a *Adapter) Ping(ctx context.Context) bool {
	return a.store.Ping(ctx)
}

// timestamp is millisecond precision, the finest every backend keeps.
func (a *Adapter) timestamp() time.Time {
	return a.now().UTC().Truncate(time.Millisecond)
}

func (a *Adapter) lock(ctx context.Context, userID string) (func(), error) {
	if !a.serialize {
		return func() {}, nil
	}
	return a.locks.acquire(ctx, userID)
}

// LoadCart reads every entry of the user's cart. A user without a cart gets
// an empty one.
func (a *Adapter) LoadCart(ctx context.Context, userID string) (items []cart.LineItem, err error) {
	if userID == "" {
		return nil, cart.ErrNotAuthenticated
	}
	ctx, done := a.start(ctx, opLoadCart, attribute.String("app.user_id", userID))
	defer func() { done(err) }()

	items, err = a.store.ReadItems(ctx, userID)
	if err != nil {
		a.logFailure(userID, "", opLoadCart, err)
		return nil, &cart.RemoteReadError{Op: opLoadCart, Err: err}
	}
	if items == nil {
		items = []cart.LineItem{}
	}
	for _, it := range items {
		if it.Quantity < 1 {
			a.log.WithFields(logrus.Fields{
				"user_id":  userID,
				"item_id":  it.ID,
				"quantity": it.Quantity,
			}).Debug("ignoring cart entry with quantity below 1")
		}
	}
	return items, nil
}

// ValidateAdd checks an add intent before any I/O.
func ValidateAdd(product cart.Product, quantity int) error {
	if quantity < 1 {
		return cart.ErrInvalidQuantity
	}
	return product.Validate()
}

// AddItem merges into the entry sharing the product's merge key or writes a
// new one. The result carries the entry's new total quantity.
func (a *Adapter) AddItem(ctx context.Context, userID string, product cart.Product, quantity int) (res AddResult, err error) {
	if userID == "" {
		return AddResult{}, cart.ErrNotAuthenticated
	}
	if err := ValidateAdd(product, quantity); err != nil {
		return AddResult{}, err
	}
	ctx, done := a.start(ctx, opAddItem,
		attribute.String("app.user_id", userID),
		attribute.String("app.product_id", product.ID),
		attribute.Int64("app.quantity", int64(quantity)),
	)
	defer func() { done(err) }()

	release, err := a.lock(ctx, userID)
	if err != nil {
		return AddResult{}, err
	}
	defer release()

	items, err := a.store.ReadItems(ctx, userID)
	if err != nil {
		a.logFailure(userID, "", opAddItem, err)
		return AddResult{}, &cart.RemoteReadError{Op: opAddItem, Err: err}
	}

	if existing := cart.FindByKey(items, product.Key()); existing != nil {
		total := existing.Quantity + quantity
		if err := a.store.PatchItem(ctx, userID, existing.ID, cart.QuantityUpdate(total)); err != nil {
			a.logFailure(userID, existing.ID, opAddItem, err)
			return AddResult{}, &cart.RemoteWriteError{Op: opAddItem, Err: err}
		}
		merged := *existing
		merged.Quantity = total
		a.log.WithFields(logrus.Fields{
			"user_id":  userID,
			"item_id":  merged.ID,
			"op":       opAddItem,
			"quantity": total,
		}).Debug("merged into existing cart item")
		return AddResult{Item: merged, Merged: true}, nil
	}

	id, err := a.store.NewItemID(ctx, userID)
	if err != nil {
		a.logFailure(userID, "", opAddItem, err)
		return AddResult{}, &cart.RemoteWriteError{Op: opAddItem, Err: err}
	}
	item := cart.NewLineItem(id, product, quantity, a.timestamp())
	if err := a.store.WriteItem(ctx, userID, item); err != nil {
		a.logFailure(userID, id, opAddItem, err)
		return AddResult{}, &cart.RemoteWriteError{Op: opAddItem, Err: err}
	}
	a.log.WithFields(logrus.Fields{
		"user_id": userID,
		"item_id": id,
		"op":      opAddItem,
	}).Debug("added new cart item")
	return AddResult{Item: item}, nil
}

// UpdateItem patches one entry. The quantity floor is the caller's concern.
// An absent entry fails with a RemoteWriteError wrapping cartstore.ErrItemNotFound.
func (a *Adapter) UpdateItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) (err error) {
	if userID == "" {
		return cart.ErrNotAuthenticated
	}
	if updates.IsEmpty() {
		return cart.ErrEmptyUpdate
	}
	attrs := []attribute.KeyValue{
		attribute.String("app.user_id", userID),
		attribute.String("app.item_id", itemID),
	}
	if updates.Quantity != nil {
		attrs = append(attrs, attribute.Int64("app.quantity", int64(*updates.Quantity)))
	}
	ctx, done := a.start(ctx, opUpdateItem, attrs...)
	defer func() { done(err) }()

	release, err := a.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if err := a.store.PatchItem(ctx, userID, itemID, updates); err != nil {
		a.logFailure(userID, itemID, opUpdateItem, err)
		return &cart.RemoteWriteError{Op: opUpdateItem, Err: err}
	}
	return nil
}

// RemoveItem deletes one entry; removing an absent id succeeds.
func (a *Adapter) RemoveItem(ctx context.Context, userID, itemID string) (err error) {
	if userID == "" {
		return cart.ErrNotAuthenticated
	}
	ctx, done := a.start(ctx, opRemoveItem,
		attribute.String("app.user_id", userID),
		attribute.String("app.item_id", itemID),
	)
	defer func() { done(err) }()

	release, err := a.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if err := a.store.DeleteItem(ctx, userID, itemID); err != nil {
		a.logFailure(userID, itemID, opRemoveItem, err)
		return &cart.RemoteWriteError{Op: opRemoveItem, Err: err}
	}
	return nil
}

// ClearCart deletes the user's whole cart; clearing an empty cart succeeds.
func (a *Adapter) ClearCart(ctx context.Context, userID string) (err error) {
	if userID == "" {
		return cart.ErrNotAuthenticated
	}
	ctx, done := a.start(ctx, opClearCart, attribute.String("app.user_id", userID))
	defer func() { done(err) }()

	release, err := a.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if err := a.store.DeleteCart(ctx, userID); err != nil {
		a.logFailure(userID, "", opClearCart, err)
		return &cart.RemoteWriteError{Op: opClearCart, Err: err}
	}
	return nil
}

// SaveProfile records a sign-in. An existing profile keeps its createdAt.
func (a *Adapter) SaveProfile(ctx context.Context, uid, email, displayName string, photoURL *string) (p cart.Profile, err error) {
	if uid == "" {
		return cart.Profile{}, cart.ErrNotAuthenticated
	}
	ctx, done := a.start(ctx, opSaveProfile, attribute.String("app.user_id", uid))
	defer func() { done(err) }()

	existing, err := a.store.ReadProfile(ctx, uid)
	if err != nil {
		a.logFailure(uid, "", opSaveProfile, err)
		return cart.Profile{}, &cart.RemoteReadError{Op: opSaveProfile, Err: err}
	}

	now := a.timestamp()
	p = cart.NewProfile(uid, email, displayName, photoURL, now)
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
	}
	if err := a.store.WriteProfile(ctx, p); err != nil {
		a.logFailure(uid, "", opSaveProfile, err)
		return cart.Profile{}, &cart.RemoteWriteError{Op: opSaveProfile, Err: err}
	}
	return p, nil
}

// UpdateProfile patches the profile. An absent profile fails with a
// RemoteWriteError wrapping cart.ErrProfileNotFound.
func (a *Adapter) UpdateProfile(ctx context.Context, uid string, updates cart.ProfileUpdates) (err error) {
	if uid == "" {
		return cart.ErrNotAuthenticated
	}
	if updates.IsEmpty() {
		return cart.ErrEmptyUpdate
	}
	ctx, done := a.start(ctx, opUpdateProfile, attribute.String("app.user_id", uid))
	defer func() { done(err) }()

	if err := a.store.PatchProfile(ctx, uid, updates); err != nil {
		a.logFailure(uid, "", opUpdateProfile, err)
		return &cart.RemoteWriteError{Op: opUpdateProfile, Err: err}
	}
	return nil
}

func (a *Adapter) GetProfile(ctx context.Context, uid string) (p *cart.Profile, err error) {
	if uid == "" {
		return nil, cart.ErrNotAuthenticated
	}
	ctx, done := a.start(ctx, opGetProfile, attribute.String("app.user_id", uid))
	defer func() { done(err) }()

	p, err = a.store.ReadProfile(ctx, uid)
	if err != nil {
		a.logFailure(uid, "", opGetProfile, err)
		return nil, &cart.RemoteReadError{Op: opGetProfile, Err: err}
	}
	if p == nil {
		return nil, errors.WithStack(cart.ErrProfileNotFound)
	}
	return p, nil
}

func (a *Adapter) logFailure(userID, itemID, op string, err error) {
	fields := logrus.Fields{"user_id": userID, "op": op}
	if itemID != "" {
		fields["item_id"] = itemID
	}
	a.log.WithFields(fields).WithError(err).Warn("remote cart operation failed")
}
