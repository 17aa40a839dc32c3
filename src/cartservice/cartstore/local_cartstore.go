package cartstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

// LocalCartStore is an in-memory remote store, used for development and tests.
type LocalCartStore struct {
	mu       sync.RWMutex
	carts    map[string]map[string]cart.LineItem
	profiles map[string]cart.Profile
	log      logrus.FieldLogger
}

func NewLocalCartStore(log logrus.FieldLogger) *LocalCartStore {
	return &LocalCartStore{
		carts:    make(map[string]map[string]cart.LineItem),
		profiles: make(map[string]cart.Profile),
		log:      log,
	}
}

// Initialize does nothing in this implementation.
func (l *LocalCartStore) Initialize(ctx context.Context) error {
	l.log.Info("LocalCartStore initialized")
	return nil
}

// ReadItems returns the user's entries ordered by addedAt, then id.
func (l *LocalCartStore) ReadItems(ctx context.Context, userID string) ([]cart.LineItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nodes := l.carts[userID]
	items := make([]cart.LineItem, 0, len(nodes))
	for _, it := range nodes {
		items = append(items, it)
	}
	sortItems(items)
	return cart.Clone(items), nil
}

func (l *LocalCartStore) ReadItem(ctx context.Context, userID, itemID string) (*cart.LineItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	it, ok := l.carts[userID][itemID]
	if !ok {
		return nil, nil
	}
	return &cart.Clone([]cart.LineItem{it})[0], nil
}

func (l *LocalCartStore) WriteItem(ctx context.Context, userID string, item cart.LineItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	nodes, ok := l.carts[userID]
	if !ok {
		nodes = make(map[string]cart.LineItem)
		l.carts[userID] = nodes
	}
	nodes[item.ID] = cart.Clone([]cart.LineItem{item})[0]
	return nil
}

func (l *LocalCartStore) PatchItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.carts[userID][itemID]
	if !ok {
		return ErrItemNotFound
	}
	updates.ApplyTo(&it)
	l.carts[userID][itemID] = it
	return nil
}

func (l *LocalCartStore) DeleteItem(ctx context.Context, userID, itemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.carts[userID], itemID)
	if len(l.carts[userID]) == 0 {
		delete(l.carts, userID)
	}
	return nil
}

func (l *LocalCartStore) DeleteCart(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.carts, userID)
	return nil
}

func (l *LocalCartStore) NewItemID(ctx context.Context, userID string) (string, error) {
	return uuid.NewString(), nil
}

// Ping always succeeds.
func (l *LocalCartStore) Ping(ctx context.Context) bool {
	return true
}

func (l *LocalCartStore) ReadProfile(ctx context.Context, userID string) (*cart.Profile, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (l *LocalCartStore) WriteProfile(ctx context.Context, profile cart.Profile) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.profiles[profile.UID] = profile
	return nil
}

func (l *LocalCartStore) PatchProfile(ctx context.Context, userID string, updates cart.ProfileUpdates) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[userID]
	if !ok {
		return cart.ErrProfileNotFound
	}
	updates.ApplyTo(&p)
	l.profiles[userID] = p
	return nil
}

func sortItems(items []cart.LineItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].AddedAt.Before(items[j].AddedAt)
		}
		return items[i].ID < items[j].ID
	})
}
