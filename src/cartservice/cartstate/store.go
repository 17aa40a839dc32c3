package cartstate

import (
	"sync"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

// State is what the UI renders. Error is empty when there is no error.
type State struct {
	Items   []cart.LineItem `json:"items"`
	Loading bool            `json:"loading"`
	Error   string          `json:"error,omitempty"`
}

// ItemCount and Total are derived on every call.
func (s State) ItemCount() int { return cart.ItemCount(s.Items) }
func (s State) Total() int64   { return cart.TotalPrice(s.Items) }

// Listener is called after every state transition with the new snapshot.
// It runs synchronously and must not call back into the store.
type Listener func(State)

// Store is the in-memory cart of the active user. It only changes on
// confirmed results and owns no I/O.
type Store struct {
	mu      sync.Mutex
	userID  string
	items   []cart.LineItem
	pending int
	err     string
	// bumped by Bind and Reset; scoped views from an older binding are stale
	gen uint64

	listeners map[uint64]Listener
	nextID    uint64

	// held from the end of a transition until its listeners return, so
	// transitions are delivered in the order they were applied
	notifyMu sync.Mutex
}

func New() *Store {
	return &Store{listeners: make(map[uint64]Listener)}
}

// GetSnapshot returns a copy of the current state.
func (s *Store) GetSnapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// UserID returns the bound user, empty when signed out.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Subscribe registers l and returns the function that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Bind starts a session for userID with an empty cart and returns the view
// for that binding. Views obtained before the call stop applying, even when
// userID was already bound.
func (s *Store) Bind(userID string) *Scoped {
	var view *Scoped
	s.update(nil, func() {
		s.userID = userID
		s.gen++
		s.clearLocked()
		view = &Scoped{store: s, userID: userID, gen: s.gen}
	})
	return view
}

// Reset signs the store out. Confirmations still in flight for the previous
// user are dropped by the scoped view.
func (s *Store) Reset() {
	s.update(nil, func() {
		s.userID = ""
		s.gen++
		s.clearLocked()
	})
}

func (s *Store) BeginOperation() { s.update(nil, s.beginLocked) }

func (s *Store) FailOperation(message string) {
	s.update(nil, func() { s.failLocked(message) })
}

// ApplyLoaded replaces the items wholesale.
func (s *Store) ApplyLoaded(items []cart.LineItem) {
	s.update(nil, func() { s.loadedLocked(items) })
}

// ApplyAddConfirmed replaces the entry with the same id or appends it.
func (s *Store) ApplyAddConfirmed(item cart.LineItem) {
	s.update(nil, func() { s.addLocked(item) })
}

// ApplyUpdateConfirmed merges updates onto the entry; absent entries are ignored.
func (s *Store) ApplyUpdateConfirmed(itemID string, updates cart.ItemUpdates) {
	s.update(nil, func() { s.updateLocked(itemID, updates) })
}

// ApplyRemoveConfirmed deletes the entry if present.
func (s *Store) ApplyRemoveConfirmed(itemID string) {
	s.update(nil, func() { s.removeLocked(itemID) })
}

func (s *Store) ApplyCleared() { s.update(nil, s.clearedLocked) }

// For returns a view whose operations only take effect while the current
// binding of userID lasts.
func (s *Store) For(userID string) *Scoped {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Scoped{store: s, userID: userID, gen: s.gen}
}

// Scoped applies transitions on behalf of one binding of a user. Every
// method reports whether the transition was applied.
type Scoped struct {
	store  *Store
	userID string
	gen    uint64
}

func (v *Scoped) UserID() string { return v.userID }

// Active reports whether the binding the view was taken from still holds.
func (v *Scoped) Active() bool {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return v.currentLocked()
}

func (v *Scoped) currentLocked() bool {
	return v.store.userID != "" && v.store.userID == v.userID && v.store.gen == v.gen
}

func (v *Scoped) BeginOperation() bool {
	return v.store.update(v, v.store.beginLocked)
}

func (v *Scoped) FailOperation(message string) bool {
	return v.store.update(v, func() { v.store.failLocked(message) })
}

func (v *Scoped) ApplyLoaded(items []cart.LineItem) bool {
	return v.store.update(v, func() { v.store.loadedLocked(items) })
}

func (v *Scoped) ApplyAddConfirmed(item cart.LineItem) bool {
	return v.store.update(v, func() { v.store.addLocked(item) })
}

func (v *Scoped) ApplyUpdateConfirmed(itemID string, updates cart.ItemUpdates) bool {
	return v.store.update(v, func() { v.store.updateLocked(itemID, updates) })
}

func (v *Scoped) ApplyRemoveConfirmed(itemID string) bool {
	return v.store.update(v, func() { v.store.removeLocked(itemID) })
}

func (v *Scoped) ApplyCleared() bool {
	return v.store.update(v, v.store.clearedLocked)
}

// update runs fn under the lock and notifies listeners. With a non-nil
// view the transition is skipped unless the view's binding still holds.
func (s *Store) update(view *Scoped, fn func()) bool {
	s.mu.Lock()
	if view != nil && !view.currentLocked() {
		s.mu.Unlock()
		return false
	}
	fn()
	state := s.snapshotLocked()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()

	defer s.notifyMu.Unlock()
	for _, l := range listeners {
		l(state)
	}
	return true
}

func (s *Store) snapshotLocked() State {
	return State{
		Items:   cart.Clone(s.items),
		Loading: s.pending > 0,
		Error:   s.err,
	}
}

func (s *Store) beginLocked() {
	s.pending++
	s.err = ""
}

func (s *Store) settleLocked() {
	if s.pending > 0 {
		s.pending--
	}
}

func (s *Store) failLocked(message string) {
	s.settleLocked()
	s.err = message
}

func (s *Store) loadedLocked(items []cart.LineItem) {
	s.settleLocked()
	s.err = ""
	s.items = s.items[:0]
	for _, it := range cart.Clone(items) {
		if it.Quantity >= 1 {
			s.items = append(s.items, it)
		}
	}
}

func (s *Store) addLocked(item cart.LineItem) {
	s.settleLocked()
	item = cart.Clone([]cart.LineItem{item})[0]
	if i := cart.IndexOf(s.items, item.ID); i >= 0 {
		s.items[i] = item
		return
	}
	s.items = append(s.items, item)
}

func (s *Store) updateLocked(itemID string, updates cart.ItemUpdates) {
	s.settleLocked()
	i := cart.IndexOf(s.items, itemID)
	if i < 0 {
		return
	}
	updates.ApplyTo(&s.items[i])
	if s.items[i].Quantity < 1 {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
}

func (s *Store) removeLocked(itemID string) {
	s.settleLocked()
	if i := cart.IndexOf(s.items, itemID); i >= 0 {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
}

func (s *Store) clearedLocked() {
	s.settleLocked()
	s.items = nil
}

func (s *Store) clearLocked() {
	s.items = nil
	s.pending = 0
	s.err = ""
}
