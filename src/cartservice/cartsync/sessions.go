package cartsync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstate"
)

// Sessions keeps one started Session per signed-in user.
type Sessions struct {
	adapter *Adapter
	log     logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessions(adapter *Adapter, log logrus.FieldLogger) *Sessions {
	return &Sessions{
		adapter:  adapter,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

func (r *Sessions) Adapter() *Adapter { return r.adapter }

// Start begins (or restarts) the user's session and loads the cart.
func (r *Sessions) Start(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, cart.ErrNotAuthenticated
	}
	s := r.getOrCreate(userID)
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Ensure returns the running session for userID, starting one if needed.
func (r *Sessions) Ensure(ctx context.Context, userID string) (*Session, error) {
	if s, ok := r.Lookup(userID); ok && s.Active() {
		return s, nil
	}
	return r.Start(ctx, userID)
}

func (r *Sessions) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// End logs the user out and forgets the session. Unknown users are ignored.
func (r *Sessions) End(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if ok {
		s.Logout()
		r.log.WithField("user_id", userID).Info("cart session ended")
	}
}

func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Sessions) getOrCreate(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		return s
	}
	store := cartstate.New()
	log := r.log.WithField("user_id", userID)
	store.Subscribe(func(st cartstate.State) {
		log.WithFields(logrus.Fields{
			"items":   len(st.Items),
			"loading": st.Loading,
			"error":   st.Error,
		}).Debug("cart state changed")
	})
	s := NewSession(userID, store, r.adapter, r.log)
	r.sessions[userID] = s
	r.log.WithField("user_id", userID).Info("cart session created")
	return s
}
