package services

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/auth"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstate"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstore"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartsync"
)

// CartService exposes the cart intents of the signed-in user over HTTP/JSON.
type CartService struct {
	sessions *cartsync.Sessions
	verifier auth.Verifier
	log      logrus.FieldLogger
}

func NewCartService(sessions *cartsync.Sessions, verifier auth.Verifier, log logrus.FieldLogger) *CartService {
	return &CartService{sessions: sessions, verifier: verifier, log: log}
}

// Router returns the traced HTTP handler for the service.
func (s *CartService) Router(serviceName string) http.Handler {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware(serviceName))
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/session", s.startSession).Methods(http.MethodPost)
	v1.HandleFunc("/session", s.endSession).Methods(http.MethodDelete)
	v1.HandleFunc("/cart", s.getCart).Methods(http.MethodGet)
	v1.HandleFunc("/cart", s.clearCart).Methods(http.MethodDelete)
	v1.HandleFunc("/cart/items", s.addItem).Methods(http.MethodPost)
	v1.HandleFunc("/cart/items/{itemID}", s.updateItem).Methods(http.MethodPatch)
	v1.HandleFunc("/cart/items/{itemID}", s.removeItem).Methods(http.MethodDelete)
	v1.HandleFunc("/profile", s.getProfile).Methods(http.MethodGet)
	v1.HandleFunc("/profile", s.updateProfile).Methods(http.MethodPatch)

	return s.logRequests(r)
}

type cartResponse struct {
	Items         []cart.LineItem `json:"items"`
	Loading       bool            `json:"loading"`
	Error         string          `json:"error,omitempty"`
	ItemCount     int             `json:"itemCount"`
	Total         int64           `json:"total"`
	SelectedTotal *int64          `json:"selectedTotal,omitempty"`
}

func newCartResponse(st cartstate.State) cartResponse {
	return cartResponse{
		Items:     st.Items,
		Loading:   st.Loading,
		Error:     st.Error,
		ItemCount: st.ItemCount(),
		Total:     st.Total(),
	}
}

type addItemRequest struct {
	Product  cart.Product `json:"product"`
	Quantity *int         `json:"quantity"`
}

type addItemResponse struct {
	Item   cart.LineItem `json:"item"`
	Merged bool          `json:"merged"`
	Cart   cartResponse  `json:"cart"`
}

type sessionResponse struct {
	Profile cart.Profile `json:"profile"`
	Cart    cartResponse `json:"cart"`
}

// startSession records the sign-in and (re)loads the cart.
func (s *CartService) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.FromContext(ctx)

	profile, err := s.sessions.Adapter().SaveProfile(ctx, id.UID, id.Email, id.DisplayName, id.PhotoURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Start(ctx, id.UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Profile: profile, Cart: newCartResponse(sess.Snapshot())})
}

func (s *CartService) endSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	s.sessions.End(id.UID)
	w.WriteHeader(http.StatusNoContent)
}

// getCart accepts ?selected=id1,id2 to price a checkout selection.
func (s *CartService) getCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st := sess.Snapshot()
	resp := newCartResponse(st)
	if raw := r.URL.Query().Get("selected"); raw != "" {
		var ids []string
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		total := cart.SelectedTotal(st.Items, ids)
		resp.SelectedTotal = &total
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *CartService) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(errBadRequest, err.Error()))
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("app.product_id", req.Product.ID),
		attribute.Int64("app.quantity", int64(quantity)),
	)

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Add(r.Context(), req.Product, quantity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Bool("app.merged", res.Merged))
	s.writeJSON(w, http.StatusOK, addItemResponse{
		Item:   res.Item,
		Merged: res.Merged,
		Cart:   newCartResponse(sess.Snapshot()),
	})
}

func (s *CartService) updateItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	var updates cart.ItemUpdates
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		s.writeError(w, r, errors.Wrap(errBadRequest, err.Error()))
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Update(r.Context(), itemID, updates); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newCartResponse(sess.Snapshot()))
}

func (s *CartService) removeItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Remove(r.Context(), itemID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newCartResponse(sess.Snapshot()))
}

func (s *CartService) clearCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Clear(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newCartResponse(sess.Snapshot()))
}

func (s *CartService) getProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	p, err := s.sessions.Adapter().GetProfile(r.Context(), id.UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *CartService) updateProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var updates cart.ProfileUpdates
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		s.writeError(w, r, errors.Wrap(errBadRequest, err.Error()))
		return
	}
	adapter := s.sessions.Adapter()
	if err := adapter.UpdateProfile(r.Context(), id.UID, updates); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := adapter.GetProfile(r.Context(), id.UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *CartService) healthz(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Adapter().Ping(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_SERVING"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

// session returns the caller's running session, starting one on first use.
func (s *CartService) session(w http.ResponseWriter, r *http.Request) (*cartsync.Session, bool) {
	id, _ := auth.FromContext(r.Context())
	sess, err := s.sessions.Ensure(r.Context(), id.UID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *CartService) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifier.Verify(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("app.user_id", id.UID))
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *CartService) logRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        r.URL.Path,
			"remoteAddr": r.RemoteAddr,
		}).Debug("got a new request")
		h.ServeHTTP(w, r)
	})
}

var errBadRequest = errors.New("malformed request body")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cart.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidPrice),
		errors.Is(err, cart.ErrInvalidProduct),
		errors.Is(err, cart.ErrEmptyUpdate):
		return http.StatusBadRequest
	case errors.Is(err, cartstore.ErrItemNotFound),
		errors.Is(err, cart.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, cartsync.ErrSessionEnded):
		return http.StatusConflict
	case cart.IsRemote(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *CartService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{"url": r.URL.Path, "status": code})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *CartService) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("write response")
	}
}
