package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/auth"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartstore"
	"github.com/norun9/microservices-demo-ambient/src/cartservice/cartsync"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

// brokenStore fails every write and reports itself unreachable.
type brokenStore struct {
	*cartstore.LocalCartStore
}

var errUnavailable = errors.New("backend unavailable")

func (brokenStore) WriteItem(context.Context, string, cart.LineItem) error { return errUnavailable }
func (brokenStore) Ping(context.Context) bool                           { return false }

func newTestServer(t *testing.T, store cartstore.IRemoteStore) *httptest.Server {
	t.Helper()
	log := quietLogger()
	adapter := cartsync.NewAdapter(store, log)
	svc := NewCartService(cartsync.NewSessions(adapter, log), auth.HeaderVerifier{}, log)
	srv := httptest.NewServer(svc.Router("cartservice-test"))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, uid string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			payload = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			payload = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, payload)
	require.NoError(t, err)
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
		req.Header.Set("X-User-Email", uid+"@example.com")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func addBody(id string, price int64, qty int) map[string]interface{} {
	return map[string]interface{}{
		"product":  map[string]interface{}{"id": id, "name": "Item " + id, "price": price, "selectedSize": "M", "selectedColor": 0},
		"quantity": qty,
	}
}

func TestCartFlow(t *testing.T) {
	srv := newTestServer(t, cartstore.NewLocalCartStore(quietLogger()))

	code, body := do(t, srv, http.MethodPost, "/v1/session", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	profile := body["profile"].(map[string]interface{})
	assert.Equal(t, "u1", profile["displayName"])

	code, body = do(t, srv, http.MethodPost, "/v1/cart/items", "u1", addBody("A", 100000, 1))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["merged"])
	itemID := body["item"].(map[string]interface{})["id"].(string)

	code, body = do(t, srv, http.MethodPost, "/v1/cart/items", "u1", addBody("A", 100000, 2))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["merged"])
	c := body["cart"].(map[string]interface{})
	assert.EqualValues(t, 3, c["itemCount"])
	assert.EqualValues(t, 300000, c["total"])

	code, body = do(t, srv, http.MethodPatch, "/v1/cart/items/"+itemID, "u1", map[string]int{"quantity": 4})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 4, body["itemCount"])

	code, body = do(t, srv, http.MethodGet, "/v1/cart?selected="+itemID+",unknown", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 400000, body["selectedTotal"])

	code, _ = do(t, srv, http.MethodGet, "/v1/cart", "u2", nil)
	require.Equal(t, http.StatusOK, code, "other users get their own empty cart")

	code, body = do(t, srv, http.MethodDelete, "/v1/cart/items/"+itemID, "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["itemCount"])

	code, _ = do(t, srv, http.MethodDelete, "/v1/cart", "u1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, srv, http.MethodDelete, "/v1/session", "u1", nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestCartSurvivesSignOut(t *testing.T) {
	srv := newTestServer(t, cartstore.NewLocalCartStore(quietLogger()))

	code, _ := do(t, srv, http.MethodPost, "/v1/cart/items", "u1", addBody("A", 500, 2))
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, srv, http.MethodDelete, "/v1/session", "u1", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body := do(t, srv, http.MethodGet, "/v1/cart", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["itemCount"])
	assert.Equal(t, false, body["loading"])
}

func TestProfileEndpoints(t *testing.T) {
	srv := newTestServer(t, cartstore.NewLocalCartStore(quietLogger()))

	code, _ := do(t, srv, http.MethodGet, "/v1/profile", "u1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodPost, "/v1/session", "u1", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, srv, http.MethodPatch, "/v1/profile", "u1", map[string]string{"displayName": "Jane"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Jane", body["displayName"])
	assert.Equal(t, "u1@example.com", body["email"])
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t, cartstore.NewLocalCartStore(quietLogger()))

	tests := []struct {
		name   string
		method string
		path   string
		uid    string
		body   interface{}
		want   int
	}{
		{"no identity", http.MethodGet, "/v1/cart", "", nil, http.StatusUnauthorized},
		{"malformed body", http.MethodPost, "/v1/cart/items", "u1", "{", http.StatusBadRequest},
		{"zero quantity", http.MethodPost, "/v1/cart/items", "u1", addBody("A", 1, 0), http.StatusBadRequest},
		{"negative price", http.MethodPost, "/v1/cart/items", "u1", addBody("A", -1, 1), http.StatusBadRequest},
		{"missing product id", http.MethodPost, "/v1/cart/items", "u1", addBody("", 1, 1), http.StatusBadRequest},
		{"empty update", http.MethodPatch, "/v1/cart/items/x", "u1", map[string]int{}, http.StatusBadRequest},
		{"quantity floor", http.MethodPatch, "/v1/cart/items/x", "u1", map[string]int{"quantity": 0}, http.StatusBadRequest},
		{"unknown item", http.MethodPatch, "/v1/cart/items/x", "u1", map[string]int{"quantity": 2}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, tt.method, tt.path, tt.uid, tt.body)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRemoteFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(t, brokenStore{cartstore.NewLocalCartStore(quietLogger())})

	code, body := do(t, srv, http.MethodPost, "/v1/cart/items", "u1", addBody("A", 1, 1))
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["error"], "backend unavailable")

	code, body = do(t, srv, http.MethodGet, "/v1/cart", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["error"], "backend unavailable", "the failure stays visible in the cart state")

	code, body = do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_SERVING", body["status"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, cartstore.NewLocalCartStore(quietLogger()))
	code, body := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SERVING", body["status"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(cartsync.ErrSessionEnded))
	assert.Equal(t, http.StatusBadGateway, statusFor(&cart.RemoteReadError{Op: "loadCart", Err: errUnavailable}))
	assert.Equal(t, http.StatusNotFound, statusFor(&cart.RemoteWriteError{Op: "updateItem", Err: cartstore.ErrItemNotFound}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
