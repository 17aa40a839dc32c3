package auth

import (
	"context"
	"net/http"
	"strings"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/pkg/errors"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

// Identity is what sign-in produces. Only UID namespaces the cart.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    *string
}

// Verifier resolves the caller of a request. It returns an error wrapping
// cart.ErrNotAuthenticated when there is no usable identity.
type Verifier interface {
	Verify(r *http.Request) (Identity, error)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UID != ""
}

// TokenVerifier is implemented by *firebase auth.Client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier accepts "Authorization: Bearer <Firebase ID token>".
type FirebaseVerifier struct {
	client TokenVerifier
}

func NewFirebaseVerifier(client TokenVerifier) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) Verify(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, errors.Wrap(cart.ErrNotAuthenticated, "missing bearer token")
	}
	idToken := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if idToken == "" {
		return Identity{}, errors.Wrap(cart.ErrNotAuthenticated, "empty bearer token")
	}

	token, err := v.client.VerifyIDToken(r.Context(), idToken)
	if err != nil {
		return Identity{}, errors.Wrapf(cart.ErrNotAuthenticated, "invalid token: %v", err)
	}
	uid := strings.TrimSpace(token.UID)
	if uid == "" {
		return Identity{}, errors.Wrap(cart.ErrNotAuthenticated, "token has no uid")
	}

	id := Identity{
		UID:         uid,
		Email:       claim(token.Claims, "email"),
		DisplayName: claim(token.Claims, "name"),
	}
	if pic := claim(token.Claims, "picture"); pic != "" {
		id.PhotoURL = &pic
	}
	return id, nil
}

func claim(claims map[string]interface{}, name string) string {
	s, _ := claims[name].(string)
	return s
}

// HeaderVerifier trusts X-User-* headers. Meant for local development
// behind a gateway that already authenticated the caller.
type HeaderVerifier struct{}

func (HeaderVerifier) Verify(r *http.Request) (Identity, error) {
	uid := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if uid == "" {
		return Identity{}, errors.Wrap(cart.ErrNotAuthenticated, "missing X-User-ID header")
	}
	id := Identity{
		UID:         uid,
		Email:       r.Header.Get("X-User-Email"),
		DisplayName: r.Header.Get("X-User-Name"),
	}
	if pic := r.Header.Get("X-User-Photo"); pic != "" {
		id.PhotoURL = &pic
	}
	return id, nil
}
