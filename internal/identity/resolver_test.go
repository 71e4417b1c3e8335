package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
)

const testSecret = "resolver-secret"

type stubUsers struct {
	users map[string]model.Identity
	err   error
}

func (s stubUsers) FindUser(_ context.Context, userID string) (model.Identity, error) {
	if s.err != nil {
		return model.Identity{}, s.err
	}
	identity, ok := s.users[userID]
	if !ok {
		return model.Identity{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, userID)
	}
	return identity, nil
}

func newResolver(t *testing.T, users UserFinder) (*Resolver, *auth.SessionIssuer) {
	t.Helper()
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSecret),
		CookieName:    "orbit_session",
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSecret)})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	resolver, err := NewResolver(ResolverConfig{Verifier: validator, Users: users})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return resolver, issuer
}

func requestWithToken(token string) *http.Request {
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if token != "" {
		request.AddCookie(&http.Cookie{Name: "orbit_session", Value: token})
	}
	return request
}

func TestResolveReturnsStoredIdentity(t *testing.T) {
	resolver, issuer := newResolver(t, stubUsers{users: map[string]model.Identity{
		"u-1": {ID: "u-1", Role: model.RoleProjectManager},
	}})
	token, _, err := issuer.Issue(auth.SessionSubject{UserID: "u-1", DisplayName: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	identity, err := resolver.Resolve(context.Background(), requestWithToken(token))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.ID != "u-1" || identity.Role != model.RoleProjectManager {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if identity.Name != "Ada" || identity.Email != "ada@example.com" {
		t.Fatalf("expected claims to fill blank profile fields, got %+v", identity)
	}
}

func TestResolveRejections(t *testing.T) {
	resolver, issuer := newResolver(t, stubUsers{users: map[string]model.Identity{}})
	unknownToken, _, err := issuer.Issue(auth.SessionSubject{UserID: "ghost"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	testCases := []struct {
		name  string
		token string
	}{
		{name: "missing credential", token: ""},
		{name: "garbage credential", token: "not-a-jwt"},
		{name: "unknown user", token: unknownToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), requestWithToken(testCase.token))
			if !errors.Is(err, errs.ErrAuthRejected) {
				t.Fatalf("expected auth rejection, got %v", err)
			}
		})
	}
}

func TestResolvePropagatesStorageFailure(t *testing.T) {
	resolver, issuer := newResolver(t, stubUsers{err: fmt.Errorf("%w: down", errs.ErrPersistence)})
	token, _, err := issuer.Issue(auth.SessionSubject{UserID: "u-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = resolver.Resolve(context.Background(), requestWithToken(token))
	if !errors.Is(err, errs.ErrPersistence) || errors.Is(err, errs.ErrAuthRejected) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}
