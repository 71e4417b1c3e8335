// Package identity binds an incoming connection to a workspace user.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"go.uber.org/zap"
)

var (
	errMissingVerifier = errors.New("identity: credential verifier required")
	errMissingUsers    = errors.New("identity: user finder required")
)

// CredentialVerifier validates the opaque credential carried by a request.
type CredentialVerifier interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserFinder loads a stored user.
type UserFinder interface {
	FindUser(ctx context.Context, userID string) (model.Identity, error)
}

// ResolverConfig describes the collaborators of the Resolver.
type ResolverConfig struct {
	Verifier CredentialVerifier
	Users    UserFinder
	Logger   *zap.Logger
}

// Resolver turns a connection's credential into an Identity.
type Resolver struct {
	verifier CredentialVerifier
	users    UserFinder
	logger   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{verifier: cfg.Verifier, users: cfg.Users, logger: logger}, nil
}

// Resolve validates the request credential and loads the matching user.
// Missing, invalid or expired credentials and unknown users all yield errs.ErrAuthRejected.
func (r *Resolver) Resolve(ctx context.Context, request *http.Request) (model.Identity, error) {
	claims, err := r.verifier.ValidateRequest(request)
	if err != nil {
		r.logger.Info("credential rejected", zap.Error(err))
		return model.Identity{}, fmt.Errorf("%w: %v", errs.ErrAuthRejected, err)
	}

	identity, err := r.users.FindUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			r.logger.Info("credential names unknown user", zap.String("user_id", claims.UserID))
			return model.Identity{}, fmt.Errorf("%w: unknown user %s", errs.ErrAuthRejected, claims.UserID)
		}
		return model.Identity{}, err
	}
	principal := claims.Principal()
	if identity.Name == "" {
		identity.Name = principal.DisplayName
	}
	if identity.Email == "" {
		identity.Email = principal.Email
	}
	return identity, nil
}
