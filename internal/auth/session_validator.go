package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "orbit-auth"
	defaultClockSkew     = 30 * time.Second

	authorizationHeader = "Authorization"
	bearerScheme        = "bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
)

// Credential failures all match errs.ErrAuthRejected.
var (
	ErrMissingCredential         = fmt.Errorf("%w: no session credential", errs.ErrAuthRejected)
	ErrMalformedAuthorization    = fmt.Errorf("%w: authorization header is not a bearer token", errs.ErrAuthRejected)
	ErrInvalidCredential         = fmt.Errorf("%w: invalid session credential", errs.ErrAuthRejected)
	ErrExpiredCredential         = fmt.Errorf("%w: session credential expired", errs.ErrAuthRejected)
	ErrCredentialWithoutUser     = fmt.Errorf("%w: session credential names no user", errs.ErrAuthRejected)
	ErrCredentialSubjectMismatch = fmt.Errorf("%w: session subject and user id differ", errs.ErrAuthRejected)
)

// SessionClaims is the JWT payload of an orbit session.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the user the session was minted for.
func (c SessionClaims) Principal() SessionSubject {
	return SessionSubject{UserID: c.UserID, Email: c.UserEmail, DisplayName: c.UserDisplayName}
}

// SessionValidatorConfig describes how orbit sessions are checked.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	// ClockSkew tolerated on exp/nbf/iat. Zero selects 30s.
	ClockSkew time.Duration
	Clock     func() time.Time
}

// SessionValidator checks the session a browser carries in a cookie, or a
// websocket or API client sends as a bearer token.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clockSkew     time.Duration
	clock         func() time.Time
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clockSkew := cfg.ClockSkew
	if clockSkew <= 0 {
		clockSkew = defaultClockSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clockSkew:     clockSkew,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie the session is read from.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken verifies an HS256 session token issued by this deployment.
func (v *SessionValidator) ValidateToken(rawToken string) (SessionClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return SessionClaims{}, ErrMissingCredential
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims,
		func(*jwt.Token) (interface{}, error) { return v.signingSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(v.clock),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredCredential
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return SessionClaims{}, ErrCredentialWithoutUser
	}
	if claims.Subject != userID {
		return SessionClaims{}, ErrCredentialSubjectMismatch
	}
	claims.UserID = userID
	return *claims, nil
}

// ValidateRequest reads the session credential from r and verifies it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	rawToken, err := v.ExtractToken(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.ValidateToken(rawToken)
}

// ExtractToken returns the raw session token of r. The session cookie takes precedence
// over the Authorization header.
func (v *SessionValidator) ExtractToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingCredential
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value, nil
	}
	header := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, rawToken, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) || strings.TrimSpace(rawToken) == "" {
		return "", ErrMalformedAuthorization
	}
	return strings.TrimSpace(rawToken), nil
}
