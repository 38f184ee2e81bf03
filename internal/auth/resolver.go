package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marginalia/internal/store"
)

// ErrAuthFailure covers every reason a presented credential is rejected.
var ErrAuthFailure = errors.New("authentication failed")

// BearerSubprotocol is offered by browser clients that cannot set headers on
// the WebSocket handshake: "Sec-WebSocket-Protocol: bearer, <token>".
const BearerSubprotocol = "bearer"

// Identity is the authenticated user behind a connection or request.
type Identity struct {
	store.Profile
	TokenID   string
	ExpiresAt time.Time
}

type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Resolver turns access tokens into identities.
type Resolver struct {
	secret  []byte
	users   UserLookup
	revoked RevocationChecker
}

// NewResolver creates a resolver. revoked may be nil.
func NewResolver(secret []byte, users UserLookup, revoked RevocationChecker) *Resolver {
	return &Resolver{secret: secret, users: users, revoked: revoked}
}

// Resolve validates the token and loads its user. Every failure wraps
// ErrAuthFailure.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthFailure)
	}

	claims, err := ParseToken(r.secret, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	if r.revoked != nil {
		revoked, err := r.revoked.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: check revocation: %v", ErrAuthFailure, err)
		}
		if revoked {
			return Identity{}, fmt.Errorf("%w: token revoked", ErrAuthFailure)
		}
	}

	user, err := r.users.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: load user: %v", ErrAuthFailure, err)
	}

	return Identity{
		Profile:   user.Profile(),
		TokenID:   claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// TokenFromRequest extracts an access token from the Authorization header,
// the token query parameter, or the bearer subprotocol. subprotocol is set
// when the token came from Sec-WebSocket-Protocol and must be echoed back.
func TokenFromRequest(r *http.Request) (token string, subprotocol string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), ""
	}
	if value := strings.TrimSpace(r.URL.Query().Get("token")); value != "" {
		return value, ""
	}

	var protocols []string
	for _, value := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				protocols = append(protocols, part)
			}
		}
	}
	for i := 0; i+1 < len(protocols); i++ {
		if strings.EqualFold(protocols[i], BearerSubprotocol) {
			return protocols[i+1], BearerSubprotocol
		}
	}
	return "", ""
}
