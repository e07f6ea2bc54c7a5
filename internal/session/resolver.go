// Package session resolves who is calling. Strategies are tried in order and
// the first one that yields an identity wins; every failure along the way is
// treated as absent, never as an error for the request.
package session

import (
	"context"
	"errors"
	"net/http"

	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/federated"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/token"
)

type Source string

const (
	SourceFederated Source = "federated"
	SourceBearer    Source = "bearer"
)

type Identity struct {
	ID     string
	Email  string
	Name   string
	Role   string
	Source Source
}

type Strategy interface {
	Resolve(r *http.Request) (*Identity, bool)
}

type FederatedSessions interface {
	Get(ctx context.Context, id string) (*federated.Session, error)
}

// FederatedStrategy trusts a federated session only when it carries both an
// identity id and a role.
type FederatedStrategy struct {
	sessions FederatedSessions
	logger   *observability.Logger
}

func NewFederatedStrategy(sessions FederatedSessions, logger *observability.Logger) *FederatedStrategy {
	return &FederatedStrategy{sessions: sessions, logger: logger}
}

func (s *FederatedStrategy) Resolve(r *http.Request) (*Identity, bool) {
	sid := cookies.Value(r, cookies.FedSession)
	if sid == "" {
		return nil, false
	}

	fs, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		if !errors.Is(err, federated.ErrSessionNotFound) {
			s.logger.Warn("federated_session_lookup_failed", map[string]any{"error": err.Error()})
		}
		return nil, false
	}
	if fs.DoctorID == "" || fs.Role == "" {
		return nil, false
	}

	return &Identity{ID: fs.DoctorID, Email: fs.Email, Name: fs.Name, Role: fs.Role, Source: SourceFederated}, true
}

type AccessTokenValidator interface {
	ValidateAccessToken(raw string) *token.AccessClaims
}

type BearerTokenStrategy struct {
	tokens AccessTokenValidator
}

func NewBearerTokenStrategy(tokens AccessTokenValidator) *BearerTokenStrategy {
	return &BearerTokenStrategy{tokens: tokens}
}

func (s *BearerTokenStrategy) Resolve(r *http.Request) (*Identity, bool) {
	claims := s.tokens.ValidateAccessToken(cookies.Value(r, cookies.AccessToken))
	if claims == nil || claims.UserID == "" {
		return nil, false
	}
	return &Identity{ID: claims.UserID, Email: claims.Email, Name: claims.Name, Role: claims.AccessType, Source: SourceBearer}, true
}

type Resolver struct {
	strategies []Strategy
}

func NewResolver(strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies}
}

func (res *Resolver) Resolve(r *http.Request) (*Identity, bool) {
	for _, strategy := range res.strategies {
		if id, ok := strategy.Resolve(r); ok {
			return id, true
		}
	}
	return nil, false
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}
