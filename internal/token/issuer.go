// Package token mints and validates the custom JWT credentials: short-lived
// access tokens, long-lived refresh tokens whose validity is gated by a Redis
// marker, and the lightweight PIN authorization token.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultPinTTL     = 24 * time.Hour

	typeAccess  = "access"
	typeRefresh = "refresh"
	typePin     = "pin"

	markerValid = "valid"
)

var (
	ErrMissingSecret = errors.New("token signing secret is not configured")
	ErrInvalidToken  = errors.New("invalid token")
	ErrRevoked       = errors.New("refresh token revoked")
)

type Config struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	PinTTL     time.Duration
}

type Identity struct {
	ID    string
	Email string
	Name  string
	Role  string
}

type AccessClaims struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	AccessType string `json:"accessType"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

type pinClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

type Issuer struct {
	cfg    Config
	secret []byte
	redis  redis.UniversalClient
	now    func() time.Time
}

// NewIssuer fails only on configuration: a missing secret is fatal at startup.
func NewIssuer(cfg Config, redisClient redis.UniversalClient) (*Issuer, error) {
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.PinTTL <= 0 {
		cfg.PinTTL = DefaultPinTTL
	}

	return &Issuer{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		redis:  redisClient,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.cfg.AccessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.cfg.RefreshTTL }
func (i *Issuer) PinTTL() time.Duration     { return i.cfg.PinTTL }

func (i *Issuer) IssueAccessToken(id Identity) (string, error) {
	claims := AccessClaims{
		UserID:           id.ID,
		Email:            id.Email,
		Name:             id.Name,
		AccessType:       id.Role,
		Type:             typeAccess,
		RegisteredClaims: i.registered(id.ID, i.cfg.AccessTTL),
	}
	return i.sign(claims)
}

// IssueRefreshToken signs a refresh token and writes its validity marker. The
// token is unusable without the marker.
func (i *Issuer) IssueRefreshToken(ctx context.Context, identityID string) (string, error) {
	claims := RefreshClaims{
		UserID:           identityID,
		Type:             typeRefresh,
		RegisteredClaims: i.registered(identityID, i.cfg.RefreshTTL),
	}
	claims.ID = uuid.NewString()

	signed, err := i.sign(claims)
	if err != nil {
		return "", err
	}

	if err := i.redis.Set(ctx, markerKey(identityID, signed), markerValid, i.cfg.RefreshTTL).Err(); err != nil {
		return "", fmt.Errorf("store refresh marker: %w", err)
	}
	return signed, nil
}

// Revoke deletes the refresh marker. Deleting an absent marker is not an error.
func (i *Issuer) Revoke(ctx context.Context, identityID, refreshToken string) error {
	if err := i.redis.Del(ctx, markerKey(identityID, refreshToken)).Err(); err != nil {
		return fmt.Errorf("delete refresh marker: %w", err)
	}
	return nil
}

// ValidateAccessToken returns nil on any failure; callers treat that as absent.
func (i *Issuer) ValidateAccessToken(raw string) *AccessClaims {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	claims := &AccessClaims{}
	if err := i.parse(raw, claims); err != nil {
		return nil
	}
	if claims.Type != typeAccess || claims.UserID == "" {
		return nil
	}
	return claims
}

// ParseRefreshToken checks signature and claims only, not the marker. Logout
// uses it to find whose marker to delete.
func (i *Issuer) ParseRefreshToken(raw string) (*RefreshClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &RefreshClaims{}
	if err := i.parse(raw, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != typeRefresh || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRefreshToken additionally requires the marker; the marker is the
// source of truth for revocation.
func (i *Issuer) ValidateRefreshToken(ctx context.Context, raw string) (*RefreshClaims, error) {
	claims, err := i.ParseRefreshToken(raw)
	if err != nil {
		return nil, err
	}

	n, err := i.redis.Exists(ctx, markerKey(claims.UserID, strings.TrimSpace(raw))).Result()
	if err != nil {
		return nil, fmt.Errorf("read refresh marker: %w", err)
	}
	if n == 0 {
		return nil, ErrRevoked
	}
	return claims, nil
}

// ConsumeRefreshToken validates the token and deletes its marker in one DEL.
// Only the caller whose DEL removed the marker gets the claims; concurrent
// callers with the same token get ErrRevoked.
func (i *Issuer) ConsumeRefreshToken(ctx context.Context, raw string) (*RefreshClaims, error) {
	claims, err := i.ParseRefreshToken(raw)
	if err != nil {
		return nil, err
	}

	n, err := i.redis.Del(ctx, markerKey(claims.UserID, strings.TrimSpace(raw))).Result()
	if err != nil {
		return nil, fmt.Errorf("consume refresh marker: %w", err)
	}
	if n == 0 {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (i *Issuer) IssuePinToken() (string, error) {
	return i.sign(pinClaims{Type: typePin, RegisteredClaims: i.registered("site-pin", i.cfg.PinTTL)})
}

func (i *Issuer) ValidatePinToken(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	claims := &pinClaims{}
	if err := i.parse(raw, claims); err != nil {
		return false
	}
	return claims.Type == typePin
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	return claims
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.cfg.Issuer))
	}
	if i.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(i.cfg.Audience))
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, options...)
	if err != nil {
		return err
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func markerKey(identityID, rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return "refresh:" + identityID + ":" + hex.EncodeToString(sum[:])
}
