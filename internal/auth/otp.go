package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultOTPTTL      = 10 * time.Minute
	DefaultVerifiedTTL = 30 * time.Minute
	DefaultOTPCooldown = time.Minute
)

// OTPStore keeps one pending code per email, stored as a SHA-256 digest, and
// a short-lived verified marker once the code has been confirmed.
//
//	otp:{email}          -> sha256(code), TTL 10m
//	otp:cooldown:{email} -> resend guard, TTL 1m
//	otp:verified:{email} -> "1", TTL 30m
type OTPStore struct {
	redis       redis.UniversalClient
	ttl         time.Duration
	verifiedTTL time.Duration
	cooldown    time.Duration
}

func NewOTPStore(redisClient redis.UniversalClient) *OTPStore {
	return &OTPStore{
		redis:       redisClient,
		ttl:         DefaultOTPTTL,
		verifiedTTL: DefaultVerifiedTTL,
		cooldown:    DefaultOTPCooldown,
	}
}

func (s *OTPStore) TTL() time.Duration {
	return s.ttl
}

// Issue generates and stores a new code, replacing any pending one.
func (s *OTPStore) Issue(ctx context.Context, email string) (string, error) {
	ok, err := s.redis.SetNX(ctx, "otp:cooldown:"+email, "1", s.cooldown).Result()
	if err != nil {
		return "", fmt.Errorf("set otp cooldown: %w", err)
	}
	if !ok {
		return "", ErrOTPCooldown
	}

	code, err := randomDigits(6)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	if err := s.redis.Set(ctx, "otp:"+email, digest(code), s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

// Verify consumes the pending code on a match and marks the email verified.
// A missing or mismatched code returns ErrInvalidOTP.
func (s *OTPStore) Verify(ctx context.Context, email, code string) error {
	stored, err := s.redis.Get(ctx, "otp:"+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidOTP
		}
		return fmt.Errorf("read otp: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(digest(code))) != 1 {
		return ErrInvalidOTP
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, "otp:"+email)
		pipe.Set(ctx, "otp:verified:"+email, "1", s.verifiedTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *OTPStore) IsVerified(ctx context.Context, email string) (bool, error) {
	n, err := s.redis.Exists(ctx, "otp:verified:"+email).Result()
	if err != nil {
		return false, fmt.Errorf("read otp verified marker: %w", err)
	}
	return n > 0, nil
}

func (s *OTPStore) ClearVerified(ctx context.Context, email string) error {
	return s.redis.Del(ctx, "otp:verified:"+email).Err()
}

func digest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	ten := big.NewInt(10)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
