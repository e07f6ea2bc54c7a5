package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTPStore_StoresDigestWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewOTPStore(rdb)
	ctx := context.Background()

	code, err := store.Issue(ctx, "a@example.com")
	require.NoError(t, err)
	require.Regexp(t, `^\d{6}$`, code)

	stored, err := mr.Get("otp:a@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, code, stored, "the raw code is never stored")
	assert.Equal(t, DefaultOTPTTL, mr.TTL("otp:a@example.com"))

	mr.FastForward(DefaultOTPCooldown + time.Second)
	_, err = store.Issue(ctx, "a@example.com")
	require.NoError(t, err, "cooldown elapsed")

	mr.FastForward(DefaultOTPTTL + time.Second)
	require.ErrorIs(t, store.Verify(ctx, "a@example.com", code), ErrInvalidOTP)
}

func TestOTPStore_VerifiedMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewOTPStore(rdb)
	ctx := context.Background()

	code, err := store.Issue(ctx, "a@example.com")
	require.NoError(t, err)
	require.NoError(t, store.Verify(ctx, "a@example.com", code))

	ok, err := store.IsVerified(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DefaultVerifiedTTL, mr.TTL("otp:verified:a@example.com"))

	require.NoError(t, store.ClearVerified(ctx, "a@example.com"))
	ok, err = store.IsVerified(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		p, err := generatePassword()
		require.NoError(t, err)
		assert.Len(t, p, 12)
		require.NoError(t, validatePasswordStrength(p))
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestValidatePasswordStrength(t *testing.T) {
	tests := map[string]bool{
		"Str0ng!Pass":   true,
		"short1!A":      true,
		"nouppercase1!": false,
		"NOLOWERCASE1!": false,
		"NoDigits!!":    false,
		"NoSymbols123":  false,
		"S1!a":          false,
	}
	for password, ok := range tests {
		err := validatePasswordStrength(password)
		if ok {
			assert.NoError(t, err, password)
		} else {
			assert.Error(t, err, password)
		}
	}
}
