package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func newAuthenticator(t *testing.T, maxFailures int, lockout time.Duration) *StaticAuthenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := NewStaticAuthenticator(config.AuthConfig{
		Users:       []config.UserConfig{{Username: "Alice@Example.com", PasswordHash: string(hash)}},
		MaxFailures: maxFailures,
		Lockout:     lockout,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func TestAuthenticate(t *testing.T) {
	a := newAuthenticator(t, 5, time.Minute)
	ctx := context.Background()

	acct, err := a.Authenticate(ctx, "alice@example.com", "s3cret", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", acct.Username)
	assert.False(t, acct.LastLogin.IsZero())

	_, err = a.Authenticate(ctx, "alice@example.com", "wrong", "127.0.0.1")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	_, err = a.Authenticate(ctx, "nobody@example.com", "s3cret", "127.0.0.1")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)
}

func TestLockoutAndExpiry(t *testing.T) {
	a := newAuthenticator(t, 3, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.Authenticate(ctx, "alice@example.com", "wrong", "10.0.0.1")
		assert.ErrorIs(t, err, core.ErrInvalidCredentials)
	}

	_, err := a.Authenticate(ctx, "alice@example.com", "s3cret", "10.0.0.1")
	assert.ErrorIs(t, err, core.ErrAccountLocked, "correct password is refused while locked")

	now = now.Add(2 * time.Minute)
	_, err = a.Authenticate(ctx, "alice@example.com", "s3cret", "10.0.0.1")
	assert.NoError(t, err)
}

func TestSuccessResetsFailures(t *testing.T) {
	a := newAuthenticator(t, 2, time.Minute)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "alice@example.com", "wrong", "")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "alice@example.com", "s3cret", "")
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, "alice@example.com", "wrong", "")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials, "one failure after a success does not lock")
	_, err = a.Authenticate(ctx, "alice@example.com", "s3cret", "")
	assert.NoError(t, err)
}

func TestInvalidConfiguredHash(t *testing.T) {
	_, err := NewStaticAuthenticator(config.AuthConfig{
		Users: []config.UserConfig{{Username: "bob@example.com", PasswordHash: "plaintext"}},
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}

func TestUnknownIdentitiesDoNotGrowState(t *testing.T) {
	a := newAuthenticator(t, 5, time.Minute)
	a.maxTracked = 100
	ctx := context.Background()

	for i := 0; i < 2000; i++ {
		_, err := a.Authenticate(ctx, fmt.Sprintf("user%d@example.com", i), "guess", "10.0.0.9")
		require.ErrorIs(t, err, core.ErrInvalidCredentials)
	}
	assert.LessOrEqual(t, a.tracked(), 100)
}

func TestFullTableKeepsLockedIdentities(t *testing.T) {
	a := newAuthenticator(t, 2, time.Minute)
	a.maxTracked = 10
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = a.Authenticate(ctx, "alice@example.com", "wrong", "")
	}
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		_, _ = a.Authenticate(ctx, fmt.Sprintf("user%d@example.com", i), "guess", "")
	}
	assert.LessOrEqual(t, a.tracked(), 10)

	_, err := a.Authenticate(ctx, "alice@example.com", "s3cret", "")
	assert.ErrorIs(t, err, core.ErrAccountLocked)
}

func TestStateIsReleased(t *testing.T) {
	a := newAuthenticator(t, 2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = a.Authenticate(ctx, "alice@example.com", "wrong", "")
	assert.Equal(t, 1, a.tracked())
	_, err := a.Authenticate(ctx, "alice@example.com", "s3cret", "")
	require.NoError(t, err)
	assert.Equal(t, 0, a.tracked(), "success clears the entry")

	_, _ = a.Authenticate(ctx, "nobody@example.com", "x", "")
	_, _ = a.Authenticate(ctx, "nobody@example.com", "x", "")
	assert.Equal(t, 1, a.tracked())

	now = now.Add(2 * time.Minute)
	_, err = a.Authenticate(ctx, "nobody@example.com", "x", "")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials, "lock has expired")
	assert.Equal(t, 1, a.tracked(), "expired entry is replaced by a fresh count")
}
