package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the identity is unknown
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unused-password"), bcrypt.MinCost)

// DefaultMaxTracked caps how many identities carry failure state at once
const DefaultMaxTracked = 4096

type attempts struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// stale reports whether the entry no longer affects a login decision
func (st *attempts) stale(now time.Time, window time.Duration) bool {
	if now.Before(st.lockedUntil) {
		return false
	}
	return st.failures == 0 || now.Sub(st.lastFailure) >= window
}

// StaticAuthenticator checks credentials against a fixed set of bcrypt
// hashes and locks an identity out after repeated failures.
type StaticAuthenticator struct {
	hashes      map[string][]byte
	maxFailures int
	lockout     time.Duration
	maxTracked  int
	now         func() time.Time
	logger      *zap.Logger

	mu    sync.Mutex
	state map[string]*attempts
}

// NewStaticAuthenticator creates a new authenticator from configured users
func NewStaticAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (*StaticAuthenticator, error) {
	hashes := make(map[string][]byte, len(cfg.Users))
	for _, u := range cfg.Users {
		name := normalize(u.Username)
		if name == "" {
			return nil, errors.New("auth user without username")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("invalid password hash for %s: %w", u.Username, err)
		}
		hashes[name] = []byte(u.PasswordHash)
	}
	return &StaticAuthenticator{
		hashes:      hashes,
		maxFailures: cfg.MaxFailures,
		lockout:     cfg.Lockout,
		maxTracked:  DefaultMaxTracked,
		now:         time.Now,
		logger:      logger,
		state:       make(map[string]*attempts),
	}, nil
}

// Authenticate verifies secret for identity
func (a *StaticAuthenticator) Authenticate(ctx context.Context, identity, secret, origin string) (*core.Account, error) {
	name := normalize(identity)
	now := a.now()

	a.mu.Lock()
	st := a.state[name]
	if st != nil && now.Before(st.lockedUntil) {
		a.mu.Unlock()
		a.logger.Warn("Login attempt on locked account", zap.String("username", name), zap.String("origin", origin))
		return nil, core.ErrAccountLocked
	}
	if st != nil && st.stale(now, a.lockout) {
		delete(a.state, name)
	}
	a.mu.Unlock()

	hash, known := a.hashes[name]
	if !known {
		hash = dummyHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))

	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil && known {
		delete(a.state, name)
		a.logger.Debug("Authenticated", zap.String("username", name), zap.String("origin", origin))
		return &core.Account{Username: name, LastLogin: now}, nil
	}

	st = a.state[name]
	if st == nil {
		a.makeRoom(now)
		st = &attempts{}
		a.state[name] = st
	}
	st.failures++
	st.lastFailure = now
	if a.maxFailures > 0 && st.failures >= a.maxFailures {
		st.lockedUntil = now.Add(a.lockout)
		st.failures = 0
		a.logger.Warn("Account locked after repeated failures",
			zap.String("username", name),
			zap.Duration("lockout", a.lockout))
	}
	return nil, core.ErrInvalidCredentials
}

// makeRoom prunes stale entries once the table is full. If that frees
// nothing, the least recently failed unlocked entry goes, then the least
// recently failed locked one. Callers hold a.mu.
func (a *StaticAuthenticator) makeRoom(now time.Time) {
	if a.maxTracked <= 0 || len(a.state) < a.maxTracked {
		return
	}
	for name, st := range a.state {
		if st.stale(now, a.lockout) {
			delete(a.state, name)
		}
	}
	if len(a.state) < a.maxTracked {
		return
	}

	var victim, lockedVictim string
	var oldest, oldestLocked time.Time
	for name, st := range a.state {
		if now.Before(st.lockedUntil) {
			if lockedVictim == "" || st.lastFailure.Before(oldestLocked) {
				lockedVictim, oldestLocked = name, st.lastFailure
			}
			continue
		}
		if victim == "" || st.lastFailure.Before(oldest) {
			victim, oldest = name, st.lastFailure
		}
	}
	if victim == "" {
		victim = lockedVictim
	}
	delete(a.state, victim)
}

// tracked returns how many identities currently carry failure state
func (a *StaticAuthenticator) tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.state)
}

// HashPassword returns a bcrypt hash suitable for auth.users
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
