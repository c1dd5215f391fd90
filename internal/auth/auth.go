// Package auth implements the small set of session-independent decisions
// behind login: whether a fresh install may still be set up, generating the
// initial master password, and checking credentials against the Config
// Store. Session storage itself (cookies, HTTP middleware) belongs to the
// out-of-scope HTTP facade; Session here is the minimal boolean state that
// facade would wire up.
package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"os"
	"sync"

	"github.com/aio-orchestrator/masterd/internal/config"
	"github.com/aio-orchestrator/masterd/internal/mode"
)

const generatedPasswordLength = 8

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Session is the authenticated/not-authenticated bit a real HTTP session
// would carry. Safe for concurrent use.
type Session struct {
	mu            sync.RWMutex
	authenticated bool
}

// CanBeInstalled reports whether configPath does not yet exist: the signal
// that this is a fresh deployment still eligible for initial setup.
func CanBeInstalled(configPath string) bool {
	_, err := os.Stat(configPath)
	return os.IsNotExist(err)
}

// SetupPassword generates and persists a master password for a fresh
// install. ok is false, with no password generated, if configPath already
// exists.
func SetupPassword(store *config.Store, configPath string) (password string, ok bool, err error) {
	if !CanBeInstalled(configPath) {
		return "", false, nil
	}
	password, err = generatePassword(generatedPasswordLength)
	if err != nil {
		return "", false, err
	}
	if err := store.SetPassword(password); err != nil {
		return "", false, err
	}
	return password, true, nil
}

// SetAuthFromPassword checks password against the stored master password,
// but only if login is currently allowed (the top container is running),
// and records the result on session.
func SetAuthFromPassword(ctx context.Context, controller *mode.Controller, store *config.Store, session *Session, password string) (bool, error) {
	allowed, err := controller.IsLoginAllowed(ctx)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}
	ok := store.TestPassword(password)
	session.set(ok)
	return ok, nil
}

// SetAuthFromToken checks token against the stored boot token and records
// the result on session.
func SetAuthFromToken(store *config.Store, session *Session, token string) bool {
	ok := store.TestToken(token)
	session.set(ok)
	return ok
}

// ClearAuth revokes session's authenticated state.
func ClearAuth(session *Session) {
	session.set(false)
}

// IsAuthenticated reports session's current authenticated state.
func IsAuthenticated(session *Session) bool {
	session.mu.RLock()
	defer session.mu.RUnlock()
	return session.authenticated
}

func (s *Session) set(authenticated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = authenticated
}

func generatePassword(length int) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}
