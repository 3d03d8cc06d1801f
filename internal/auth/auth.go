// Package auth validates connection credentials and tracks consecutive
// failures per connection, enforcing lockout at the configured threshold.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/ppiankov/fsh/internal/config"
)

// ErrInvalidCredentials is the single failure returned for any credential
// mismatch. It deliberately does not say which element was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrMethodDisabled means the requested auth method is not enabled.
var ErrMethodDisabled = errors.New("auth method not enabled")

// ErrLockedOut means the connection exhausted its failure budget.
var ErrLockedOut = errors.New("too many failed attempts")

// DefaultToken is registered when the token method is enabled but no token
// hashes are configured. Development convenience only.
const DefaultToken = "default"

// HashToken returns the sha256 hex digest used in configuration files.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticator validates credentials against the enabled methods. Safe for
// concurrent use; all state is fixed at construction.
type Authenticator struct {
	required      bool
	methods       map[string]bool
	tokenHashes   []string
	passwordUsers map[string]string
	maxFailures   int
}

// New builds an authenticator from the security configuration.
func New(cfg config.SecurityConfig) *Authenticator {
	a := &Authenticator{
		required:      cfg.RequireAuthentication,
		methods:       make(map[string]bool, len(cfg.AuthMethods)),
		tokenHashes:   append([]string(nil), cfg.TokenHashes...),
		passwordUsers: make(map[string]string, len(cfg.PasswordUsers)),
		maxFailures:   cfg.MaxFailedAttempts,
	}
	for _, m := range cfg.AuthMethods {
		a.methods[m] = true
	}
	for u, h := range cfg.PasswordUsers {
		a.passwordUsers[u] = h
	}
	if a.methods["token"] && len(a.tokenHashes) == 0 {
		a.tokenHashes = []string{HashToken(DefaultToken)}
	}
	return a
}

// Required reports whether the handshake must include authentication.
func (a *Authenticator) Required() bool {
	return a.required
}

// MaxFailures is the configured consecutive-failure budget per connection.
func (a *Authenticator) MaxFailures() int {
	return a.maxFailures
}

// Authenticate validates one attempt. It returns the authenticated identity
// on success ("token" for token auth, the username for password auth).
func (a *Authenticator) Authenticate(method string, creds map[string]string) (string, error) {
	if !a.methods[method] {
		return "", ErrMethodDisabled
	}
	switch method {
	case "token":
		return a.checkToken(creds["token"])
	case "password":
		return a.checkPassword(creds["user"], creds["password"])
	default:
		return "", ErrMethodDisabled
	}
}

func (a *Authenticator) checkToken(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredentials
	}
	got := []byte(HashToken(token))
	for _, h := range a.tokenHashes {
		if subtle.ConstantTimeCompare(got, []byte(h)) == 1 {
			return "token", nil
		}
	}
	return "", ErrInvalidCredentials
}

// burnHash is a valid bcrypt hash compared against when the user does not
// exist, keeping the cost of unknown-user and wrong-password paths equal.
var burnHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

func (a *Authenticator) checkPassword(user, password string) (string, error) {
	hash, ok := a.passwordUsers[user]
	if !ok {
		// Burn a comparison so a missing user costs the same as a wrong
		// password.
		_ = bcrypt.CompareHashAndPassword(burnHash, []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return user, nil
}

// AttemptCounter tracks consecutive failures for one connection. Not safe
// for concurrent use; each connection owns exactly one.
type AttemptCounter struct {
	failures int
	max      int
	locked   bool
}

// NewAttemptCounter creates a counter with the given budget.
func NewAttemptCounter(max int) *AttemptCounter {
	return &AttemptCounter{max: max}
}

// Failure records one failed attempt and reports whether the lockout
// threshold has been reached. Once locked, the counter stays locked.
func (c *AttemptCounter) Failure() bool {
	c.failures++
	if c.max > 0 && c.failures >= c.max {
		c.locked = true
	}
	return c.locked
}

// Success resets the consecutive-failure count.
func (c *AttemptCounter) Success() {
	c.failures = 0
}

// Locked reports whether the connection is locked out. A locked connection
// must not have further credentials validated.
func (c *AttemptCounter) Locked() bool {
	return c.locked
}

// Failures returns the current consecutive-failure count.
func (c *AttemptCounter) Failures() int {
	return c.failures
}
