// Package authconfig loads the gateway's auth TOML (spec.md §6: "settings,
// users[] (bcrypt hashes), api_keys[] (SHA-256 hashes), each with role and
// grant lists") and answers authorization questions against it.
package authconfig

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
)

// Grant scopes a principal to a set of tenants, namespaces, and action
// types. "*" in any list matches anything.
type Grant struct {
	Tenants    []string `toml:"tenants"`
	Namespaces []string `toml:"namespaces"`
	Actions    []string `toml:"actions"`
}

// Allows reports whether the grant permits dispatching an action with the
// given tenant, namespace, and action type.
func (g Grant) Allows(tenant, namespace, actionType string) bool {
	return matches(g.Tenants, tenant) && matches(g.Namespaces, namespace) && matches(g.Actions, actionType)
}

func matches(list []string, value string) bool {
	if len(list) == 0 {
		return false
	}
	for _, entry := range list {
		if entry == "*" || entry == value {
			return true
		}
	}
	return false
}

// User is a password-authenticated principal.
type User struct {
	Username     string  `toml:"username"`
	PasswordHash string  `toml:"password_hash"`
	Role         string  `toml:"role"`
	Grants       []Grant `toml:"grants"`
}

// VerifyPassword reports whether password matches the user's bcrypt hash.
func (u User) VerifyPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// APIKey is a bearer-token principal identified by the SHA-256 hash of its
// secret, never the secret itself.
type APIKey struct {
	Name    string  `toml:"name"`
	KeyHash string  `toml:"key_hash"`
	Role    string  `toml:"role"`
	Grants  []Grant `toml:"grants"`
}

// Matches reports whether rawKey hashes to this key's stored digest, using a
// constant-time comparison so timing does not leak how much of the key
// matched.
func (k APIKey) Matches(rawKey string) bool {
	if k.KeyHash == "" {
		return false
	}
	want, err := hex.DecodeString(k.KeyHash)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(rawKey))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// Settings holds auth-wide toggles.
type Settings struct {
	RequireAuth bool `toml:"require_auth"`
}

// Config is the parsed auth TOML.
type Config struct {
	Settings Settings `toml:"settings"`
	Users    []User   `toml:"users"`
	APIKeys  []APIKey `toml:"api_keys"`
}

// Load parses the auth config at path. A missing file yields an empty,
// auth-disabled Config rather than an error, matching the server config
// loader's fallback behavior.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read auth config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse auth config: %w", err)
	}
	return cfg, nil
}

// Principal is the authenticated identity resolved from a request, either a
// User or an APIKey, reduced to the fields auth middleware needs.
type Principal struct {
	Name   string
	Role   string
	Grants []Grant
}

// AuthenticateAPIKey resolves rawKey against the configured api_keys,
// returning the matching principal.
func (c *Config) AuthenticateAPIKey(rawKey string) (Principal, bool) {
	if c == nil || rawKey == "" {
		return Principal{}, false
	}
	for _, key := range c.APIKeys {
		if key.Matches(rawKey) {
			return Principal{Name: key.Name, Role: key.Role, Grants: key.Grants}, true
		}
	}
	return Principal{}, false
}

// AuthenticateBasic resolves a username/password pair against configured
// users.
func (c *Config) AuthenticateBasic(username, password string) (Principal, bool) {
	if c == nil || username == "" {
		return Principal{}, false
	}
	for _, user := range c.Users {
		if user.Username == username && user.VerifyPassword(password) {
			return Principal{Name: user.Username, Role: user.Role, Grants: user.Grants}, true
		}
	}
	return Principal{}, false
}

// Allows reports whether the principal's grants permit the given
// tenant/namespace/action-type combination.
func (p Principal) Allows(tenant, namespace, actionType string) bool {
	for _, g := range p.Grants {
		if g.Allows(tenant, namespace, actionType) {
			return true
		}
	}
	return false
}
