package gatekit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// User is the local identity record. The repository owns its schema; the core
// interprets only ID and Email and round-trips everything else as opaque
// payload.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	Accounts      []LinkedAccount `json:"accounts,omitempty"`
	Profile       map[string]any `json:"profile,omitempty"`

	// Outstanding email sign-in token state. The hash, not the token, is
	// persisted; redemption is a compare-and-clear against it.
	EmailTokenHash    string    `json:"-"`
	EmailTokenExpires time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinkedAccount associates a local user with a third-party provider account.
// A given (Provider, ProviderAccountID) pair resolves to at most one user;
// repository adapters enforce this with a uniqueness constraint.
type LinkedAccount struct {
	UserID            string    `json:"user_id"`
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id"`
	DisplayName       string    `json:"display_name,omitempty"`
	LinkedAt          time.Time `json:"linked_at"`
}

// AccountRef identifies a linked account for lookups.
type AccountRef struct {
	Provider  string
	AccountID string
}

// ProviderProfile is the normalized profile fetched from an identity
// provider, handed to the repository alongside Insert/Update so adapters can
// persist provider-specific data they care about.
type ProviderProfile struct {
	Provider  string
	AccountID string
	Email     string
	Name      string
	Raw       map[string]any
}

// Query selects a user by exactly one criterion. Zero-value fields are
// ignored; the first non-zero field in declaration order wins.
type Query struct {
	ID             string
	Email          string
	EmailTokenHash string
	Account        *AccountRef
}

// Repository is the injected persistence collaborator. Find returns
// (nil, nil) when no user matches, so absence is not an error and flows can
// stay enumeration-safe. Insert and Update receive the provider profile that
// triggered the mutation (nil outside OAuth flows) and return ErrDuplicateLink
// when persisting a linked account would violate the uniqueness constraint.
type Repository interface {
	Find(ctx context.Context, q Query) (*User, error)
	Insert(ctx context.Context, u *User, p *ProviderProfile) (*User, error)
	Update(ctx context.Context, u *User, p *ProviderProfile) (*User, error)
	Remove(ctx context.Context, id string) error

	// Serialize and Deserialize convert between a user and the compact id
	// embedded in session claims.
	Serialize(u *User) (string, error)
	Deserialize(ctx context.Context, id string) (*User, error)

	// ConsumeEmailToken atomically clears an outstanding email sign-in token
	// matching hash and returns its user. Exactly one of N concurrent calls
	// for the same hash may succeed; the rest, and calls for expired or
	// unknown hashes, return (nil, nil).
	ConsumeEmailToken(ctx context.Context, hash string) (*User, error)
}

// HashEmailToken derives the repository-side fingerprint of an email sign-in
// token. Only the hash is ever persisted so a repository dump cannot be
// replayed as live tokens.
func HashEmailToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AccountFor returns the user's linked account for a provider, or nil.
func (u *User) AccountFor(provider, accountID string) *LinkedAccount {
	for i := range u.Accounts {
		a := &u.Accounts[i]
		if a.Provider != provider {
			continue
		}
		if accountID == "" || a.ProviderAccountID == accountID {
			return a
		}
	}
	return nil
}

// RemoveAccount deletes a linked account from the in-memory record and
// reports whether it was present. The repository persists the change on the
// next Update.
func (u *User) RemoveAccount(provider, accountID string) bool {
	for i := range u.Accounts {
		a := u.Accounts[i]
		if a.Provider == provider && a.ProviderAccountID == accountID {
			u.Accounts = append(u.Accounts[:i], u.Accounts[i+1:]...)
			return true
		}
	}
	return false
}
