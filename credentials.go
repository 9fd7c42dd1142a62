package gatekit

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"
)

// CredentialsSignInFunc validates a submitted credential form and returns the
// authenticated user, or nil when the credentials are wrong. It is an
// optional collaborator; absence statically disables the credentials route.
type CredentialsSignInFunc func(ctx context.Context, form url.Values, r *http.Request) (*User, error)

// HasCredentialsFunc reports whether a user has a usable credential method,
// for the at-least-one-authentication-method check on unlink. The default
// looks for a "password_hash" entry in the opaque profile.
type HasCredentialsFunc func(u *User) bool

func defaultHasCredentials(u *User) bool {
	if u == nil || u.Profile == nil {
		return false
	}
	h, ok := u.Profile["password_hash"].(string)
	return ok && h != ""
}

// NewCredentialsSignIn builds a bcrypt-backed CredentialsSignInFunc over the
// repository, reading "email" and "password" form fields and comparing
// against the password_hash profile entry. Applications with their own
// credential scheme supply their own func instead.
func NewCredentialsSignIn(repo Repository) CredentialsSignInFunc {
	return func(ctx context.Context, form url.Values, r *http.Request) (*User, error) {
		email := form.Get("email")
		password := form.Get("password")
		if email == "" || password == "" {
			return nil, nil
		}
		user, err := repo.Find(ctx, Query{Email: email})
		if err != nil {
			return nil, repoErr(err)
		}
		if user == nil {
			// Burn a comparison anyway so response timing does not reveal
			// whether the address exists.
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, nil
		}
		hash, _ := user.Profile["password_hash"].(string)
		if hash == "" {
			return nil, nil
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return nil, nil
		}
		return user, nil
	}
}

// dummyHash is a valid bcrypt hash of an unguessable value, used to equalize
// timing on unknown-address lookups.
var dummyHash = mustHash("gatekit-timing-pad")

func mustHash(s string) []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}

// SetPassword hashes and stores a password credential in the user's profile.
// The repository persists the change on the next Update.
func SetPassword(u *User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if u.Profile == nil {
		u.Profile = make(map[string]any)
	}
	u.Profile["password_hash"] = string(hash)
	return nil
}
