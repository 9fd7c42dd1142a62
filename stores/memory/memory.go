// Package memory provides an in-process Repository for tests and small
// deployments. All operations are guarded by one mutex, which trivially
// satisfies the atomicity the core requires from a repository.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatekit/gatekit"
)

type Store struct {
	mu       sync.Mutex
	users    map[string]*gatekit.User // by id
	byEmail  map[string]string        // email -> id
	accounts map[string]string        // provider:accountID -> id
}

func New() *Store {
	return &Store{
		users:    make(map[string]*gatekit.User),
		byEmail:  make(map[string]string),
		accounts: make(map[string]string),
	}
}

func accountKey(provider, accountID string) string {
	return provider + ":" + accountID
}

// clone keeps callers from mutating stored state through returned pointers.
func clone(u *gatekit.User) *gatekit.User {
	if u == nil {
		return nil
	}
	out := *u
	out.Accounts = append([]gatekit.LinkedAccount(nil), u.Accounts...)
	if u.Profile != nil {
		out.Profile = make(map[string]any, len(u.Profile))
		for k, v := range u.Profile {
			out.Profile[k] = v
		}
	}
	return &out
}

func (s *Store) Find(ctx context.Context, q gatekit.Query) (*gatekit.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case q.ID != "":
		return clone(s.users[q.ID]), nil
	case q.Email != "":
		return clone(s.users[s.byEmail[q.Email]]), nil
	case q.EmailTokenHash != "":
		for _, u := range s.users {
			if u.EmailTokenHash == q.EmailTokenHash {
				return clone(u), nil
			}
		}
		return nil, nil
	case q.Account != nil:
		return clone(s.users[s.accounts[accountKey(q.Account.Provider, q.Account.AccountID)]]), nil
	}
	return nil, fmt.Errorf("empty query")
}

func (s *Store) Insert(ctx context.Context, u *gatekit.User, p *gatekit.ProviderProfile) (*gatekit.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return nil, fmt.Errorf("user %s already exists", u.ID)
	}
	for _, a := range u.Accounts {
		if owner, ok := s.accounts[accountKey(a.Provider, a.ProviderAccountID)]; ok && owner != u.ID {
			return nil, gatekit.ErrDuplicateLink
		}
	}

	stored := clone(u)
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.users[stored.ID] = stored
	if stored.Email != "" {
		s.byEmail[stored.Email] = stored.ID
	}
	for _, a := range stored.Accounts {
		s.accounts[accountKey(a.Provider, a.ProviderAccountID)] = stored.ID
	}
	return clone(stored), nil
}

func (s *Store) Update(ctx context.Context, u *gatekit.User, p *gatekit.ProviderProfile) (*gatekit.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[u.ID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", u.ID)
	}
	for _, a := range u.Accounts {
		if owner, ok := s.accounts[accountKey(a.Provider, a.ProviderAccountID)]; ok && owner != u.ID {
			return nil, gatekit.ErrDuplicateLink
		}
	}

	// Drop index entries for accounts the update removed.
	for _, a := range prev.Accounts {
		if u.AccountFor(a.Provider, a.ProviderAccountID) == nil {
			delete(s.accounts, accountKey(a.Provider, a.ProviderAccountID))
		}
	}
	if prev.Email != "" && prev.Email != u.Email {
		delete(s.byEmail, prev.Email)
	}

	stored := clone(u)
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = time.Now()
	s.users[stored.ID] = stored
	if stored.Email != "" {
		s.byEmail[stored.Email] = stored.ID
	}
	for _, a := range stored.Accounts {
		s.accounts[accountKey(a.Provider, a.ProviderAccountID)] = stored.ID
	}
	return clone(stored), nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil
	}
	delete(s.users, id)
	if u.Email != "" {
		delete(s.byEmail, u.Email)
	}
	for _, a := range u.Accounts {
		delete(s.accounts, accountKey(a.Provider, a.ProviderAccountID))
	}
	return nil
}

func (s *Store) Serialize(u *gatekit.User) (string, error) {
	if u == nil || u.ID == "" {
		return "", fmt.Errorf("cannot serialize empty user")
	}
	return u.ID, nil
}

func (s *Store) Deserialize(ctx context.Context, id string) (*gatekit.User, error) {
	return s.Find(ctx, gatekit.Query{ID: id})
}

// ConsumeEmailToken clears an outstanding token hash under the store mutex,
// so exactly one concurrent redeemer observes the hash and wins.
func (s *Store) ConsumeEmailToken(ctx context.Context, hash string) (*gatekit.User, error) {
	if hash == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.EmailTokenHash != hash {
			continue
		}
		if time.Now().After(u.EmailTokenExpires) {
			return nil, nil
		}
		u.EmailTokenHash = ""
		u.EmailTokenExpires = time.Time{}
		u.UpdatedAt = time.Now()
		return clone(u), nil
	}
	return nil, nil
}

var _ gatekit.Repository = (*Store)(nil)
