// Package gae provides a Google Cloud Datastore-backed Repository for App
// Engine deployments. Linked accounts are separate entities whose key names
// encode (provider, account id), so datastore transactions give the
// uniqueness guarantee the core needs; email-token consumption runs as a
// transactional compare-and-clear.
package gae

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"

	"github.com/gatekit/gatekit"
)

const (
	kindUser    = "User"
	kindAccount = "LinkedAccount"
)

// userEntity is the Datastore entity for users. The opaque profile travels
// as JSON since datastore cannot index arbitrary maps.
type userEntity struct {
	Key               *datastore.Key `datastore:"__key__"`
	Email             string         `datastore:"email"`
	EmailVerified     bool           `datastore:"email_verified"`
	EmailTokenHash    string         `datastore:"email_token_hash"`
	EmailTokenExpires time.Time      `datastore:"email_token_expires,noindex"`
	Profile           []byte         `datastore:"profile,noindex"`
	CreatedAt         time.Time      `datastore:"created_at"`
	UpdatedAt         time.Time      `datastore:"updated_at"`
}

// accountEntity is keyed by provider + ":" + accountID.
type accountEntity struct {
	Key         *datastore.Key `datastore:"__key__"`
	UserID      string         `datastore:"user_id"`
	Provider    string         `datastore:"provider"`
	AccountID   string         `datastore:"account_id"`
	DisplayName string         `datastore:"display_name,noindex"`
	LinkedAt    time.Time      `datastore:"linked_at"`
}

type Store struct {
	client    *datastore.Client
	namespace string
}

func New(client *datastore.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) key(kind, name string) *datastore.Key {
	k := datastore.NameKey(kind, name, nil)
	k.Namespace = s.namespace
	return k
}

func accountKeyName(provider, accountID string) string {
	return provider + ":" + accountID
}

func (s *Store) Find(ctx context.Context, q gatekit.Query) (*gatekit.User, error) {
	switch {
	case q.ID != "":
		return s.getUser(ctx, q.ID)
	case q.Email != "":
		return s.queryOne(ctx, "email", q.Email)
	case q.EmailTokenHash != "":
		return s.queryOne(ctx, "email_token_hash", q.EmailTokenHash)
	case q.Account != nil:
		var account accountEntity
		err := s.client.Get(ctx, s.key(kindAccount, accountKeyName(q.Account.Provider, q.Account.AccountID)), &account)
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return s.getUser(ctx, account.UserID)
	}
	return nil, fmt.Errorf("empty query")
}

func (s *Store) queryOne(ctx context.Context, field, value string) (*gatekit.User, error) {
	query := datastore.NewQuery(kindUser).Namespace(s.namespace).
		FilterField(field, "=", value).Limit(1)
	var entities []userEntity
	if _, err := s.client.GetAll(ctx, query, &entities); err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return s.hydrate(ctx, &entities[0])
}

func (s *Store) getUser(ctx context.Context, id string) (*gatekit.User, error) {
	var entity userEntity
	err := s.client.Get(ctx, s.key(kindUser, id), &entity)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entity.Key = s.key(kindUser, id)
	return s.hydrate(ctx, &entity)
}

func (s *Store) hydrate(ctx context.Context, entity *userEntity) (*gatekit.User, error) {
	u := &gatekit.User{
		ID:                entity.Key.Name,
		Email:             entity.Email,
		EmailVerified:     entity.EmailVerified,
		EmailTokenHash:    entity.EmailTokenHash,
		EmailTokenExpires: entity.EmailTokenExpires,
		CreatedAt:         entity.CreatedAt,
		UpdatedAt:         entity.UpdatedAt,
	}
	if len(entity.Profile) > 0 {
		if err := json.Unmarshal(entity.Profile, &u.Profile); err != nil {
			return nil, err
		}
	}

	query := datastore.NewQuery(kindAccount).Namespace(s.namespace).
		FilterField("user_id", "=", u.ID)
	var accounts []accountEntity
	if _, err := s.client.GetAll(ctx, query, &accounts); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		u.Accounts = append(u.Accounts, gatekit.LinkedAccount{
			UserID:            a.UserID,
			Provider:          a.Provider,
			ProviderAccountID: a.AccountID,
			DisplayName:       a.DisplayName,
			LinkedAt:          a.LinkedAt,
		})
	}
	return u, nil
}

func (s *Store) Insert(ctx context.Context, u *gatekit.User, p *gatekit.ProviderProfile) (*gatekit.User, error) {
	now := time.Now()
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		userKey := s.key(kindUser, u.ID)
		var existing userEntity
		if err := tx.Get(userKey, &existing); err == nil {
			return fmt.Errorf("user %s already exists", u.ID)
		} else if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}

		entity, err := toEntity(u, userKey, now, now)
		if err != nil {
			return err
		}
		if _, err := tx.Put(userKey, entity); err != nil {
			return err
		}
		return s.putAccounts(tx, u)
	})
	if err != nil {
		return nil, err
	}
	return s.getUser(ctx, u.ID)
}

func (s *Store) Update(ctx context.Context, u *gatekit.User, p *gatekit.ProviderProfile) (*gatekit.User, error) {
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		userKey := s.key(kindUser, u.ID)
		var prev userEntity
		if err := tx.Get(userKey, &prev); err != nil {
			return err
		}

		entity, err := toEntity(u, userKey, prev.CreatedAt, time.Now())
		if err != nil {
			return err
		}
		if _, err := tx.Put(userKey, entity); err != nil {
			return err
		}
		return s.putAccounts(tx, u)
	})
	if err != nil {
		return nil, err
	}

	// Removed links are reconciled outside the transaction: datastore
	// queries inside transactions need ancestor keys these entities lack.
	query := datastore.NewQuery(kindAccount).Namespace(s.namespace).
		FilterField("user_id", "=", u.ID)
	var accounts []accountEntity
	if _, err := s.client.GetAll(ctx, query, &accounts); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if u.AccountFor(a.Provider, a.AccountID) == nil {
			if err := s.client.Delete(ctx, s.key(kindAccount, accountKeyName(a.Provider, a.AccountID))); err != nil {
				return nil, err
			}
		}
	}
	return s.getUser(ctx, u.ID)
}

// putAccounts creates or verifies one entity per linked account inside tx. An
// entity owned by another user aborts with ErrDuplicateLink, which the core
// resolves to the winning user.
func (s *Store) putAccounts(tx *datastore.Transaction, u *gatekit.User) error {
	for _, a := range u.Accounts {
		key := s.key(kindAccount, accountKeyName(a.Provider, a.ProviderAccountID))
		var existing accountEntity
		err := tx.Get(key, &existing)
		switch {
		case errors.Is(err, datastore.ErrNoSuchEntity):
			entity := &accountEntity{
				Key:         key,
				UserID:      u.ID,
				Provider:    a.Provider,
				AccountID:   a.ProviderAccountID,
				DisplayName: a.DisplayName,
				LinkedAt:    time.Now(),
			}
			if _, err := tx.Put(key, entity); err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.UserID != u.ID:
			return gatekit.ErrDuplicateLink
		}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	user, err := s.getUser(ctx, id)
	if err != nil || user == nil {
		return err
	}
	keys := []*datastore.Key{s.key(kindUser, id)}
	for _, a := range user.Accounts {
		keys = append(keys, s.key(kindAccount, accountKeyName(a.Provider, a.ProviderAccountID)))
	}
	return s.client.DeleteMulti(ctx, keys)
}

func (s *Store) Serialize(u *gatekit.User) (string, error) {
	if u == nil || u.ID == "" {
		return "", fmt.Errorf("cannot serialize empty user")
	}
	return u.ID, nil
}

func (s *Store) Deserialize(ctx context.Context, id string) (*gatekit.User, error) {
	return s.getUser(ctx, id)
}

// ConsumeEmailToken looks the user up by hash, then clears the hash in a
// transaction that re-checks it, so only one concurrent redeemer commits.
func (s *Store) ConsumeEmailToken(ctx context.Context, hash string) (*gatekit.User, error) {
	if hash == "" {
		return nil, nil
	}
	user, err := s.queryOne(ctx, "email_token_hash", hash)
	if err != nil || user == nil {
		return nil, err
	}
	if time.Now().After(user.EmailTokenExpires) {
		return nil, nil
	}

	won := false
	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		userKey := s.key(kindUser, user.ID)
		var entity userEntity
		if err := tx.Get(userKey, &entity); err != nil {
			return err
		}
		if entity.EmailTokenHash != hash {
			// Another redeemer got here first.
			return nil
		}
		entity.Key = userKey
		entity.EmailTokenHash = ""
		entity.EmailTokenExpires = time.Time{}
		entity.UpdatedAt = time.Now()
		if _, err := tx.Put(userKey, &entity); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	return s.getUser(ctx, user.ID)
}

func toEntity(u *gatekit.User, key *datastore.Key, createdAt, updatedAt time.Time) (*userEntity, error) {
	var profile []byte
	if u.Profile != nil {
		var err error
		if profile, err = json.Marshal(u.Profile); err != nil {
			return nil, err
		}
	}
	return &userEntity{
		Key:               key,
		Email:             u.Email,
		EmailVerified:     u.EmailVerified,
		EmailTokenHash:    u.EmailTokenHash,
		EmailTokenExpires: u.EmailTokenExpires,
		Profile:           profile,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

var _ gatekit.Repository = (*Store)(nil)
