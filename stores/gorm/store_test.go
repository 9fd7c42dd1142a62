package gorm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	gk "github.com/gatekit/gatekit"
	gkgorm "github.com/gatekit/gatekit/stores/gorm"
)

func newStore(t *testing.T) *gkgorm.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Opening sqlite: %v", err)
	}
	// Each test gets its own schema.
	if err := db.Migrator().DropTable(&gkgorm.UserModel{}, &gkgorm.AccountModel{}); err != nil {
		t.Fatalf("Dropping tables: %v", err)
	}
	if err := gkgorm.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gkgorm.New(db)
}

func TestInsertAndFind(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	inserted, err := store.Insert(ctx, &gk.User{
		ID:            "user-1",
		Email:         "one@example.com",
		EmailVerified: true,
		Profile:       map[string]any{"name": "One"},
		Accounts: []gk.LinkedAccount{
			{UserID: "user-1", Provider: "google", ProviderAccountID: "g-1", DisplayName: "One"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if inserted.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	tests := []struct {
		name string
		q    gk.Query
	}{
		{"by id", gk.Query{ID: "user-1"}},
		{"by email", gk.Query{Email: "one@example.com"}},
		{"by account", gk.Query{Account: &gk.AccountRef{Provider: "google", AccountID: "g-1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := store.Find(ctx, tt.q)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			if u == nil || u.ID != "user-1" {
				t.Fatalf("Expected user-1, got %+v", u)
			}
			if !u.EmailVerified {
				t.Error("Expected EmailVerified to round-trip")
			}
			if u.Profile["name"] != "One" {
				t.Errorf("Expected profile to round-trip, got %+v", u.Profile)
			}
			if u.AccountFor("google", "g-1") == nil {
				t.Error("Expected the linked account to round-trip")
			}
		})
	}
}

func TestFindAbsent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	u, err := store.Find(ctx, gk.Query{ID: "missing"})
	if err != nil || u != nil {
		t.Errorf("Expected (nil, nil), got %v / %v", u, err)
	}
	u, err = store.Find(ctx, gk.Query{Email: "missing@example.com"})
	if err != nil || u != nil {
		t.Errorf("Expected (nil, nil), got %v / %v", u, err)
	}
	u, err = store.Find(ctx, gk.Query{Account: &gk.AccountRef{Provider: "google", AccountID: "x"}})
	if err != nil || u != nil {
		t.Errorf("Expected (nil, nil), got %v / %v", u, err)
	}
}

func TestDuplicateLink(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	account := gk.LinkedAccount{Provider: "google", ProviderAccountID: "g-1"}
	if _, err := store.Insert(ctx, &gk.User{ID: "user-1", Accounts: []gk.LinkedAccount{account}}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := store.Insert(ctx, &gk.User{ID: "user-2", Email: "two@example.com"}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, err := store.Update(ctx, &gk.User{ID: "user-2", Email: "two@example.com",
		Accounts: []gk.LinkedAccount{account}}, nil)
	if !errors.Is(err, gk.ErrDuplicateLink) {
		t.Errorf("Expected ErrDuplicateLink, got %v", err)
	}
}

func TestUpdatePersistsZeroValues(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	user, err := store.Insert(ctx, &gk.User{
		ID:                "user-1",
		Email:             "z@example.com",
		EmailTokenHash:    "hash-1",
		EmailTokenExpires: time.Now().Add(time.Hour),
	}, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Clearing the hash must stick even though it is the zero value.
	user.EmailTokenHash = ""
	if _, err := store.Update(ctx, user, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	reloaded, err := store.Find(ctx, gk.Query{ID: "user-1"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if reloaded.EmailTokenHash != "" {
		t.Errorf("Expected cleared hash to persist, got %q", reloaded.EmailTokenHash)
	}
}

func TestUpdateRemovesUnlinkedAccounts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	user, err := store.Insert(ctx, &gk.User{
		ID: "user-1",
		Accounts: []gk.LinkedAccount{
			{UserID: "user-1", Provider: "google", ProviderAccountID: "g-1"},
			{UserID: "user-1", Provider: "github", ProviderAccountID: "h-1"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	user.RemoveAccount("google", "g-1")
	updated, err := store.Update(ctx, user, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(updated.Accounts) != 1 || updated.Accounts[0].Provider != "github" {
		t.Errorf("Expected only the github link, got %+v", updated.Accounts)
	}

	if u, _ := store.Find(ctx, gk.Query{Account: &gk.AccountRef{Provider: "google", AccountID: "g-1"}}); u != nil {
		t.Error("Expected the removed link to be unclaimable")
	}
}

func TestRemoveUser(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, &gk.User{
		ID: "user-1",
		Accounts: []gk.LinkedAccount{
			{UserID: "user-1", Provider: "google", ProviderAccountID: "g-1"},
		},
	}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.Remove(ctx, "user-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if u, _ := store.Find(ctx, gk.Query{ID: "user-1"}); u != nil {
		t.Error("Expected the user to be gone")
	}
	if u, _ := store.Find(ctx, gk.Query{Account: &gk.AccountRef{Provider: "google", AccountID: "g-1"}}); u != nil {
		t.Error("Expected the user's links to be gone")
	}
}

func TestConsumeEmailTokenSingleUse(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, &gk.User{
		ID:                "user-1",
		EmailTokenHash:    "hash-1",
		EmailTokenExpires: time.Now().Add(time.Hour),
	}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	u, err := store.ConsumeEmailToken(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ConsumeEmailToken: %v", err)
	}
	if u == nil || u.ID != "user-1" {
		t.Fatalf("Expected user-1, got %+v", u)
	}

	if u, _ := store.ConsumeEmailToken(ctx, "hash-1"); u != nil {
		t.Error("Expected second consumption to miss")
	}
	if u, _ := store.ConsumeEmailToken(ctx, ""); u != nil {
		t.Error("Expected empty hash to never match")
	}
}

func TestConsumeExpiredEmailToken(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, &gk.User{
		ID:                "user-1",
		EmailTokenHash:    "hash-old",
		EmailTokenExpires: time.Now().Add(-time.Minute),
	}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if u, _ := store.ConsumeEmailToken(ctx, "hash-old"); u != nil {
		t.Error("Expected expired token to miss")
	}
}
