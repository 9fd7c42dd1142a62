package gatekit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	gk "github.com/gatekit/gatekit"
	"github.com/gatekit/gatekit/stores/memory"
)

func sessionSubject(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub}
}

// fakeIDP is a minimal OAuth2 identity provider: a token endpoint that
// accepts any code and a userinfo endpoint serving a fixed profile.
type fakeIDP struct {
	srv     *httptest.Server
	mu      sync.Mutex
	profile map[string]any
	// failExchange makes the token endpoint return 500.
	failExchange bool
}

func newFakeIDP(profile map[string]any) *fakeIDP {
	idp := &fakeIDP{profile: profile}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		fail := idp.failExchange
		idp.mu.Unlock()
		if fail {
			http.Error(w, "exchange unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fake-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fake-access-token" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		idp.mu.Lock()
		profile := idp.profile
		idp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(profile)
	})
	idp.srv = httptest.NewServer(mux)
	return idp
}

func (f *fakeIDP) provider(id string) *gk.OAuth2Provider {
	return gk.NewOAuth2Provider(id, strings.ToUpper(id[:1])+id[1:], oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.srv.URL + "/authorize",
			TokenURL: f.srv.URL + "/token",
		},
	}, f.srv.URL+"/user")
}

func newOAuthManager(t *testing.T, providers ...gk.Provider) (*gk.OAuthManager, *memory.Store, *gk.TokenCodec) {
	t.Helper()
	cfg := testConfig()
	store := memory.New()
	codec := gk.NewTokenCodec(cfg, nil)
	registry, err := gk.NewProviderRegistry(providers...)
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	return gk.NewOAuthManager(cfg, codec, store, registry, nil), store, codec
}

// stateOf pulls the state parameter out of a generated authorize URL.
func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Parsing auth URL: %v", err)
	}
	return u.Query().Get("state")
}

func TestOAuthBegin(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-1"})
	defer idp.srv.Close()
	mgr, _, codec := newOAuthManager(t, idp.provider("fake"))

	authURL, cookie, err := mgr.Begin("fake", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Parsing auth URL: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-id" {
		t.Errorf("Expected client_id in auth URL, got %q", q.Get("client_id"))
	}
	if !strings.Contains(q.Get("redirect_uri"), "/auth/oauth/fake/callback") {
		t.Errorf("Expected mounted callback in redirect_uri, got %q", q.Get("redirect_uri"))
	}
	state := q.Get("state")
	if state == "" || cookie.Value != state {
		t.Fatal("Expected state parameter mirrored into the state cookie")
	}
	if !cookie.HttpOnly {
		t.Error("State cookie must be HttpOnly")
	}

	claims, err := codec.Verify(gk.KindState, state)
	if err != nil {
		t.Fatalf("Verify state: %v", err)
	}
	if claims.Provider != "fake" || claims.Mode != "signin" {
		t.Errorf("Expected signin state for fake, got %+v", claims)
	}
}

func TestOAuthBeginLinkMode(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-1"})
	defer idp.srv.Close()
	mgr, _, codec := newOAuthManager(t, idp.provider("fake"))

	authURL, _, err := mgr.Begin("fake", &gk.Session{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	claims, err := codec.Verify(gk.KindState, stateOf(t, authURL))
	if err != nil {
		t.Fatalf("Verify state: %v", err)
	}
	if claims.Mode != "link" || claims.Subject != "user-1" {
		t.Errorf("Expected link state bound to user-1, got %+v", claims)
	}
}

func TestOAuthBeginUnknownProvider(t *testing.T) {
	mgr, _, _ := newOAuthManager(t)
	if _, _, err := mgr.Begin("nope", nil); !errors.Is(err, gk.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}
}

func TestOAuthSignInCreatesUser(t *testing.T) {
	idp := newFakeIDP(map[string]any{
		"id":    "acct-1",
		"email": "fresh@example.com",
		"name":  "Fresh User",
	})
	defer idp.srv.Close()
	mgr, store, _ := newOAuthManager(t, idp.provider("fake"))
	ctx := context.Background()

	authURL, cookie, err := mgr.Begin("fake", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	state := stateOf(t, authURL)

	user, err := mgr.Callback(ctx, "fake", nil, state, cookie.Value, "authcode")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if user.Email != "fresh@example.com" {
		t.Errorf("Expected profile email, got %q", user.Email)
	}
	if !user.EmailVerified {
		t.Error("Expected provider-asserted email to count as verified")
	}
	if acct := user.AccountFor("fake", "acct-1"); acct == nil {
		t.Fatal("Expected the provider account to be linked")
	}

	// The same provider account signs the same user back in.
	authURL, cookie, err = mgr.Begin("fake", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	again, err := mgr.Callback(ctx, "fake", nil, stateOf(t, authURL), cookie.Value, "authcode")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("Expected repeat sign-in to resolve to %s, got %s", user.ID, again.ID)
	}

	found, err := store.Find(ctx, gk.Query{Account: &gk.AccountRef{Provider: "fake", AccountID: "acct-1"}})
	if err != nil || found == nil || found.ID != user.ID {
		t.Errorf("Expected account lookup to find the user, got %v / %v", found, err)
	}
}

func TestOAuthLinkModeAttachesAccount(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-9"})
	defer idp.srv.Close()
	mgr, store, _ := newOAuthManager(t, idp.provider("fake"))
	ctx := context.Background()

	existing, err := store.Insert(ctx, &gk.User{ID: "user-1", Email: "me@example.com"}, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	sess := &gk.Session{UserID: existing.ID}

	authURL, cookie, err := mgr.Begin("fake", sess)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	user, err := mgr.Callback(ctx, "fake", sess, stateOf(t, authURL), cookie.Value, "authcode")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if user.ID != existing.ID {
		t.Errorf("Expected link to attach to user-1, got %s", user.ID)
	}
	if user.AccountFor("fake", "acct-9") == nil {
		t.Error("Expected the account to be linked to the session user")
	}
}

func TestOAuthStateValidation(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-1"})
	defer idp.srv.Close()
	mgr, _, codec := newOAuthManager(t, idp.provider("fake"))
	ctx := context.Background()

	authURL, _, err := mgr.Begin("fake", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	state := stateOf(t, authURL)

	otherProviderState, err := codec.Mint(gk.KindState, gk.TokenClaims{Provider: "other", Mode: "signin"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	linkState, err := codec.Mint(gk.KindState, gk.TokenClaims{Provider: "fake", Mode: "link",
		RegisteredClaims: sessionSubject("user-1")}, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tests := []struct {
		name   string
		sess   *gk.Session
		param  string
		cookie string
	}{
		{"missing param", nil, "", state},
		{"missing cookie", nil, state, ""},
		{"param cookie mismatch", nil, state, otherProviderState},
		{"garbage state", nil, "garbage", "garbage"},
		{"state for another provider", nil, otherProviderState, otherProviderState},
		{"link state without session", nil, linkState, linkState},
		{"link state for another user", &gk.Session{UserID: "user-2"}, linkState, linkState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := mgr.Callback(ctx, "fake", tt.sess, tt.param, tt.cookie, "authcode"); !errors.Is(err, gk.ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestOAuthExchangeFailure(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-1"})
	defer idp.srv.Close()
	mgr, _, _ := newOAuthManager(t, idp.provider("fake"))
	ctx := context.Background()

	idp.mu.Lock()
	idp.failExchange = true
	idp.mu.Unlock()

	authURL, cookie, err := mgr.Begin("fake", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := mgr.Callback(ctx, "fake", nil, stateOf(t, authURL), cookie.Value, "authcode"); !errors.Is(err, gk.ErrProviderExchange) {
		t.Errorf("Expected ErrProviderExchange, got %v", err)
	}
}

func TestOAuthProfileMissingAccountID(t *testing.T) {
	idp := newFakeIDP(map[string]any{"email": "no-id@example.com"})
	defer idp.srv.Close()
	mgr, _, _ := newOAuthManager(t, idp.provider("fake"))
	ctx := context.Background()

	authURL, cookie, err := mgr.Begin("fake", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := mgr.Callback(ctx, "fake", nil, stateOf(t, authURL), cookie.Value, "authcode"); !errors.Is(err, gk.ErrProviderExchange) {
		t.Errorf("Expected ErrProviderExchange for profile without account id, got %v", err)
	}
}

func TestOAuthConcurrentFirstLink(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-race", "email": "race@example.com"})
	defer idp.srv.Close()
	mgr, store, _ := newOAuthManager(t, idp.provider("fake"))
	ctx := context.Background()

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			authURL, cookie, err := mgr.Begin("fake", nil)
			if err != nil {
				errs[i] = err
				return
			}
			user, err := mgr.Callback(ctx, "fake", nil, stateOf(t, authURL), cookie.Value, "authcode")
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = user.ID
		}(i)
	}
	wg.Wait()

	// Every caller resolves to the same winner, none errors out.
	winner := ""
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d: %v", i, errs[i])
		}
		if winner == "" {
			winner = results[i]
		}
		if results[i] != winner {
			t.Errorf("Caller %d resolved to %s, expected %s", i, results[i], winner)
		}
	}

	found, err := store.Find(ctx, gk.Query{Account: &gk.AccountRef{Provider: "fake", AccountID: "acct-race"}})
	if err != nil || found == nil {
		t.Fatalf("Expected a winning link, got %v / %v", found, err)
	}
	if found.ID != winner {
		t.Errorf("Expected store winner %s, got %s", winner, found.ID)
	}
}

func TestOAuthUnlink(t *testing.T) {
	idp := newFakeIDP(map[string]any{"id": "acct-1"})
	defer idp.srv.Close()
	mgr, store, _ := newOAuthManager(t, idp.provider("fake"))
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

	// Two links: removing one is fine.
	if err := mgr.Unlink(ctx, user, "google", "g-1"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if user.AccountFor("google", "") != nil {
		t.Error("Expected google link to be gone")
	}

	// The last link must not be removable: no email method, no credentials.
	if err := mgr.Unlink(ctx, user, "github", "h-1"); !errors.Is(err, gk.ErrLinkInvariant) {
		t.Errorf("Expected ErrLinkInvariant, got %v", err)
	}
	if user.AccountFor("github", "h-1") == nil {
		t.Error("Rejected unlink must not mutate the account set")
	}

	// Unlinking something that is not linked is an unknown-provider error.
	if err := mgr.Unlink(ctx, user, "twitter", ""); !errors.Is(err, gk.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}
}
