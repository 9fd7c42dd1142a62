package gatekit

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Link-flow modes carried inside the state token.
const (
	modeSignIn = "signin"
	modeLink   = "link"
)

// OAuthManager drives the provider redirect/callback exchange and manages a
// user's set of linked provider accounts:
//
//	Initiated -> Authorized -> ProfileFetched -> Linked | Rejected
//
// Any step failure aborts without mutating the repository.
type OAuthManager struct {
	cfg       *Config
	codec     *TokenCodec
	repo      Repository
	providers *ProviderRegistry
	logger    *slog.Logger

	// client performs the profile fetch; injectable for tests.
	client *http.Client

	// Capability probes for the at-least-one-method unlink invariant.
	emailEnabled   bool
	hasCredentials HasCredentialsFunc
}

func NewOAuthManager(cfg *Config, codec *TokenCodec, repo Repository, providers *ProviderRegistry, logger *slog.Logger) *OAuthManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthManager{
		cfg:            cfg,
		codec:          codec,
		repo:           repo,
		providers:      providers,
		logger:         logger,
		client:         http.DefaultClient,
		hasCredentials: func(*User) bool { return false },
	}
}

// Begin builds the provider authorize URL with a fresh anti-CSRF state
// parameter. The state is itself a short-lived signed token, double-submitted
// through a cookie so the callback can bind it to the initiating browser.
// When the request carries an authenticated session the callback runs in
// linking mode against that user.
func (m *OAuthManager) Begin(providerID string, sess *Session) (authURL string, stateCookie *http.Cookie, err error) {
	provider, err := m.providers.OAuth2(providerID)
	if err != nil {
		return "", nil, err
	}

	claims := TokenClaims{
		Provider: providerID,
		Mode:     modeSignIn,
		Nonce:    uuid.NewString(),
	}
	if sess != nil {
		claims.Mode = modeLink
		claims.Subject = sess.UserID
	}
	state, err := m.codec.Mint(KindState, claims, m.cfg.StateTTL)
	if err != nil {
		return "", nil, err
	}

	cookie := &http.Cookie{
		Name:     m.cfg.StateCookieName,
		Value:    state,
		Path:     m.cfg.PathPrefix,
		Domain:   m.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.cfg.StateTTL.Seconds()),
		Expires:  time.Now().Add(m.cfg.StateTTL),
	}

	conf := m.redirectConfig(provider)
	return conf.AuthCodeURL(state), cookie, nil
}

// Callback completes the exchange: validates the echoed state against the
// cookie copy, exchanges the authorization code, fetches the profile and
// resolves it to a local user. The caller (the dispatcher) establishes the
// session afterwards; no session is ever half-established here.
func (m *OAuthManager) Callback(ctx context.Context, providerID string, sess *Session, stateParam, stateCookie, code string) (*User, error) {
	provider, err := m.providers.OAuth2(providerID)
	if err != nil {
		return nil, err
	}

	claims, err := m.verifyState(providerID, sess, stateParam, stateCookie)
	if err != nil {
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
	defer cancel()

	conf := m.redirectConfig(provider)
	token, err := conf.Exchange(exchangeCtx, code)
	if err != nil {
		m.logger.Warn("code exchange failed", "provider", providerID, "err", err)
		return nil, fmt.Errorf("%w: code exchange", ErrProviderExchange)
	}

	profile, err := m.fetchProfile(exchangeCtx, provider, token)
	if err != nil {
		return nil, err
	}
	if profile.AccountID == "" {
		m.logger.Warn("provider profile has no account id", "provider", providerID)
		return nil, fmt.Errorf("%w: profile missing account id", ErrProviderExchange)
	}

	return m.resolve(ctx, claims, profile)
}

// verifyState checks the echoed state parameter. The token must verify, name
// this provider, match the cookie copy, and, in linking mode, belong to the
// session that initiated the link.
func (m *OAuthManager) verifyState(providerID string, sess *Session, stateParam, stateCookie string) (*TokenClaims, error) {
	if stateParam == "" || stateCookie == "" {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(stateParam), []byte(stateCookie)) != 1 {
		return nil, ErrInvalidToken
	}
	claims, err := m.codec.Verify(KindState, stateParam)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Provider != providerID {
		return nil, ErrInvalidToken
	}
	if claims.Mode == modeLink {
		if sess == nil || sess.UserID != claims.Subject {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// fetchProfile retrieves and normalizes the provider profile using the
// access token.
func (m *OAuthManager) fetchProfile(ctx context.Context, provider *OAuth2Provider, token *oauth2.Token) (*ProviderProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderExchange, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("profile fetch failed", "provider", provider.ID(), "err", err)
		return nil, fmt.Errorf("%w: profile fetch", ErrProviderExchange)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: profile fetch status %d", ErrProviderExchange, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderExchange, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed profile", ErrProviderExchange)
	}

	p := &ProviderProfile{
		Provider:  provider.ID(),
		AccountID: provider.accountID(raw),
		Raw:       raw,
	}
	if email, ok := raw["email"].(string); ok {
		p.Email = email
	}
	if name, ok := raw["name"].(string); ok {
		p.Name = name
	}
	return p, nil
}

// resolve maps a fetched profile to a local user per the link state machine:
// an existing link signs its user in, an authenticated session links the
// account to the current user, and an anonymous session creates a new user
// seeded from the profile. Races on first link fail closed into the
// already-linked path.
func (m *OAuthManager) resolve(ctx context.Context, state *TokenClaims, profile *ProviderProfile) (*User, error) {
	ref := &AccountRef{Provider: profile.Provider, AccountID: profile.AccountID}
	existing, err := m.repo.Find(ctx, Query{Account: ref})
	if err != nil {
		return nil, repoErr(err)
	}
	if existing != nil {
		return existing, nil
	}

	if state.Mode == modeLink {
		user, err := m.repo.Deserialize(ctx, state.Subject)
		if err != nil {
			return nil, repoErr(err)
		}
		if user == nil {
			return nil, ErrInvalidToken
		}
		user.Accounts = append(user.Accounts, LinkedAccount{
			UserID:            user.ID,
			Provider:          profile.Provider,
			ProviderAccountID: profile.AccountID,
			DisplayName:       profile.Name,
			LinkedAt:          time.Now(),
		})
		updated, err := m.repo.Update(ctx, user, profile)
		if err != nil {
			return m.resolveRace(ctx, ref, err)
		}
		m.logger.Info("linked provider account", "user", user.ID, "provider", profile.Provider)
		return updated, nil
	}

	// Sign-up via OAuth: new user seeded from the profile, link created in
	// the same insert so the uniqueness constraint covers both.
	user := &User{
		ID:            uuid.NewString(),
		Email:         profile.Email,
		EmailVerified: profile.Email != "",
		Profile:       map[string]any{},
	}
	if profile.Name != "" {
		user.Profile["name"] = profile.Name
	}
	user.Accounts = []LinkedAccount{{
		UserID:            user.ID,
		Provider:          profile.Provider,
		ProviderAccountID: profile.AccountID,
		DisplayName:       profile.Name,
		LinkedAt:          time.Now(),
	}}
	created, err := m.repo.Insert(ctx, user, profile)
	if err != nil {
		return m.resolveRace(ctx, ref, err)
	}
	m.logger.Info("created user from provider profile", "user", created.ID, "provider", profile.Provider)
	return created, nil
}

// resolveRace turns a lost uniqueness race into the winner's user. Any other
// repository error propagates.
func (m *OAuthManager) resolveRace(ctx context.Context, ref *AccountRef, cause error) (*User, error) {
	if !isDuplicateLink(cause) {
		return nil, repoErr(cause)
	}
	winner, err := m.repo.Find(ctx, Query{Account: ref})
	if err != nil {
		return nil, repoErr(err)
	}
	if winner == nil {
		return nil, repoErr(cause)
	}
	m.logger.Info("lost first-link race, resolved to existing link", "user", winner.ID)
	return winner, nil
}

// Unlink removes one of the user's own linked accounts. It is rejected, with
// no state change, when removal would leave the user without any usable
// authentication method.
func (m *OAuthManager) Unlink(ctx context.Context, user *User, providerID, accountID string) error {
	account := user.AccountFor(providerID, accountID)
	if account == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	if m.methodsAfterUnlink(user) == 0 {
		return ErrLinkInvariant
	}

	if !user.RemoveAccount(account.Provider, account.ProviderAccountID) {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if _, err := m.repo.Update(ctx, user, nil); err != nil {
		return repoErr(err)
	}
	m.logger.Info("unlinked provider account", "user", user.ID, "provider", providerID)
	return nil
}

// methodsAfterUnlink counts the authentication methods the user would retain
// after removing one linked account: remaining links, the email method when
// email sign-in is configured and the address is verified, and the
// credentials method when the sign-in hook is configured and the user has a
// credential.
func (m *OAuthManager) methodsAfterUnlink(user *User) int {
	n := len(user.Accounts) - 1
	if m.emailEnabled && user.EmailVerified && user.Email != "" {
		n++
	}
	if m.hasCredentials(user) {
		n++
	}
	return n
}

// redirectConfig copies the provider config with the callback URL this
// deployment serves.
func (m *OAuthManager) redirectConfig(provider *OAuth2Provider) *oauth2.Config {
	conf := provider.Conf
	conf.RedirectURL = fmt.Sprintf("%s%s/oauth/%s/callback", m.cfg.BaseURL, m.cfg.PathPrefix, provider.ID())
	return &conf
}

func isDuplicateLink(err error) bool {
	return errors.Is(err, ErrDuplicateLink)
}
