package gatekit

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Provider is the common header shared by every configured authentication
// method. The concrete types form a closed set (OAuth2Provider,
// EmailProvider, CredentialsProvider) so the dispatcher can branch
// exhaustively with a type switch instead of string dispatch.
type Provider interface {
	ID() string
	DisplayName() string
}

// OAuth2Provider configures one OAuth2 identity provider. Immutable after
// construction; read concurrently by every request.
type OAuth2Provider struct {
	id          string
	displayName string

	// Conf is the oauth2 client configuration. RedirectURL is filled in by
	// the dispatcher from BaseURL + PathPrefix at mount time.
	Conf oauth2.Config

	// UserInfoURL is fetched with the access token to obtain the profile.
	UserInfoURL string

	// AccountID extracts the provider-scoped account id from the profile.
	// Defaults to the "id" (stringified) or "sub" field.
	AccountID func(profile map[string]any) string
}

func (p *OAuth2Provider) ID() string          { return p.id }
func (p *OAuth2Provider) DisplayName() string { return p.displayName }

// NewOAuth2Provider builds a provider from explicit endpoint configuration.
func NewOAuth2Provider(id, displayName string, conf oauth2.Config, userInfoURL string) *OAuth2Provider {
	return &OAuth2Provider{id: id, displayName: displayName, Conf: conf, UserInfoURL: userInfoURL}
}

// NewGoogleProvider configures Google sign-in with the standard endpoints.
func NewGoogleProvider(clientID, clientSecret string) *OAuth2Provider {
	return &OAuth2Provider{
		id:          "google",
		displayName: "Google",
		Conf: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}
}

// NewGitHubProvider configures GitHub sign-in with the standard endpoints.
func NewGitHubProvider(clientID, clientSecret string) *OAuth2Provider {
	return &OAuth2Provider{
		id:          "github",
		displayName: "GitHub",
		Conf: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.GitHub,
			Scopes:       []string{"read:user", "user:email"},
		},
		UserInfoURL: "https://api.github.com/user",
	}
}

// accountID applies the provider's extractor with the common fallbacks.
func (p *OAuth2Provider) accountID(profile map[string]any) string {
	if p.AccountID != nil {
		return p.AccountID(profile)
	}
	switch v := profile["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	if sub, ok := profile["sub"].(string); ok {
		return sub
	}
	return ""
}

// EmailProvider marks the password-less email capability as a configured
// method so it shows up alongside OAuth providers.
type EmailProvider struct{}

func (EmailProvider) ID() string          { return "email" }
func (EmailProvider) DisplayName() string { return "Email" }

// CredentialsProvider marks the custom credential sign-in capability.
type CredentialsProvider struct{}

func (CredentialsProvider) ID() string          { return "credentials" }
func (CredentialsProvider) DisplayName() string { return "Credentials" }

// ProviderRegistry holds the configured providers, loaded once at startup and
// read-only afterwards.
type ProviderRegistry struct {
	byID  map[string]Provider
	order []string
}

// NewProviderRegistry registers providers by id. Ids must be unique.
func NewProviderRegistry(providers ...Provider) (*ProviderRegistry, error) {
	r := &ProviderRegistry{byID: make(map[string]Provider)}
	for _, p := range providers {
		if _, ok := r.byID[p.ID()]; ok {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID())
		}
		r.byID[p.ID()] = p
		r.order = append(r.order, p.ID())
	}
	return r, nil
}

// OAuth2 looks up an OAuth2 provider by id. A missing id and an id registered
// for a different family both yield ErrUnknownProvider.
func (r *ProviderRegistry) OAuth2(id string) (*OAuth2Provider, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	op, ok := p.(*OAuth2Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return op, nil
}

// All returns the providers in registration order.
func (r *ProviderRegistry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
