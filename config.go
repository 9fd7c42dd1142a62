package gatekit

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the process-wide immutable configuration. It is constructed
// once at startup and passed by reference into every component constructor,
// never read through ambient lookups, so components stay testable with
// fixture secrets.
type Config struct {
	// Secret signs every token the codec mints. Required.
	Secret string `env:"GATEKIT_SECRET"`

	// Issuer is the iss claim on minted tokens.
	Issuer string `env:"GATEKIT_ISSUER" envDefault:"gatekit"`

	// BaseURL is the externally visible origin, used to build email sign-in
	// links (e.g. "https://app.example.com").
	BaseURL string `env:"GATEKIT_BASE_URL" envDefault:"http://localhost:8080"`

	// PathPrefix is the route prefix all endpoints are mounted under.
	PathPrefix string `env:"GATEKIT_PATH_PREFIX" envDefault:"/auth"`

	// Cookie attributes. Cookies are always HttpOnly (except the CSRF cookie,
	// which SPAs must be able to read) and SameSite=Lax; Secure is set when
	// the deployment is TLS-terminated.
	CookieDomain  string `env:"GATEKIT_COOKIE_DOMAIN"`
	SecureCookies bool   `env:"GATEKIT_SECURE_COOKIES"`

	SessionCookieName string `env:"GATEKIT_SESSION_COOKIE" envDefault:"gatekit_session"`
	CSRFCookieName    string `env:"GATEKIT_CSRF_COOKIE" envDefault:"gatekit_csrf"`
	StateCookieName   string `env:"GATEKIT_STATE_COOKIE" envDefault:"gatekit_oauth_state"`

	// Token lifetimes. Email tokens are minutes, not hours.
	SessionTTL    time.Duration `env:"GATEKIT_SESSION_TTL" envDefault:"24h"`
	EmailTokenTTL time.Duration `env:"GATEKIT_EMAIL_TOKEN_TTL" envDefault:"15m"`
	StateTTL      time.Duration `env:"GATEKIT_STATE_TTL" envDefault:"5m"`

	// ClockSkew is the grace window tolerated around token expiry boundaries.
	ClockSkew time.Duration `env:"GATEKIT_CLOCK_SKEW" envDefault:"0s"`

	// ExchangeTimeout bounds the OAuth code-exchange and profile-fetch calls.
	ExchangeTimeout time.Duration `env:"GATEKIT_EXCHANGE_TIMEOUT" envDefault:"10s"`

	// CreateUnknownEmailUsers controls whether requesting a sign-in email for
	// an unseen address creates a user record. When false the request is a
	// constant-shape no-op so the endpoint cannot be used as an address
	// enumeration oracle.
	CreateUnknownEmailUsers bool `env:"GATEKIT_CREATE_UNKNOWN_EMAIL_USERS" envDefault:"true"`
}

// LoadConfigFromEnv loads configuration from GATEKIT_* environment variables
// and applies defaults. The secret has no default: a missing secret is an
// error, never a fallback value.
func LoadConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	cfg.EnsureDefaults()
	if cfg.Secret == "" {
		return nil, fmt.Errorf("GATEKIT_SECRET is required")
	}
	return &cfg, nil
}

// EnsureDefaults fills zero values with the documented defaults. Returns the
// receiver for chaining.
func (c *Config) EnsureDefaults() *Config {
	if c.Issuer == "" {
		c.Issuer = "gatekit"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.PathPrefix == "" {
		c.PathPrefix = "/auth"
	}
	c.PathPrefix = "/" + strings.Trim(c.PathPrefix, "/")
	if c.SessionCookieName == "" {
		c.SessionCookieName = "gatekit_session"
	}
	if c.CSRFCookieName == "" {
		c.CSRFCookieName = "gatekit_csrf"
	}
	if c.StateCookieName == "" {
		c.StateCookieName = "gatekit_oauth_state"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.EmailTokenTTL <= 0 {
		c.EmailTokenTTL = 15 * time.Minute
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 5 * time.Minute
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	return c
}

// Validate checks invariants that EnsureDefaults cannot repair.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: signing secret is required")
	}
	return nil
}
