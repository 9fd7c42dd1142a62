package gatekit

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind discriminates the token classes the codec mints. The kind is
// covered by the signature, so a session token can never be replayed as an
// email sign-in token or vice versa.
type TokenKind string

const (
	KindSession TokenKind = "session"
	KindEmail   TokenKind = "email"
	KindCSRF    TokenKind = "csrf"
	KindState   TokenKind = "state"
)

// TokenClaims is the payload carried inside a signed token. Which fields are
// populated depends on the kind: session tokens carry Subject, email tokens
// Subject+Email+Nonce, CSRF tokens Scope+Nonce, state tokens
// Provider+Mode+Subject+Nonce.
type TokenClaims struct {
	Kind     TokenKind `json:"knd"`
	Email    string    `json:"eml,omitempty"`
	Nonce    string    `json:"non,omitempty"`
	Scope    string    `json:"scp,omitempty"`
	Provider string    `json:"prv,omitempty"`
	Mode     string    `json:"mod,omitempty"`
	jwt.RegisteredClaims
}

// registeredSubject seeds RegisteredClaims with just a subject.
func registeredSubject(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub}
}

// TokenCodec signs, serializes, verifies and expires tokens. It is a pure
// function over the process-wide secret plus payload and performs no I/O.
type TokenCodec struct {
	secret []byte
	issuer string
	skew   time.Duration
	logger *slog.Logger

	// now is swappable in tests
	now func() time.Time
}

func NewTokenCodec(cfg *Config, logger *slog.Logger) *TokenCodec {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCodec{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		skew:   cfg.ClockSkew,
		logger: logger,
		now:    time.Now,
	}
}

// Mint signs a token of the given kind carrying claims, valid for ttl.
// Issuer, issued-at, expiry and a fresh token id are filled in here; callers
// only supply the kind-specific payload.
func (c *TokenCodec) Mint(kind TokenKind, claims TokenClaims, ttl time.Duration) (string, error) {
	now := c.now()
	claims.Kind = kind
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.ID = uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	return token.SignedString(c.secret)
}

// Verify parses and validates a token of the expected kind. It fails closed:
// malformed encoding, signature mismatch, an expired token and a kind
// mismatch all collapse into ErrInvalidToken so callers cannot be used as an
// oracle distinguishing failure causes. The specific cause goes to the debug
// log only.
func (c *TokenCodec) Verify(kind TokenKind, tokenString string) (*TokenClaims, error) {
	var claims TokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	},
		jwt.WithIssuer(c.issuer),
		jwt.WithLeeway(c.skew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	)
	if err != nil || !token.Valid {
		c.logger.Debug("token verification failed", "kind", kind, "err", err)
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		c.logger.Debug("token kind mismatch", "want", kind, "got", claims.Kind)
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
