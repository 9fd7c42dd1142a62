package gatekit

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Session is the resolved identity of an inbound request. A nil *Session
// means anonymous; expired and tampered cookies are indistinguishable from an
// absent one.
type Session struct {
	UserID    string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionManager binds session tokens to cookies. There is no server-side
// session table: resolution is pure token verification, and establishing or
// clearing a session only describes cookie intent. Writing response headers
// stays with the dispatcher.
type SessionManager struct {
	cfg    *Config
	codec  *TokenCodec
	repo   Repository
	logger *slog.Logger
}

func NewSessionManager(cfg *Config, codec *TokenCodec, repo Repository, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{cfg: cfg, codec: codec, repo: repo, logger: logger}
}

// Resolve inspects the request's cookies and returns the authenticated
// session, or nil for anonymous. No repository call is made; session validity
// does not require the user to still exist.
func (m *SessionManager) Resolve(r *http.Request) *Session {
	for _, cookie := range r.CookiesNamed(m.cfg.SessionCookieName) {
		if cookie.Value == "" {
			continue
		}
		claims, err := m.codec.Verify(KindSession, cookie.Value)
		if err != nil {
			continue
		}
		if claims.Subject == "" {
			continue
		}
		return &Session{
			UserID:    claims.Subject,
			Token:     cookie.Value,
			IssuedAt:  claims.IssuedAt.Time,
			ExpiresAt: claims.ExpiresAt.Time,
		}
	}
	return nil
}

// ResolveUser resolves the session and hydrates the user record through the
// repository. Returns (nil, nil) for anonymous requests and for sessions
// whose user no longer exists, giving callers revoked-user semantics.
func (m *SessionManager) ResolveUser(ctx context.Context, r *http.Request) (*User, *Session, error) {
	sess := m.Resolve(r)
	if sess == nil {
		return nil, nil, nil
	}
	user, err := m.repo.Deserialize(ctx, sess.UserID)
	if err != nil {
		return nil, sess, repoErr(err)
	}
	if user == nil {
		return nil, nil, nil
	}
	return user, sess, nil
}

// Establish mints a session token for the user and returns it with the
// cookie that carries it. Session establishment is the last step of every
// flow; callers must have finished all validation before calling this.
func (m *SessionManager) Establish(user *User) (string, *http.Cookie, error) {
	subject, err := m.repo.Serialize(user)
	if err != nil {
		return "", nil, repoErr(err)
	}
	token, err := m.codec.Mint(KindSession, TokenClaims{
		RegisteredClaims: registeredSubject(subject),
	}, m.cfg.SessionTTL)
	if err != nil {
		return "", nil, err
	}
	return token, m.sessionCookie(token, m.cfg.SessionTTL), nil
}

// Clear returns the cookie that removes the session on the client.
func (m *SessionManager) Clear() *http.Cookie {
	c := m.sessionCookie("", 0)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (m *SessionManager) sessionCookie(token string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     m.cfg.SessionCookieName,
		Value:    token,
		Path:     m.cfg.PathPrefix,
		Domain:   m.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl.Seconds())
		c.Expires = time.Now().Add(ttl)
	}
	return c
}
