package gatekit

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"
)

// CSRFHeader and CSRFField are where the guard looks for the request token,
// in that order.
const (
	CSRFHeader = "X-CSRF-Token"
	CSRFField  = "csrfToken"
)

// anonymousScope binds CSRF tokens issued to unauthenticated sessions, so
// pre-login POST flows (requesting a sign-in email) are still protected.
const anonymousScope = "anonymous"

// CSRFGuard issues per-session anti-forgery tokens and validates them on
// every mutating request. Tokens are signed, scoped to the current session,
// and double-submitted: the request token must match the csrf cookie as well
// as verify, so a forged cross-site POST fails on both counts.
//
// Tokens persist for the session lifetime. Re-issuance rotates the token and
// its cookie copy together, so the most recent issuance is the usable pair;
// a client may fetch it as often as it likes.
type CSRFGuard struct {
	cfg    *Config
	codec  *TokenCodec
	logger *slog.Logger
}

func NewCSRFGuard(cfg *Config, codec *TokenCodec, logger *slog.Logger) *CSRFGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSRFGuard{cfg: cfg, codec: codec, logger: logger}
}

// scopeOf maps a session to the scope its CSRF tokens are bound to.
func scopeOf(sess *Session) string {
	if sess == nil || sess.UserID == "" {
		return anonymousScope
	}
	return sess.UserID
}

// Issue mints a CSRF token for the current session context and returns it
// with the cookie that carries the double-submit copy. The cookie is not
// HttpOnly so single-page apps can read it; it carries no authority on its
// own.
func (g *CSRFGuard) Issue(sess *Session) (string, *http.Cookie, error) {
	token, err := g.codec.Mint(KindCSRF, TokenClaims{Scope: scopeOf(sess)}, g.cfg.SessionTTL)
	if err != nil {
		return "", nil, err
	}
	cookie := &http.Cookie{
		Name:     g.cfg.CSRFCookieName,
		Value:    token,
		Path:     g.cfg.PathPrefix,
		Domain:   g.cfg.CookieDomain,
		Secure:   g.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(g.cfg.SessionTTL.Seconds()),
		Expires:  time.Now().Add(g.cfg.SessionTTL),
	}
	return token, cookie, nil
}

// Validate checks the request's CSRF token against the current session
// context. It must run before any side effect on a mutating endpoint; any
// failure is ErrCSRFRejected with no further detail.
func (g *CSRFGuard) Validate(r *http.Request, sess *Session) error {
	token := r.Header.Get(CSRFHeader)
	if token == "" {
		token = r.PostFormValue(CSRFField)
	}
	if token == "" {
		return ErrCSRFRejected
	}

	claims, err := g.codec.Verify(KindCSRF, token)
	if err != nil {
		return ErrCSRFRejected
	}
	if claims.Scope != scopeOf(sess) {
		g.logger.Debug("csrf scope mismatch", "want", scopeOf(sess))
		return ErrCSRFRejected
	}

	// Double-submit: the cookie copy must match the request token.
	cookie, err := r.Cookie(g.cfg.CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return ErrCSRFRejected
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) != 1 {
		return ErrCSRFRejected
	}
	return nil
}
