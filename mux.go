package gatekit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// callbackCookie remembers where to send the browser after an OAuth round
// trip. Kept short-lived; it carries no authority.
const callbackCookie = "gatekit_callback_url"

// Options carries the injected collaborators for a Service. Repository is
// required; the remaining capabilities are optional and their absence
// statically disables the corresponding routes.
type Options struct {
	Repository Repository
	Providers  []Provider

	// SendSigninEmail enables password-less email sign-in.
	SendSigninEmail SendSigninEmailFunc

	// CredentialsSignIn enables the POST /signin credential route.
	CredentialsSignIn CredentialsSignInFunc

	// HasCredentials informs the unlink invariant check. Defaults to probing
	// the profile for a password_hash entry.
	HasCredentials HasCredentialsFunc

	// HTTPClient performs provider profile fetches. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Service is the authentication core: token codec, session manager, CSRF
// guard, email flow and OAuth link manager behind one HTTP handler. It holds
// no mutable state besides the immutable config and provider registry, so any
// number of instances can serve the same traffic without coordination.
type Service struct {
	cfg       *Config
	repo      Repository
	providers *ProviderRegistry
	logger    *slog.Logger

	Codec    *TokenCodec
	Sessions *SessionManager
	CSRF     *CSRFGuard
	Email    *EmailFlow
	OAuth    *OAuthManager

	signIn         CredentialsSignInFunc
	hasCredentials HasCredentialsFunc

	router *mux.Router
}

// New wires a Service from config and collaborators.
func New(cfg *Config, opts Options) (*Service, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Repository == nil {
		return nil, errors.New("gatekit: a repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := NewProviderRegistry(opts.Providers...)
	if err != nil {
		return nil, err
	}

	codec := NewTokenCodec(cfg, logger)
	sessions := NewSessionManager(cfg, codec, opts.Repository, logger)
	csrf := NewCSRFGuard(cfg, codec, logger)
	email := NewEmailFlow(cfg, codec, opts.Repository, opts.SendSigninEmail, logger)
	oauth := NewOAuthManager(cfg, codec, opts.Repository, registry, logger)
	if opts.HTTPClient != nil {
		oauth.client = opts.HTTPClient
	}
	hasCreds := opts.HasCredentials
	if hasCreds == nil {
		hasCreds = defaultHasCredentials
	}
	oauth.emailEnabled = email.Enabled()
	oauth.hasCredentials = hasCreds
	if opts.CredentialsSignIn == nil {
		// Credential capability absent: it never counts as a retained method.
		oauth.hasCredentials = func(*User) bool { return false }
	}

	s := &Service{
		cfg:            cfg,
		repo:           opts.Repository,
		providers:      registry,
		logger:         logger,
		Codec:          codec,
		Sessions:       sessions,
		CSRF:           csrf,
		Email:          email,
		OAuth:          oauth,
		signIn:         opts.CredentialsSignIn,
		hasCredentials: hasCreds,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler serving every endpoint under the
// configured path prefix.
func (s *Service) Handler() http.Handler { return s.router }

// ServeHTTP makes the Service mountable directly on any mux.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Service) setupRoutes() {
	r := mux.NewRouter()
	sr := r.PathPrefix(s.cfg.PathPrefix).Subrouter()

	sr.HandleFunc("/csrf", s.handleCSRF).Methods(http.MethodGet)
	sr.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	sr.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	sr.HandleFunc("/signout", s.handleSignout).Methods(http.MethodPost)
	sr.HandleFunc("/linked", s.handleLinked).Methods(http.MethodGet)

	if s.Email.Enabled() {
		sr.HandleFunc("/email/signin", s.handleEmailRequest).Methods(http.MethodPost)
		sr.HandleFunc("/email/signin/{token}", s.handleEmailRedeem).Methods(http.MethodGet)
	}
	if s.signIn != nil {
		sr.HandleFunc("/signin", s.handleCredentialsSignIn).Methods(http.MethodPost)
	}

	sr.HandleFunc("/oauth/{provider}", s.handleOAuthBegin).Methods(http.MethodGet)
	sr.HandleFunc("/oauth/{provider}/callback", s.handleOAuthCallback).Methods(http.MethodGet)
	sr.HandleFunc("/oauth/{provider}/unlink", s.handleOAuthUnlink).Methods(http.MethodPost)

	s.router = r
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// GET /csrf
func (s *Service) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := s.Sessions.Resolve(r)
	token, cookie, err := s.CSRF.Issue(sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, map[string]any{"csrfToken": token})
}

// GET /session
func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	user, sess, err := s.Sessions.ResolveUser(r.Context(), r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    publicUser(user),
		"expires": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// GET /providers
func (s *Service) handleProviders(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]string)
	for _, p := range s.providers.All() {
		op, ok := p.(*OAuth2Provider)
		if !ok {
			continue
		}
		out[op.DisplayName()] = map[string]string{
			"signin":   s.cfg.PathPrefix + "/oauth/" + op.ID(),
			"callback": s.cfg.PathPrefix + "/oauth/" + op.ID() + "/callback",
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /email/signin
func (s *Service) handleEmailRequest(w http.ResponseWriter, r *http.Request) {
	sess := s.Sessions.Resolve(r)
	if err := s.CSRF.Validate(r, sess); err != nil {
		s.writeError(w, err)
		return
	}

	email := strings.TrimSpace(strings.ToLower(formValue(r, "email")))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		s.writeError(w, NewAuthError(ErrCodeInvalidEmail, "A valid email address is required", "email"))
		return
	}

	if err := s.Email.Request(r.Context(), email, r); err != nil {
		s.writeError(w, err)
		return
	}
	// Identical response whether or not the address was known.
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GET /email/signin/{token}
func (s *Service) handleEmailRedeem(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	user, err := s.Email.Redeem(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	_, cookie, err := s.Sessions.Establish(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, cookie)
	http.Redirect(w, r, s.redirectTarget(r.URL.Query().Get("to")), http.StatusFound)
}

// POST /signin (credentials; mounted only when the hook is configured)
func (s *Service) handleCredentialsSignIn(w http.ResponseWriter, r *http.Request) {
	sess := s.Sessions.Resolve(r)
	if err := s.CSRF.Validate(r, sess); err != nil {
		s.writeError(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, NewAuthError(ErrCodeMissingField, "Malformed form body", ""))
		return
	}

	user, err := s.signIn(r.Context(), r.PostForm, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if user == nil {
		s.writeError(w, NewAuthError(ErrCodeInvalidCreds, "Sign-in failed, please try again", ""))
		return
	}

	_, cookie, err := s.Sessions.Establish(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, map[string]any{"user": publicUser(user)})
}

// POST /signout
func (s *Service) handleSignout(w http.ResponseWriter, r *http.Request) {
	sess := s.Sessions.Resolve(r)
	if err := s.CSRF.Validate(r, sess); err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, s.Sessions.Clear())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GET /linked
func (s *Service) handleLinked(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.Sessions.ResolveUser(r.Context(), r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if user == nil {
		s.writeError(w, NewAuthError(ErrCodeNotAuthenticated, "Sign in to list linked accounts", ""))
		return
	}
	accounts := user.Accounts
	if accounts == nil {
		accounts = []LinkedAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// GET /oauth/{provider}
func (s *Service) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	sess := s.Sessions.Resolve(r)

	authURL, stateCookie, err := s.OAuth.Begin(providerID, sess)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if target, ok := safeRedirectPath(r.URL.Query().Get("callbackURL")); ok && target != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     callbackCookie,
			Value:    target,
			Path:     s.cfg.PathPrefix,
			HttpOnly: true,
			Secure:   s.cfg.SecureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(s.cfg.StateTTL.Seconds()),
		})
	}
	http.SetCookie(w, stateCookie)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// GET /oauth/{provider}/callback
func (s *Service) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	sess := s.Sessions.Resolve(r)

	stateCookieValue := ""
	if c, err := r.Cookie(s.cfg.StateCookieName); err == nil {
		stateCookieValue = c.Value
	}

	user, err := s.OAuth.Callback(r.Context(), providerID, sess,
		r.URL.Query().Get("state"), stateCookieValue, r.URL.Query().Get("code"))

	// The state cookie is spent either way.
	http.SetCookie(w, s.expireCookie(s.cfg.StateCookieName))
	if err != nil {
		s.writeError(w, err)
		return
	}

	_, cookie, err := s.Sessions.Establish(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, cookie)

	target := "/"
	if c, err := r.Cookie(callbackCookie); err == nil {
		if p, ok := safeRedirectPath(c.Value); ok && p != "" {
			target = p
		}
	}
	http.SetCookie(w, s.expireCookie(callbackCookie))
	http.Redirect(w, r, target, http.StatusFound)
}

// POST /oauth/{provider}/unlink
func (s *Service) handleOAuthUnlink(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	user, sess, err := s.Sessions.ResolveUser(r.Context(), r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if user == nil {
		s.writeError(w, NewAuthError(ErrCodeNotAuthenticated, "Sign in to unlink accounts", ""))
		return
	}
	if err := s.CSRF.Validate(r, sess); err != nil {
		s.writeError(w, err)
		return
	}

	accountID := formValue(r, "account_id")
	if err := s.OAuth.Unlink(r.Context(), user, providerID, accountID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the failure taxonomy onto HTTP responses. Token and CSRF
// failures carry a deliberately generic message; invariant and duplicate-link
// errors are specific because they hold no secret.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	var authErr *AuthError
	switch {
	case errors.As(err, &authErr):
		// pass through below
	case errors.Is(err, ErrInvalidToken):
		authErr = NewAuthError(ErrCodeInvalidToken, "Sign-in failed, please try again", "")
	case errors.Is(err, ErrCSRFRejected):
		authErr = NewAuthError(ErrCodeCSRFRejected, "Request could not be verified, please try again", "")
	case errors.Is(err, ErrUnknownProvider):
		authErr = NewAuthError(ErrCodeUnknownProvider, "Unknown provider", "provider")
	case errors.Is(err, ErrLinkInvariant):
		authErr = NewAuthError(ErrCodeLinkInvariant, "Cannot unlink the last sign-in method for this account", "")
	case errors.Is(err, ErrDuplicateLink):
		authErr = NewAuthError(ErrCodeDuplicateLink, "That provider account is already linked", "")
	case errors.Is(err, ErrProviderExchange):
		authErr = NewAuthError(ErrCodeProviderExchange, "Sign-in provider is unavailable, please try again", "")
	case errors.Is(err, ErrRepository):
		s.logger.Error("repository failure", "err", err)
		authErr = NewAuthError(ErrCodeRepository, "Temporary failure, please try again", "")
	default:
		s.logger.Error("unhandled error", "err", err)
		authErr = NewAuthError("internal_error", "Temporary failure, please try again", "")
	}
	writeJSON(w, statusFor(authErr.Code), authErr)
}

func statusFor(code string) int {
	switch code {
	case ErrCodeInvalidToken, ErrCodeInvalidCreds, ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case ErrCodeCSRFRejected:
		return http.StatusForbidden
	case ErrCodeUnknownProvider:
		return http.StatusNotFound
	case ErrCodeLinkInvariant, ErrCodeDuplicateLink:
		return http.StatusConflict
	case ErrCodeProviderExchange:
		return http.StatusBadGateway
	case ErrCodeMissingField, ErrCodeInvalidEmail:
		return http.StatusBadRequest
	case ErrCodeNotConfigured:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicUser is the externally visible projection of a user record. The
// opaque profile is passed through minus credential material.
func publicUser(u *User) map[string]any {
	profile := make(map[string]any, len(u.Profile))
	for k, v := range u.Profile {
		if k == "password_hash" {
			continue
		}
		profile[k] = v
	}
	return map[string]any{
		"id":             u.ID,
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"profile":        profile,
	}
}

// formValue reads a field from a form post or a JSON body.
func formValue(r *http.Request, field string) string {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var data map[string]any
		if err := json.NewDecoder(r.Body).Decode(&data); err == nil {
			if v, ok := data[field].(string); ok {
				return v
			}
		}
		return ""
	}
	return r.PostFormValue(field)
}

// safeRedirectPath accepts only same-site paths, never absolute URLs or
// protocol-relative ones.
func safeRedirectPath(p string) (string, bool) {
	if p == "" {
		return "", true
	}
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "://") {
		return "", false
	}
	if _, err := url.Parse(p); err != nil {
		return "", false
	}
	return p, true
}

func (s *Service) redirectTarget(to string) string {
	if p, ok := safeRedirectPath(to); ok && p != "" {
		return p
	}
	return "/"
}

func (s *Service) expireCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:    name,
		Value:   "",
		Path:    s.cfg.PathPrefix,
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	}
}
