package gatekit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// SendSigninEmailFunc delivers a sign-in link to the given address. It is an
// injected collaborator; when absent, email sign-in is disabled and its
// routes are never mounted.
type SendSigninEmailFunc func(ctx context.Context, email, signinURL string, r *http.Request) error

// ConsoleEmailSender is a development sender that logs the link instead of
// delivering it.
func ConsoleEmailSender(logger *slog.Logger) SendSigninEmailFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, email, signinURL string, r *http.Request) error {
		logger.Info("sign-in email", "to", email, "url", signinURL)
		return nil
	}
}

// EmailFlow drives password-less sign-in:
//
//	Requested -> Issued -> Redeemed -> SessionEstablished
//
// with terminal Expired/Invalid states collapsed into ErrInvalidToken.
// Tokens are single-use: redemption consumes the repository-side hash before
// any session exists, so concurrent redemptions of the same token yield
// exactly one success.
type EmailFlow struct {
	cfg    *Config
	codec  *TokenCodec
	repo   Repository
	send   SendSigninEmailFunc
	logger *slog.Logger
}

func NewEmailFlow(cfg *Config, codec *TokenCodec, repo Repository, send SendSigninEmailFunc, logger *slog.Logger) *EmailFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailFlow{cfg: cfg, codec: codec, repo: repo, send: send, logger: logger}
}

// Enabled reports whether the send-email collaborator is configured.
func (f *EmailFlow) Enabled() bool { return f.send != nil }

// Request mints a short-TTL sign-in token for the address and emails the
// redemption link. Unknown addresses either create a user or no-op depending
// on configuration; either way the caller observes the same nil return, so
// the endpoint cannot confirm whether an address is registered.
func (f *EmailFlow) Request(ctx context.Context, email string, r *http.Request) error {
	if !f.Enabled() {
		return NewAuthError(ErrCodeNotConfigured, "Email sign-in is not configured", "")
	}

	user, err := f.repo.Find(ctx, Query{Email: email})
	if err != nil {
		return repoErr(err)
	}
	if user == nil {
		if !f.cfg.CreateUnknownEmailUsers {
			// Same outcome as the known-address path, minus the email.
			f.logger.Debug("sign-in requested for unknown address")
			return nil
		}
		user, err = f.repo.Insert(ctx, &User{ID: uuid.NewString(), Email: email}, nil)
		if err != nil {
			return repoErr(err)
		}
	}

	token, err := f.codec.Mint(KindEmail, TokenClaims{
		RegisteredClaims: registeredSubject(user.ID),
		Email:            email,
		Nonce:            uuid.NewString(),
	}, f.cfg.EmailTokenTTL)
	if err != nil {
		return err
	}

	// Persist the hash so redemption can compare-and-clear. Issuing a new
	// token invalidates any outstanding one for the same user.
	user.EmailTokenHash = HashEmailToken(token)
	user.EmailTokenExpires = time.Now().Add(f.cfg.EmailTokenTTL)
	if _, err := f.repo.Update(ctx, user, nil); err != nil {
		return repoErr(err)
	}

	signinURL := fmt.Sprintf("%s%s/email/signin/%s",
		f.cfg.BaseURL, f.cfg.PathPrefix, url.PathEscape(token))
	if err := f.send(ctx, email, signinURL, r); err != nil {
		return fmt.Errorf("sending sign-in email: %w", err)
	}
	f.logger.Info("sign-in email issued", "user", user.ID)
	return nil
}

// Redeem verifies and consumes a sign-in token, returning its user. The
// token is burned before the caller establishes a session; a second
// redemption, an expired token and a tampered token are all ErrInvalidToken.
// Redeeming also marks the address verified, since redemption proves control
// of the mailbox.
func (f *EmailFlow) Redeem(ctx context.Context, token string) (*User, error) {
	claims, err := f.codec.Verify(KindEmail, token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	user, err := f.repo.ConsumeEmailToken(ctx, HashEmailToken(token))
	if err != nil {
		return nil, repoErr(err)
	}
	if user == nil || user.ID != claims.Subject {
		return nil, ErrInvalidToken
	}

	if !user.EmailVerified {
		user.EmailVerified = true
		if _, err := f.repo.Update(ctx, user, nil); err != nil {
			return nil, repoErr(err)
		}
	}
	f.logger.Info("email sign-in redeemed", "user", user.ID)
	return user, nil
}
