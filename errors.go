package gatekit

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Handlers map these onto HTTP
// responses; token and CSRF failures are collapsed into a single generic
// user-visible message so callers cannot distinguish "expired" from
// "tampered" from "no such user".
var (
	// ErrInvalidToken covers malformed encoding, signature mismatch, expiry,
	// and kind mismatch. Callers must not expose the underlying cause.
	ErrInvalidToken = errors.New("invalid token")

	// ErrCSRFRejected indicates a mutating request without a valid CSRF token.
	ErrCSRFRejected = errors.New("csrf token rejected")

	// ErrUnknownProvider indicates a provider id with no registered config.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrProviderExchange indicates a failed code exchange or profile fetch,
	// including timeouts.
	ErrProviderExchange = errors.New("provider exchange failed")

	// ErrRepository wraps failures from the injected repository collaborator.
	ErrRepository = errors.New("repository failure")

	// ErrLinkInvariant indicates an unlink that would leave the user with
	// zero usable authentication methods.
	ErrLinkInvariant = errors.New("unlink would remove last authentication method")

	// ErrDuplicateLink indicates a (provider, account) pair already linked to
	// another user. Repository adapters return this on uniqueness violations
	// so concurrent first-link races fail closed into the already-linked path.
	ErrDuplicateLink = errors.New("provider account already linked")
)

// Error codes used in HTTP error responses
const (
	ErrCodeInvalidToken     = "invalid_token"
	ErrCodeCSRFRejected     = "csrf_rejected"
	ErrCodeUnknownProvider  = "unknown_provider"
	ErrCodeProviderExchange = "provider_exchange_failed"
	ErrCodeRepository       = "repository_failure"
	ErrCodeLinkInvariant    = "link_invariant_violation"
	ErrCodeDuplicateLink    = "duplicate_link"
	ErrCodeNotAuthenticated = "not_authenticated"
	ErrCodeMissingField     = "missing_field"
	ErrCodeInvalidEmail     = "invalid_email"
	ErrCodeInvalidCreds     = "invalid_credentials"
	ErrCodeNotConfigured    = "not_configured"
)

// AuthError is the JSON error shape returned by the HTTP handlers.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func NewAuthError(code, message, field string) *AuthError {
	return &AuthError{Code: code, Message: message, Field: field}
}

func (e *AuthError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// repoErr wraps a repository failure so errors.Is(err, ErrRepository) holds.
func repoErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}
