// Package grpc carries authenticated user identity across gRPC boundaries.
// Clients forward the session token in metadata; the server interceptors
// verify it and expose the user ID to handlers via the context.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys. These can be customized via Config if needed.
const (
	// DefaultMetadataKeySessionToken is the gRPC metadata key carrying the
	// signed session token.
	DefaultMetadataKeySessionToken = "x-session-token"

	// DefaultMetadataKeyUserID is the gRPC metadata key for a pre-verified
	// user ID, trusted only behind a gateway that already checked the token.
	DefaultMetadataKeyUserID = "x-user-id"
)

// Config holds the metadata key configuration for auth context.
type Config struct {
	// MetadataKeySessionToken is the metadata key for the session token.
	// Defaults to "x-session-token".
	MetadataKeySessionToken string

	// MetadataKeyUserID is the metadata key for a pre-verified user ID.
	// Defaults to "x-user-id".
	MetadataKeyUserID string

	// TrustUserIDMetadata when true accepts the user ID key without a
	// token. Enable only when an upstream gateway terminates auth.
	TrustUserIDMetadata bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeySessionToken: DefaultMetadataKeySessionToken,
		MetadataKeyUserID:       DefaultMetadataKeyUserID,
		TrustUserIDMetadata:     false,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeySessionToken == "" {
		c.MetadataKeySessionToken = DefaultMetadataKeySessionToken
	}
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

type contextKey string

const userIDKey contextKey = "gatekit-grpc-user-id"

// withUserID stores the verified user ID on the context for handlers.
func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the verified user ID placed on the context by
// the auth interceptors. Returns empty string for unauthenticated requests.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// IsAuthenticated reports whether the context carries a verified user.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}

// SessionTokenToOutgoingContext attaches a session token to outgoing
// metadata so a downstream service can verify the caller.
func SessionTokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return SessionTokenToOutgoingContextWithKey(ctx, token, DefaultMetadataKeySessionToken)
}

// SessionTokenToOutgoingContextWithKey attaches a session token using a
// custom metadata key.
func SessionTokenToOutgoingContextWithKey(ctx context.Context, token string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, token)
}

// UserIDToOutgoingContext attaches a pre-verified user ID to outgoing
// metadata. Only honored by servers with TrustUserIDMetadata set.
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyUserID, userID)
}

// metadataValue returns the first value for key in incoming metadata.
func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
