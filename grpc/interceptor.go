package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gatekit/gatekit"
)

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Codec verifies session tokens found in metadata. Required unless
	// TrustUserIDMetadata is set.
	Codec *gatekit.TokenCodec

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests proceed but UserIDFromContext returns empty.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Only used when RequireAuth is true.
	// Keys are full method names like "/package.Service/Method".
	PublicMethods map[string]bool
}

// NewInterceptorConfig returns a config that requires a valid session token
// for all methods.
func NewInterceptorConfig(codec *gatekit.TokenCodec) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Codec:         codec,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// WithPublicMethods marks the given full method names as callable without
// authentication and returns the config for chaining.
func (c *InterceptorConfig) WithPublicMethods(methods ...string) *InterceptorConfig {
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	for _, m := range methods {
		c.PublicMethods[m] = true
	}
	return c
}

// OptionalAuthConfig returns a config that verifies tokens when present but
// allows unauthenticated requests through.
func OptionalAuthConfig(codec *gatekit.TokenCodec) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Codec:         codec,
		RequireAuth:   false,
		PublicMethods: make(map[string]bool),
	}
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that verifies the
// session token in metadata and stores the user ID on the handler context.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = normalized(config)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		userID := resolveUserID(ctx, config)

		if config.RequireAuth && !config.PublicMethods[info.FullMethod] && userID == "" {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		if userID != "" {
			ctx = withUserID(ctx, userID)
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor returns a gRPC stream interceptor with the same
// semantics as UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = normalized(config)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		userID := resolveUserID(ctx, config)

		if config.RequireAuth && !config.PublicMethods[info.FullMethod] && userID == "" {
			return status.Error(codes.Unauthenticated, "authentication required")
		}
		if userID != "" {
			ss = &wrappedStream{ServerStream: ss, ctx: withUserID(ctx, userID)}
		}
		return handler(srv, ss)
	}
}

func normalized(config *InterceptorConfig) *InterceptorConfig {
	if config == nil {
		config = &InterceptorConfig{RequireAuth: true}
	}
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.EnsureDefaults()
	if config.PublicMethods == nil {
		config.PublicMethods = make(map[string]bool)
	}
	return config
}

// resolveUserID extracts and verifies the caller identity from metadata.
// An invalid or expired token resolves to anonymous rather than an error;
// RequireAuth decides whether anonymous calls are rejected.
func resolveUserID(ctx context.Context, config *InterceptorConfig) string {
	if token := metadataValue(ctx, config.Config.MetadataKeySessionToken); token != "" && config.Codec != nil {
		claims, err := config.Codec.Verify(gatekit.KindSession, token)
		if err == nil {
			return claims.Subject
		}
		return ""
	}

	if config.Config.TrustUserIDMetadata {
		return metadataValue(ctx, config.Config.MetadataKeyUserID)
	}
	return ""
}

// wrappedStream overrides the stream context to carry the verified user ID.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
