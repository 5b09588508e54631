/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/log"
)

// Metadata keys carrying credentials.
const (
	APIKeyMetadataKey        = "x-api-key"
	AuthorizationMetadataKey = "authorization"
)

// Credential length limits.
const (
	MaxAPIKeyLength      = 512
	MaxBearerTokenLength = 8192
)

// Authentication methods of Principal.
const (
	AuthMethodAPIKey = "api_key"
	AuthMethodBearer = "bearer"
)

// UnauthenticatedMessage is the message of the Unauthenticated status returned for any credential failure.
const UnauthenticatedMessage = "Invalid or missing credentials"

// DefaultAuthExemptMethods are methods that do not require credentials by default.
var DefaultAuthExemptMethods = []string{
	HealthCheckMethod,
	HealthWatchMethod,
	ReflectionV1AlphaInfoMethod,
	ReflectionV1ServerInfoMethod,
}

// Principal is the authenticated caller.
type Principal struct {
	// ID identifies the caller. For API keys it is a fingerprint of the key, for bearer tokens the subject.
	ID     string
	Method string
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	// VerifyToken returns the subject of a valid token or an error.
	VerifyToken(ctx context.Context, token string) (subject string, err error)
}

// TokenVerifierFunc is an adapter to allow the use of ordinary functions as TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (string, error)

// VerifyToken calls f(ctx, token).
func (f TokenVerifierFunc) VerifyToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// HMACTokenVerifier verifies JWTs signed with a shared secret. Tokens must carry "exp" and "iat" claims.
type HMACTokenVerifier struct {
	secret    []byte
	algorithm string
}

// NewHMACTokenVerifier creates a new HMACTokenVerifier. Empty algorithm means HS256.
func NewHMACTokenVerifier(secret []byte, algorithm string) (*HMACTokenVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	if _, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
	return &HMACTokenVerifier{secret: secret, algorithm: algorithm}, nil
}

// VerifyToken implements TokenVerifier.
func (v *HMACTokenVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.algorithm}), jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	if err != nil {
		return "", err
	}
	iat, err := parsed.Claims.GetIssuedAt()
	if err != nil {
		return "", err
	}
	if iat == nil {
		return "", errors.New("token has no iat claim")
	}
	return parsed.Claims.GetSubject()
}

// AuthOption represents a configuration option for the authentication interceptor.
type AuthOption func(*authOptions)

type authOptions struct {
	apiKeys       []string
	tokenVerifier TokenVerifier
	exemptMethods []string
}

// WithAuthAPIKeys sets accepted API keys.
func WithAuthAPIKeys(keys ...string) AuthOption {
	return func(opts *authOptions) {
		opts.apiKeys = keys
	}
}

// WithAuthTokenVerifier sets the verifier of bearer tokens.
func WithAuthTokenVerifier(verifier TokenVerifier) AuthOption {
	return func(opts *authOptions) {
		opts.tokenVerifier = verifier
	}
}

// WithAuthExemptMethods replaces the list of full method names (glob patterns are supported) that do not require credentials.
func WithAuthExemptMethods(methods ...string) AuthOption {
	return func(opts *authOptions) {
		opts.exemptMethods = methods
	}
}

// Authenticator rejects calls without valid credentials and stores the Principal of accepted calls in the context.
type Authenticator struct {
	apiKeys       [][]byte
	tokenVerifier TokenVerifier
	exempt        methodMatcher
}

var _ CallWrapper = (*Authenticator)(nil)

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(options ...AuthOption) (*Authenticator, error) {
	opts := authOptions{exemptMethods: DefaultAuthExemptMethods}
	for _, option := range options {
		option(&opts)
	}
	if len(opts.apiKeys) == 0 && opts.tokenVerifier == nil {
		return nil, fmt.Errorf("neither API keys nor token verifier is configured")
	}
	a := &Authenticator{tokenVerifier: opts.tokenVerifier, exempt: newMethodMatcher(opts.exemptMethods)}
	for _, key := range opts.apiKeys {
		if key == "" || len(key) > MaxAPIKeyLength {
			return nil, fmt.Errorf("API key length should be in [1, %d]", MaxAPIKeyLength)
		}
		a.apiKeys = append(a.apiKeys, []byte(key))
	}
	return a, nil
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates calls.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(a)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates calls.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(a)
}

// WrapUnaryUnary implements CallWrapper.
func (a *Authenticator) WrapUnaryUnary(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
	if a.exempt.Match(info.FullMethod) {
		return next
	}
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		ctx, err := a.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// WrapUnaryStream implements CallWrapper.
func (a *Authenticator) WrapUnaryStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return a.wrapStream(info, next)
}

// WrapStreamUnary implements CallWrapper.
func (a *Authenticator) WrapStreamUnary(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return a.wrapStream(info, next)
}

// WrapStreamStream implements CallWrapper.
func (a *Authenticator) WrapStreamStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return a.wrapStream(info, next)
}

func (a *Authenticator) wrapStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	if a.exempt.Match(info.FullMethod) {
		return next
	}
	return func(srv interface{}, ss grpc.ServerStream) error {
		ctx, err := a.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return next(srv, &WrappedServerStream{ServerStream: ss, Ctx: ctx})
	}
}

func (a *Authenticator) authenticate(ctx context.Context) (context.Context, error) {
	principal, reason := a.principalFromMetadata(ctx)
	if reason != "" {
		if logger := GetLoggerFromContext(ctx); logger != nil {
			logger.Warn("authentication failed", log.String("reason", reason))
		}
		return ctx, status.Error(codes.Unauthenticated, UnauthenticatedMessage)
	}
	if lp := GetLoggingParamsFromContext(ctx); lp != nil {
		lp.ExtendFields(log.String("auth_method", principal.Method))
	}
	return NewContextWithPrincipal(ctx, principal), nil
}

// principalFromMetadata returns the principal or a non-empty reason of the failure.
// An API key takes precedence over a bearer token.
func (a *Authenticator) principalFromMetadata(ctx context.Context) (Principal, string) {
	md, _ := metadata.FromIncomingContext(ctx)

	if apiKey := firstMetadataValue(md, APIKeyMetadataKey); apiKey != "" {
		if !a.validAPIKey(apiKey) {
			return Principal{}, "invalid API key"
		}
		return Principal{ID: apiKeyFingerprint(apiKey), Method: AuthMethodAPIKey}, ""
	}

	authz := firstMetadataValue(md, AuthorizationMetadataKey)
	if authz == "" {
		return Principal{}, "no credentials"
	}
	const bearerPrefix = "bearer "
	if len(authz) <= len(bearerPrefix) || !strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return Principal{}, "invalid authorization header format"
	}
	token := authz[len(bearerPrefix):]
	if a.tokenVerifier == nil || len(token) > MaxBearerTokenLength {
		return Principal{}, "invalid token"
	}
	subject, err := a.tokenVerifier.VerifyToken(ctx, token)
	if err != nil {
		return Principal{}, "invalid token: " + err.Error()
	}
	return Principal{ID: subject, Method: AuthMethodBearer}, ""
}

func (a *Authenticator) validAPIKey(apiKey string) bool {
	if len(apiKey) > MaxAPIKeyLength {
		return false
	}
	candidate := []byte(apiKey)
	valid := 0
	for _, key := range a.apiKeys {
		valid |= subtle.ConstantTimeCompare(candidate, key)
	}
	return valid == 1
}

func apiKeyFingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "key-" + hex.EncodeToString(sum[:8])
}

func firstMetadataValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
