// Package server implements the OAuth 2.0 protocol engine: client
// authentication, grant processing, DPoP nonce issuance, RFC 7009 token
// revocation, and client registration. HTTP concerns live in the root
// package; everything here operates on parsed requests and the storage
// capability interfaces.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/grainsocial/aip/instrumentation"
	"github.com/grainsocial/aip/security"
	"github.com/grainsocial/aip/storage"
)

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging token and code prefixes.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// IdentityResolver maps a subject identifier (DID or handle) to a verified
// decentralized-identity document. Resolution is an external collaborator;
// the engine only needs to know whether a subject resolves.
type IdentityResolver interface {
	ResolveDID(ctx context.Context, did string) ([]byte, error)
}

// Server implements the authorization server logic. It coordinates grant
// processing through the storage capability interfaces and is safe for
// concurrent use.
type Server struct {
	clientStore storage.ClientStore
	tokenStore  storage.TokenStore
	flowStore   storage.FlowStore
	deviceStore storage.DeviceStore

	Nonces                   *NonceProvider
	Identity                 IdentityResolver // optional
	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // log flood control
	Instrumentation          *instrumentation.Instrumentation
	Clock                    security.Clock
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new authorization server.
func New(
	clientStore storage.ClientStore,
	tokenStore storage.TokenStore,
	flowStore storage.FlowStore,
	deviceStore storage.DeviceStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if deviceStore == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	clock := security.SystemClock()

	seed := config.DPoPNonceSeed
	if seed == "" {
		seed = generateRandomToken()
	}

	return &Server{
		clientStore: clientStore,
		tokenStore:  tokenStore,
		flowStore:   flowStore,
		deviceStore: deviceStore,
		Nonces:      NewNonceProvider(seed, config.DPoPNonceGeneration, clock),
		Clock:       clock,
		Logger:      logger,
		Config:      config,
	}, nil
}

// SetClock overrides the clock used for expiry comparisons. Intended for
// tests; must be called before the server handles requests.
func (s *Server) SetClock(clock security.Clock) {
	s.Clock = clock
	s.Nonces.clock = clock
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter applied to security
// event logging, bounding audit log volume under credential-stuffing load.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation used by the
// HTTP layer for metrics and traces.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// SetIdentityResolver sets the optional identity resolver consulted when a
// device authorization is approved.
func (s *Server) SetIdentityResolver(r IdentityResolver) {
	s.Identity = r
}

// GetClient retrieves a client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// generateRandomToken generates a cryptographically secure random token.
// Alias for oauth2.GenerateVerifier, which produces a URL-safe base64
// string suitable for tokens, codes, and seeds.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
