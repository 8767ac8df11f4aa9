package server

import (
	"log/slog"
	"time"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's external base URL, e.g. "https://aip.example.com".
	// The token endpoint URL derived from it is the required audience for
	// private_key_jwt client assertions.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// DefaultAccessTokenExpiration is the access token lifetime assigned to
	// newly registered clients. Default: 24 hours.
	DefaultAccessTokenExpiration time.Duration

	// DefaultRefreshTokenExpiration is the refresh token lifetime assigned
	// to newly registered clients. Default: 14 days.
	DefaultRefreshTokenExpiration time.Duration

	// DeviceCodeTTL is how long a device code may stay pending.
	// Default: 10 minutes.
	DeviceCodeTTL time.Duration

	// DeviceCodeInterval is the initial minimum polling interval handed to
	// device-flow clients, in seconds. Default: 5.
	DeviceCodeInterval int

	// SupportedScopes lists the scopes clients may request. Empty allows
	// all scopes.
	SupportedScopes []string

	// AllowPKCEPlain allows the deprecated 'plain' code_challenge_method.
	// When false only S256 is accepted. Default: false.
	AllowPKCEPlain bool

	// DPoPNonceSeed is the server-wide secret seed for deterministic DPoP
	// nonce derivation. All replicas must share it.
	DPoPNonceSeed string

	// DPoPNonceGeneration is bumped to invalidate all outstanding nonces
	// without changing the seed.
	DPoPNonceGeneration uint64

	// EnableClientAPI exposes the client registration endpoint.
	// Default: false.
	EnableClientAPI bool

	// VerificationURI is the user-facing URL for device flow verification,
	// e.g. "https://aip.example.com/device". Defaults to Issuer + "/device".
	VerificationURI string
}

// applyDefaults fills zero-valued fields with safe defaults and warns
// about insecure settings.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.DefaultAccessTokenExpiration == 0 {
		config.DefaultAccessTokenExpiration = 24 * time.Hour
	}
	if config.DefaultRefreshTokenExpiration == 0 {
		config.DefaultRefreshTokenExpiration = 14 * 24 * time.Hour
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 10 * time.Minute
	}
	if config.DeviceCodeInterval == 0 {
		config.DeviceCodeInterval = 5
	}
	if config.VerificationURI == "" && config.Issuer != "" {
		config.VerificationURI = config.Issuer + "/device"
	}

	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: plain PKCE method is allowed",
			"risk", "weak code challenge protection",
			"recommendation", "set AllowPKCEPlain=false to require S256")
	}
	if config.DPoPNonceSeed == "" {
		logger.Warn("DPoP nonce seed not configured; a per-process random seed will be used",
			"impact", "replicas will not accept each other's nonces")
	}

	return config
}

// tokenEndpoint returns the token endpoint URL for this issuer.
func (c *Config) tokenEndpoint() string {
	return c.Issuer + "/oauth/token"
}
