package storage

import "time"

// Client type constants.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	TokenEndpointAuthMethodNone          = "none"
	TokenEndpointAuthMethodBasic         = "client_secret_basic"
	TokenEndpointAuthMethodPost          = "client_secret_post"
	TokenEndpointAuthMethodPrivateKeyJWT = "private_key_jwt"
)

// Client represents a registered OAuth client (relying party).
// Clients are never silently deleted while tokens referencing them exist;
// revoking a client's tokens is a separate explicit operation.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	TokenEndpointAuthMethod string
	PublicKeyPEM            string // PEM-encoded key for private_key_jwt clients
	RedirectURIs            []string
	Scopes                  []string
	ClientName              string
	AccessTokenLifetime     time.Duration
	RefreshTokenLifetime    time.Duration
	CreatedAt               time.Time
}

// AccessToken is an opaque bearer credential. It is exclusively owned by
// storage; no other component retains it past a single call.
type AccessToken struct {
	Token          string
	ClientID       string
	Subject        string // subject DID, empty for client_credentials grants
	Scope          string
	DPoPThumbprint string // JWK thumbprint binding (RFC 9449), optional
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// RefreshToken enables reissuance of an access token without
// re-authentication. Consuming one is atomic and destructive.
type RefreshToken struct {
	Token     string
	ClientID  string
	Subject   string
	Scope     string
	ExpiresAt time.Time
}

// AuthorizationRequest is a short-lived, single-use grant precursor bound
// to a PKCE challenge. It is consumed exactly once on success.
type AuthorizationRequest struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// DeviceCodeStatus is the authorization status of a device code.
type DeviceCodeStatus string

// Device code authorization statuses (RFC 8628).
const (
	DeviceCodePending  DeviceCodeStatus = "pending"
	DeviceCodeApproved DeviceCodeStatus = "approved"
	DeviceCodeDenied   DeviceCodeStatus = "denied"
	DeviceCodeExpired  DeviceCodeStatus = "expired"
)

// DeviceCode is the state of a single device authorization grant, from
// initiation through approval or denial to redemption.
type DeviceCode struct {
	DeviceCode   string
	UserCode     string // short code the user enters on a secondary device
	ClientID     string
	Scope        string
	Status       DeviceCodeStatus
	Subject      string // populated once approved
	Interval     int    // minimum seconds between polls
	LastPolledAt time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
