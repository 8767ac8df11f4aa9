package server

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/grainsocial/aip/storage"
)

// ClientRegistration is the caller-supplied portion of a new client.
type ClientRegistration struct {
	ClientName              string
	ClientType              string // "public" or "confidential", default confidential
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	Scopes                  []string
	PublicKeyPEM            string // required for private_key_jwt clients
}

// RegisteredClient is the result of registration. ClientSecret is returned
// exactly once, in plaintext; only the bcrypt hash is stored.
type RegisteredClient struct {
	ClientID     string
	ClientSecret string // empty for public clients
	Client       *storage.Client
}

// RegisterClient creates a client record with generated credentials and the
// configured default token lifetimes. It is a factory with policy defaults,
// not a state machine: no other protocol logic lives here.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration) (*RegisteredClient, *OAuthError) {
	clientType := reg.ClientType
	if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}
	if clientType != storage.ClientTypeConfidential && clientType != storage.ClientTypePublic {
		return nil, ErrInvalidRequest("client_type must be public or confidential")
	}

	method := reg.TokenEndpointAuthMethod
	if method == "" {
		if clientType == storage.ClientTypePublic {
			method = storage.TokenEndpointAuthMethodNone
		} else {
			method = storage.TokenEndpointAuthMethodBasic
		}
	}

	switch method {
	case storage.TokenEndpointAuthMethodNone:
		if clientType == storage.ClientTypeConfidential {
			return nil, ErrInvalidRequest("confidential clients require an authentication method")
		}
	case storage.TokenEndpointAuthMethodBasic, storage.TokenEndpointAuthMethodPost:
		if clientType == storage.ClientTypePublic {
			return nil, ErrInvalidRequest("public clients cannot hold a client secret")
		}
	case storage.TokenEndpointAuthMethodPrivateKeyJWT:
		if reg.PublicKeyPEM == "" {
			return nil, ErrInvalidRequest("private_key_jwt clients must register a public key")
		}
		if _, err := parsePublicKeyPEM(reg.PublicKeyPEM); err != nil {
			return nil, ErrInvalidRequest("public key is not a valid PEM-encoded RSA or ECDSA key").
				WithDiag("parse key: %v", err)
		}
	default:
		return nil, ErrInvalidRequest("unsupported token_endpoint_auth_method")
	}

	for _, uri := range reg.RedirectURIs {
		if !strings.Contains(uri, "://") {
			return nil, ErrInvalidRequest("redirect URIs must be absolute")
		}
	}

	client := &storage.Client{
		ClientID:                ulid.Make().String(),
		ClientType:              clientType,
		TokenEndpointAuthMethod: method,
		PublicKeyPEM:            reg.PublicKeyPEM,
		RedirectURIs:            reg.RedirectURIs,
		Scopes:                  reg.Scopes,
		ClientName:              reg.ClientName,
		AccessTokenLifetime:     s.Config.DefaultAccessTokenExpiration,
		RefreshTokenLifetime:    s.Config.DefaultRefreshTokenExpiration,
		CreatedAt:               s.Clock.Now(),
	}

	var secret string
	if method == storage.TokenEndpointAuthMethodBasic || method == storage.TokenEndpointAuthMethodPost {
		secret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("temporarily unable to process request").
				WithDiag("hash secret: %v", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("save client: %v", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, clientType)
	}
	s.Logger.Info("Client registered",
		"client_id", client.ClientID,
		"client_type", clientType,
		"auth_method", method)

	return &RegisteredClient{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Client:       client,
	}, nil
}
