package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/grainsocial/aip/storage"
)

// ClientAssertionTypeJWTBearer is the assertion type for private_key_jwt
// client authentication (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAuth is the result of successful client authentication. ClientID is
// always verified; it never carries unverified request data.
type ClientAuth struct {
	ClientID string
	Method   string // auth method that succeeded
	Client   *storage.Client
}

// ClientCredentials carries the form fields relevant to client
// authentication, shared by the token and revocation endpoints.
type ClientCredentials struct {
	ClientID            string
	ClientSecret        string
	ClientAssertion     string
	ClientAssertionType string
}

// AuthenticateClient extracts and verifies client identity from the request
// headers and form body. It returns (nil, nil) when no verifiable client
// authentication is present; callers decide whether the operation permits a
// public client. A non-nil error means a transient backend failure, not an
// authentication decision.
//
// Precedence: Authorization Basic header, then client_assertion, then plain
// form fields. Header-based auth wins over form-embedded duplicates so an
// attacker cannot smuggle a different client_id in the body than in the
// header. Each branch fails closed: once a mechanism is attempted, a
// malformed or mismatched credential yields no auth rather than falling
// through to a weaker mechanism.
func (s *Server) AuthenticateClient(ctx context.Context, header http.Header, creds ClientCredentials) (*ClientAuth, error) {
	if authz := header.Get("Authorization"); strings.HasPrefix(authz, "Basic ") {
		return s.authenticateBasic(ctx, strings.TrimPrefix(authz, "Basic "))
	}

	if creds.ClientAssertion != "" || creds.ClientAssertionType != "" {
		return s.authenticateAssertion(ctx, creds)
	}

	if creds.ClientID != "" {
		return s.authenticateForm(ctx, creds)
	}

	return nil, nil
}

// authenticateBasic verifies an Authorization: Basic credential pair.
func (s *Server) authenticateBasic(ctx context.Context, encoded string) (*ClientAuth, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.Logger.Debug("Client auth failed", "reason", "malformed basic auth")
		return nil, nil
	}
	clientID, secret, ok := strings.Cut(string(decoded), ":")
	if !ok || clientID == "" {
		s.Logger.Debug("Client auth failed", "reason", "basic auth missing colon")
		return nil, nil
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		s.Logger.Debug("Client auth failed", "reason", "unknown client", "client_id", clientID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client lookup: %w", err)
	}

	if !verifyClientSecret(client, secret) {
		s.auditAuthFailure(clientID, "basic_secret_mismatch")
		return nil, nil
	}

	return &ClientAuth{
		ClientID: clientID,
		Method:   storage.TokenEndpointAuthMethodBasic,
		Client:   client,
	}, nil
}

// authenticateAssertion verifies a private_key_jwt client assertion
// (RFC 7523): signature against the client's registered key, audience equal
// to the token endpoint, expiry present and valid, and iss == sub ==
// client_id.
func (s *Server) authenticateAssertion(ctx context.Context, creds ClientCredentials) (*ClientAuth, error) {
	if creds.ClientAssertionType != ClientAssertionTypeJWTBearer || creds.ClientAssertion == "" {
		s.Logger.Debug("Client auth failed", "reason", "unsupported assertion type")
		return nil, nil
	}

	var (
		client   *storage.Client
		storeErr error
	)
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(creds.ClientAssertion, claims, func(token *jwt.Token) (any, error) {
		if claims.Issuer == "" {
			return nil, fmt.Errorf("assertion missing iss")
		}
		c, err := s.clientStore.GetClient(ctx, claims.Issuer)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				storeErr = err
			}
			return nil, fmt.Errorf("unknown client")
		}
		client = c
		if c.PublicKeyPEM == "" {
			return nil, fmt.Errorf("client has no registered key")
		}
		return parsePublicKeyPEM(c.PublicKeyPEM)
	},
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithAudience(s.Config.tokenEndpoint()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.Clock.Now),
	)
	if storeErr != nil {
		return nil, fmt.Errorf("client lookup: %w", storeErr)
	}
	if err != nil {
		s.auditAuthFailure(claims.Issuer, "client_assertion_invalid")
		s.Logger.Debug("Client auth failed", "reason", "invalid assertion", "error", err)
		return nil, nil
	}

	if claims.Subject != claims.Issuer {
		s.auditAuthFailure(claims.Issuer, "client_assertion_sub_mismatch")
		return nil, nil
	}
	if creds.ClientID != "" && creds.ClientID != claims.Issuer {
		// A mismatched duplicate client_id form field is a confusion attack.
		s.auditAuthFailure(claims.Issuer, "client_assertion_client_id_mismatch")
		return nil, nil
	}

	return &ClientAuth{
		ClientID: claims.Issuer,
		Method:   storage.TokenEndpointAuthMethodPrivateKeyJWT,
		Client:   client,
	}, nil
}

// authenticateForm handles plain client_id/client_secret form fields. A
// public client (auth method "none") authenticates by identifier alone; a
// confidential client must present a matching secret and must not require a
// stronger method.
func (s *Server) authenticateForm(ctx context.Context, creds ClientCredentials) (*ClientAuth, error) {
	client, err := s.clientStore.GetClient(ctx, creds.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		s.Logger.Debug("Client auth failed", "reason", "unknown client", "client_id", creds.ClientID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client lookup: %w", err)
	}

	switch client.TokenEndpointAuthMethod {
	case storage.TokenEndpointAuthMethodNone:
		return &ClientAuth{
			ClientID: creds.ClientID,
			Method:   storage.TokenEndpointAuthMethodNone,
			Client:   client,
		}, nil
	case storage.TokenEndpointAuthMethodPost, storage.TokenEndpointAuthMethodBasic:
		if creds.ClientSecret == "" || !verifyClientSecret(client, creds.ClientSecret) {
			s.auditAuthFailure(creds.ClientID, "form_secret_mismatch")
			return nil, nil
		}
		return &ClientAuth{
			ClientID: creds.ClientID,
			Method:   storage.TokenEndpointAuthMethodPost,
			Client:   client,
		}, nil
	default:
		// Client requires a stronger method than it presented.
		s.auditAuthFailure(creds.ClientID, "stronger_auth_method_required")
		return nil, nil
	}
}

// verifyClientSecret compares a presented secret against the client's
// bcrypt hash.
func verifyClientSecret(client *storage.Client, secret string) bool {
	if client.ClientSecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) == nil
}

// parsePublicKeyPEM parses a PEM-encoded RSA or ECDSA public key.
func parsePublicKeyPEM(pemData string) (any, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

// auditAuthFailure records a failed authentication attempt. Per-client rate
// limiting keeps a credential-stuffing run from flooding the audit log.
func (s *Server) auditAuthFailure(clientID, reason string) {
	if s.Auditor == nil {
		return
	}
	if s.SecurityEventRateLimiter != nil && !s.SecurityEventRateLimiter.Allow("auth-failure:"+clientID) {
		return
	}
	s.Auditor.LogAuthFailure("", clientID, reason)
}
