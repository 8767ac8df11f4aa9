package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/grainsocial/aip/storage"
)

// Grant type identifiers accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// TokenRequest is a parsed token endpoint form. Fields irrelevant to the
// requested grant type are ignored.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scope        string

	ClientCredentials
}

// TokenResponse is the uniform success payload of the token endpoint.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Token processes a token endpoint request for an already-authenticated
// client. auth may be nil when no verifiable client authentication was
// presented; every grant branch rejects that. proof carries a verified DPoP
// thumbprint to bind into the minted access token, or nil.
//
// Storage failures map to server_error, never invalid_grant: a caller must
// not be told its credential is dead when the backend merely timed out.
func (s *Server) Token(ctx context.Context, req *TokenRequest, auth *ClientAuth, proof *DPoPProof) (*TokenResponse, *OAuthError) {
	if auth == nil {
		return nil, ErrInvalidClient("client authentication required")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.authorizationCodeGrant(ctx, req, auth, proof)
	case GrantTypeRefreshToken:
		return s.refreshTokenGrant(ctx, req, auth, proof)
	case GrantTypeClientCredentials:
		return s.clientCredentialsGrant(ctx, req, auth, proof)
	case GrantTypeDeviceCode:
		return s.deviceCodeGrant(ctx, req, auth, proof)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type").
			WithDiag("grant_type=%s", safeTruncate(req.GrantType, 40))
	}
}

func (s *Server) authorizationCodeGrant(ctx context.Context, req *TokenRequest, auth *ClientAuth, proof *DPoPProof) (*TokenResponse, *OAuthError) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	// Consume before validating: a code presented with a bad verifier or
	// redirect URI is burned, it cannot be retried with corrected inputs.
	areq, err := s.flowStore.ConsumeAuthorizationRequest(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant("authorization code is invalid, expired, or already used")
	}
	if err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("consume authorization request: %v", err)
	}

	if areq.ClientID != auth.ClientID {
		s.auditAuthFailure(auth.ClientID, "authorization_code_client_mismatch")
		return nil, ErrInvalidGrant("authorization code was not issued to this client")
	}
	if s.isExpired(areq.ExpiresAt) {
		return nil, ErrInvalidGrant("authorization code has expired")
	}
	if areq.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if oerr := s.validatePKCE(areq.CodeChallenge, areq.CodeChallengeMethod, req.CodeVerifier); oerr != nil {
		return nil, oerr
	}

	return s.mintTokens(ctx, auth, areq.Subject, areq.Scope, proof, true, GrantTypeAuthorizationCode)
}

func (s *Server) refreshTokenGrant(ctx context.Context, req *TokenRequest, auth *ClientAuth, proof *DPoPProof) (*TokenResponse, *OAuthError) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	// The old token dies here no matter what happens downstream. Rotation
	// without reuse is the point: a stolen-and-replayed token loses.
	rt, err := s.tokenStore.ConsumeRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant("refresh token is invalid, expired, or already used")
	}
	if err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("consume refresh token: %v", err)
	}

	if rt.ClientID != auth.ClientID {
		s.auditAuthFailure(auth.ClientID, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("refresh token was not issued to this client")
	}
	if s.isExpired(rt.ExpiresAt) {
		return nil, ErrInvalidGrant("refresh token has expired")
	}

	return s.mintTokens(ctx, auth, rt.Subject, rt.Scope, proof, true, GrantTypeRefreshToken)
}

func (s *Server) clientCredentialsGrant(ctx context.Context, req *TokenRequest, auth *ClientAuth, proof *DPoPProof) (*TokenResponse, *OAuthError) {
	if auth.Method == storage.TokenEndpointAuthMethodNone ||
		auth.Client.ClientType != storage.ClientTypeConfidential {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}
	if oerr := s.validateScope(req.Scope); oerr != nil {
		return nil, oerr
	}

	// No subject and no refresh token: the credential is the client itself
	// and re-authentication is as cheap as refreshing would be.
	return s.mintTokens(ctx, auth, "", req.Scope, proof, false, GrantTypeClientCredentials)
}

func (s *Server) deviceCodeGrant(ctx context.Context, req *TokenRequest, auth *ClientAuth, proof *DPoPProof) (*TokenResponse, *OAuthError) {
	if req.DeviceCode == "" {
		return nil, ErrInvalidRequest("device_code is required")
	}

	dc, err := s.deviceStore.GetDeviceCode(ctx, req.DeviceCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant("device code is invalid or already redeemed")
	}
	if err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("get device code: %v", err)
	}

	if dc.ClientID != auth.ClientID {
		s.auditAuthFailure(auth.ClientID, "device_code_client_mismatch")
		return nil, ErrInvalidGrant("device code was not issued to this client")
	}

	now := s.Clock.Now()
	if dc.Status == storage.DeviceCodeExpired || now.After(dc.ExpiresAt) {
		return nil, ErrExpiredToken("device code has expired")
	}
	if dc.Status == storage.DeviceCodeDenied {
		return nil, ErrAccessDenied("the user denied the authorization request")
	}

	if !dc.LastPolledAt.IsZero() && now.Sub(dc.LastPolledAt) < time.Duration(dc.Interval)*time.Second {
		// RFC 8628 §3.5: each slow_down raises the minimum interval by 5s.
		if err := s.deviceStore.MarkDeviceCodePolled(ctx, dc.DeviceCode, now, dc.Interval+5); err != nil {
			return nil, ErrServerError("temporarily unable to process request").
				WithDiag("mark device code polled: %v", err)
		}
		return nil, ErrSlowDown("polling too frequently, increase your interval")
	}

	switch dc.Status {
	case storage.DeviceCodePending:
		if err := s.deviceStore.MarkDeviceCodePolled(ctx, dc.DeviceCode, now, dc.Interval); err != nil {
			return nil, ErrServerError("temporarily unable to process request").
				WithDiag("mark device code polled: %v", err)
		}
		return nil, ErrAuthorizationPending("authorization request is pending user approval")
	case storage.DeviceCodeApproved:
		// Single redeem: the winner of this consume gets tokens, every
		// later poll sees invalid_grant.
		consumed, err := s.deviceStore.ConsumeDeviceCode(ctx, dc.DeviceCode)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("device code is invalid or already redeemed")
		}
		if err != nil {
			return nil, ErrServerError("temporarily unable to process request").
				WithDiag("consume device code: %v", err)
		}
		return s.mintTokens(ctx, auth, consumed.Subject, consumed.Scope, proof, true, GrantTypeDeviceCode)
	default:
		return nil, ErrInvalidGrant("device code is in an unexpected state").
			WithDiag("status=%s", dc.Status)
	}
}

// mintTokens creates an access token (and optionally a refresh token) for
// the authenticated client using its configured lifetimes, falling back to
// server defaults.
func (s *Server) mintTokens(ctx context.Context, auth *ClientAuth, subject, scope string, proof *DPoPProof, withRefresh bool, grantType string) (*TokenResponse, *OAuthError) {
	now := s.Clock.Now()

	accessLifetime := auth.Client.AccessTokenLifetime
	if accessLifetime <= 0 {
		accessLifetime = s.Config.DefaultAccessTokenExpiration
	}
	refreshLifetime := auth.Client.RefreshTokenLifetime
	if refreshLifetime <= 0 {
		refreshLifetime = s.Config.DefaultRefreshTokenExpiration
	}

	access := &storage.AccessToken{
		Token:     generateRandomToken(),
		ClientID:  auth.ClientID,
		Subject:   subject,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessLifetime),
	}
	if proof != nil {
		access.DPoPThumbprint = proof.Thumbprint
	}
	if err := s.tokenStore.SaveAccessToken(ctx, access); err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("save access token: %v", err)
	}

	resp := &TokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessLifetime.Seconds()),
		Scope:       scope,
	}

	if withRefresh {
		refresh := &storage.RefreshToken{
			Token:     generateRandomToken(),
			ClientID:  auth.ClientID,
			Subject:   subject,
			Scope:     scope,
			ExpiresAt: now.Add(refreshLifetime),
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, refresh); err != nil {
			return nil, ErrServerError("temporarily unable to process request").
				WithDiag("save refresh token: %v", err)
		}
		resp.RefreshToken = refresh.Token
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(subject, auth.ClientID, grantType, scope)
	}
	s.Logger.Info("Token issued",
		"client_id", auth.ClientID,
		"grant_type", grantType,
		"token_prefix", safeTruncate(access.Token, 8),
		"dpop_bound", access.DPoPThumbprint != "")

	return resp, nil
}

// validateScope checks each requested scope against the configured set.
// An empty configured set allows everything.
func (s *Server) validateScope(scope string) *OAuthError {
	if scope == "" || len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, sc) {
			return ErrInvalidScope("requested scope is not supported").
				WithDiag("scope=%s", safeTruncate(sc, 40))
		}
	}
	return nil
}

func (s *Server) isExpired(expiresAt time.Time) bool {
	return s.Clock.Now().After(expiresAt)
}
