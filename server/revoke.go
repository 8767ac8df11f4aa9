package server

import (
	"context"
	"errors"

	"github.com/grainsocial/aip/storage"
)

// Token type hints accepted by the revocation endpoint (RFC 7009).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// revocationStrategy attempts to revoke a token of one kind on behalf of
// the authenticated client. It reports whether the token matched and was
// revoked. A token owned by a different client is a normal non-match, not
// an error, so the next strategy still runs.
type revocationStrategy func(ctx context.Context, s *Server, token, clientID string) (bool, error)

// Revoke implements RFC 7009 token revocation. The hint orders the lookup
// strategies; an unrecognized hint is rejected before any lookup. Every
// outcome past that point is deliberately indistinguishable to the caller:
// the endpoint returns 200 with an empty body whether the token was
// revoked, absent, owned by someone else, or the backend failed. Anything
// else would be an oracle for probing which tokens exist.
func (s *Server) Revoke(ctx context.Context, token, hint string, auth *ClientAuth) *OAuthError {
	if auth == nil {
		return ErrInvalidClient("client authentication required")
	}

	var strategies []revocationStrategy
	switch hint {
	case TokenTypeHintRefreshToken:
		strategies = []revocationStrategy{revokeRefreshToken, revokeAccessToken}
	case TokenTypeHintAccessToken, "":
		strategies = []revocationStrategy{revokeAccessToken, revokeRefreshToken}
	default:
		return ErrUnsupportedTokenType("unsupported token_type_hint").
			WithDiag("hint=%s", safeTruncate(hint, 40))
	}

	if token == "" {
		s.Logger.Debug("Revocation request with empty token", "client_id", auth.ClientID)
		return nil
	}

	for _, strategy := range strategies {
		revoked, err := strategy(ctx, s, token, auth.ClientID)
		if err != nil {
			s.Logger.Error("Revocation strategy failed",
				"client_id", auth.ClientID,
				"error", err)
			continue
		}
		if revoked {
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked("", auth.ClientID, hint)
			}
			s.Logger.Info("Token revoked",
				"client_id", auth.ClientID,
				"token_prefix", safeTruncate(token, 8))
			return nil
		}
	}

	s.Logger.Debug("Revocation request did not match a revocable token",
		"client_id", auth.ClientID,
		"token_prefix", safeTruncate(token, 8))
	return nil
}

// revokeAccessToken looks the token up as an access token and deletes it
// when it belongs to the client.
func revokeAccessToken(ctx context.Context, s *Server, token, clientID string) (bool, error) {
	at, err := s.tokenStore.GetAccessToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if at.ClientID != clientID {
		return false, nil
	}
	if err := s.tokenStore.RevokeAccessToken(ctx, token); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost a race with another revoker or the expiry sweep. The
			// token is gone either way.
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// revokeRefreshToken consumes the token as a refresh token when it belongs
// to the client. Consumption is the revocation: the token can never be
// redeemed afterward.
func revokeRefreshToken(ctx context.Context, s *Server, token, clientID string) (bool, error) {
	rt, err := s.tokenStore.ConsumeRefreshToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rt.ClientID != clientID {
		// Consuming someone else's token would let a client kill tokens it
		// does not own, so put it back. The window where it is briefly
		// absent only affects the rightful owner's concurrent refresh,
		// which retries.
		if err := s.tokenStore.SaveRefreshToken(ctx, rt); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
