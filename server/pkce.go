package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

// validatePKCE checks a code_verifier against the challenge stored with the
// authorization request. A stored challenge makes the verifier mandatory;
// comparisons are constant-time. The plain method is only honored when
// explicitly enabled in configuration.
func (s *Server) validatePKCE(challenge, method, verifier string) *OAuthError {
	if challenge == "" {
		if verifier != "" {
			return ErrInvalidGrant("code_verifier provided but no challenge was registered")
		}
		return nil
	}
	if verifier == "" {
		return ErrInvalidGrant("code_verifier is required")
	}

	switch method {
	case CodeChallengeMethodS256, "":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return ErrInvalidGrant("code_verifier does not match challenge")
		}
	case CodeChallengeMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return ErrInvalidGrant("plain code_challenge_method is not allowed")
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrInvalidGrant("code_verifier does not match challenge")
		}
	default:
		return ErrInvalidGrant("unsupported code_challenge_method").
			WithDiag("method=%s", safeTruncate(method, 20))
	}

	return nil
}
