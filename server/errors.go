package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes from RFC 6749, RFC 8628, and RFC 9449.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeUnsupportedTokenType = "unsupported_token_type"
	ErrorCodeUseDPoPNonce         = "use_dpop_nonce"
)

// OAuthError represents an OAuth 2.0 error response. The taxonomy is
// closed: Code is always one of the constants above so callers can match
// exhaustively. Internal diagnostics travel in diag and are logged
// server-side, never serialized to the caller.
type OAuthError struct {
	Code        string // OAuth error code (e.g. "invalid_request")
	Description string // human-readable description, safe for callers
	Status      int    // HTTP status code

	diag string // internal diagnostic context, never surfaced
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithDiag returns a copy carrying internal diagnostic context. The
// diagnostic is for server-side logs only.
func (e *OAuthError) WithDiag(format string, args ...any) *OAuthError {
	cp := *e
	cp.diag = fmt.Sprintf(format, args...)
	return &cp
}

// Diag returns the internal diagnostic context, if any.
func (e *OAuthError) Diag() string {
	return e.diag
}

// NewOAuthError creates a new OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// Common OAuth errors as reusable constructors.
var (
	// ErrInvalidRequest indicates the request is malformed or missing
	// required parameters.
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the code or token is invalid, expired, or
	// already consumed.
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed.
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported.
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the
	// requested grant type.
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported.
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal failure (storage, downstream
	// call). The description stays generic; wrap details with WithDiag.
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user denied the device authorization.
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	}

	// ErrAuthorizationPending indicates the device authorization has not
	// been approved or denied yet (RFC 8628).
	ErrAuthorizationPending = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	// ErrSlowDown tells a device-flow client it is polling too fast and
	// must increase its interval (RFC 8628).
	ErrSlowDown = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	// ErrExpiredToken indicates the device code expired before approval.
	ErrExpiredToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedTokenType indicates an unrecognized token_type_hint on
	// the revocation endpoint (RFC 7009).
	ErrUnsupportedTokenType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedTokenType, desc, http.StatusBadRequest)
	}

	// ErrUseDPoPNonce instructs the client to retry with the fresh nonce
	// from the DPoP-Nonce response header (RFC 9449).
	ErrUseDPoPNonce = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUseDPoPNonce, desc, http.StatusBadRequest)
	}
)
