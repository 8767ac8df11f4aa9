package aip

import "github.com/grainsocial/aip/server"

// OAuthError is re-exported so callers embedding the library can match on
// protocol errors without importing the server package.
type OAuthError = server.OAuthError

// OAuth error codes from RFC 6749, RFC 8628, and RFC 9449.
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeAuthorizationPending = server.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown             = server.ErrorCodeSlowDown
	ErrorCodeExpiredToken         = server.ErrorCodeExpiredToken
	ErrorCodeUnsupportedTokenType = server.ErrorCodeUnsupportedTokenType
	ErrorCodeUseDPoPNonce         = server.ErrorCodeUseDPoPNonce
)
