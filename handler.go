package aip

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/grainsocial/aip/instrumentation"
	"github.com/grainsocial/aip/security"
	"github.com/grainsocial/aip/server"
)

// clientRegistrationRequest is the JSON request for client registration.
type clientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientType              string   `json:"client_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scopes                  []string `json:"scopes"`
	PublicKeyPEM            string   `json:"public_key_pem"`
}

// deviceVerifyRequest is the form for the user-side half of the device flow.
type deviceVerifyRequest struct {
	UserCode string
	Action   string // "approve" or "deny"
	Subject  string
}

// Handler is a thin HTTP adapter for the authorization server. It parses
// requests, delegates to the Server for protocol logic, and serializes the
// results; no OAuth decisions are made here.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterHandlers mounts all endpoints on the mux.
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeRevoke)
	mux.HandleFunc("/oauth/device", h.ServeDeviceAuthorization)
	mux.HandleFunc("/oauth/device/verify", h.ServeDeviceVerify)
	if h.server.Config.EnableClientAPI {
		mux.HandleFunc("/oauth/clients", h.ServeRegisterClient)
	}
}

// ServeToken handles POST /oauth/token for all grant types.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	ctx, endSpan := h.startSpan(r, "oauth.token")
	defer endSpan()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed form body", http.StatusBadRequest)
		return
	}

	req := tokenRequestFromForm(r)

	auth, err := h.server.AuthenticateClient(ctx, r.Header, req.ClientCredentials)
	if err != nil {
		h.logger.Error("Client authentication backend failure", "error", err)
		h.recordHTTPMetrics("token", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Temporarily unable to process request", http.StatusInternalServerError)
		return
	}

	var proof *server.DPoPProof
	if dpopHeader := r.Header.Get("DPoP"); dpopHeader != "" {
		// Always hand back a fresh nonce so the retry handshake works.
		w.Header().Set("DPoP-Nonce", h.server.Nonces.Nonce())

		var oerr *OAuthError
		proof, oerr = h.server.VerifyDPoPProof(dpopHeader, r.Method, h.tokenEndpointURL())
		if oerr != nil {
			if oerr.Code == ErrorCodeUseDPoPNonce {
				h.recordNonceRejected(ctx, req.ClientID)
			}
			h.recordGrant(ctx, req.GrantType, oerr.Code)
			h.recordHTTPMetrics("token", r.Method, oerr.Status, startTime)
			h.writeOAuthError(w, r, oerr)
			return
		}
	}

	resp, oerr := h.server.Token(ctx, req, auth, proof)
	if oerr != nil {
		h.recordGrant(ctx, req.GrantType, oerr.Code)
		h.recordHTTPMetrics("token", r.Method, oerr.Status, startTime)
		h.writeOAuthError(w, r, oerr)
		return
	}

	h.recordGrant(ctx, req.GrantType, "success")
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
	})
}

// ServeRevoke handles POST /oauth/revoke (RFC 7009).
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	ctx, endSpan := h.startSpan(r, "oauth.revoke")
	defer endSpan()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed form body", http.StatusBadRequest)
		return
	}

	auth, err := h.server.AuthenticateClient(ctx, r.Header, credentialsFromForm(r))
	if err != nil {
		h.logger.Error("Client authentication backend failure", "error", err)
		h.recordHTTPMetrics("revoke", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Temporarily unable to process request", http.StatusInternalServerError)
		return
	}

	oerr := h.server.Revoke(ctx, r.PostFormValue("token"), r.PostFormValue("token_type_hint"), auth)
	if oerr != nil {
		h.recordHTTPMetrics("revoke", r.Method, oerr.Status, startTime)
		h.writeOAuthError(w, r, oerr)
		return
	}

	if m := h.metrics(); m != nil && auth != nil {
		m.RecordTokenRevoked(ctx, auth.ClientID)
	}
	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, struct{}{})
}

// ServeDeviceAuthorization handles POST /oauth/device (RFC 8628 §3.1).
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("device", r.Method, http.StatusMethodNotAllowed, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("device", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed form body", http.StatusBadRequest)
		return
	}

	da, oerr := h.server.BeginDeviceAuthorization(r.Context(),
		r.PostFormValue("client_id"), r.PostFormValue("scope"))
	if oerr != nil {
		h.recordHTTPMetrics("device", r.Method, oerr.Status, startTime)
		h.writeOAuthError(w, r, oerr)
		return
	}

	if m := h.metrics(); m != nil {
		m.RecordDeviceFlowStarted(r.Context(), r.PostFormValue("client_id"))
	}
	h.recordHTTPMetrics("device", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, DeviceAuthorizationResponse{
		DeviceCode:              da.DeviceCode,
		UserCode:                da.UserCode,
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		ExpiresIn:               da.ExpiresIn,
		Interval:                da.Interval,
	})
}

// ServeDeviceVerify handles POST /oauth/device/verify: the user-side
// approve/deny decision identified by the short user code.
func (h *Handler) ServeDeviceVerify(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("device_verify", r.Method, http.StatusMethodNotAllowed, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("device_verify", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed form body", http.StatusBadRequest)
		return
	}

	req := deviceVerifyRequest{
		UserCode: r.PostFormValue("user_code"),
		Action:   r.PostFormValue("action"),
		Subject:  r.PostFormValue("subject"),
	}

	var oerr *OAuthError
	switch req.Action {
	case "approve":
		oerr = h.server.ApproveDeviceCode(r.Context(), req.UserCode, req.Subject)
	case "deny":
		oerr = h.server.DenyDeviceCode(r.Context(), req.UserCode)
	default:
		oerr = server.ErrInvalidRequest("action must be approve or deny")
	}
	if oerr != nil {
		h.recordHTTPMetrics("device_verify", r.Method, oerr.Status, startTime)
		h.writeOAuthError(w, r, oerr)
		return
	}

	h.recordHTTPMetrics("device_verify", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": req.Action + "d"})
}

// ServeRegisterClient handles POST /oauth/clients. The route is only
// mounted when the client API is enabled in configuration.
func (h *Handler) ServeRegisterClient(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed JSON body", http.StatusBadRequest)
		return
	}

	reg, oerr := h.server.RegisterClient(r.Context(), &server.ClientRegistration{
		ClientName:              req.ClientName,
		ClientType:              req.ClientType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RedirectURIs:            req.RedirectURIs,
		Scopes:                  req.Scopes,
		PublicKeyPEM:            req.PublicKeyPEM,
	})
	if oerr != nil {
		h.recordHTTPMetrics("register", r.Method, oerr.Status, startTime)
		h.writeOAuthError(w, r, oerr)
		return
	}

	if m := h.metrics(); m != nil {
		m.RecordClientRegistered(r.Context(), reg.Client.ClientType)
	}
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)
	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                reg.ClientID,
		ClientSecret:            reg.ClientSecret,
		ClientName:              reg.Client.ClientName,
		ClientType:              reg.Client.ClientType,
		TokenEndpointAuthMethod: reg.Client.TokenEndpointAuthMethod,
		RedirectURIs:            reg.Client.RedirectURIs,
		Scopes:                  reg.Client.Scopes,
	})
}

// tokenRequestFromForm extracts the grant parameters from a parsed form.
func tokenRequestFromForm(r *http.Request) *server.TokenRequest {
	return &server.TokenRequest{
		GrantType:         r.PostFormValue("grant_type"),
		Code:              r.PostFormValue("code"),
		RedirectURI:       r.PostFormValue("redirect_uri"),
		CodeVerifier:      r.PostFormValue("code_verifier"),
		RefreshToken:      r.PostFormValue("refresh_token"),
		DeviceCode:        r.PostFormValue("device_code"),
		Scope:             r.PostFormValue("scope"),
		ClientCredentials: credentialsFromForm(r),
	}
}

func credentialsFromForm(r *http.Request) server.ClientCredentials {
	return server.ClientCredentials{
		ClientID:            r.PostFormValue("client_id"),
		ClientSecret:        r.PostFormValue("client_secret"),
		ClientAssertion:     r.PostFormValue("client_assertion"),
		ClientAssertionType: r.PostFormValue("client_assertion_type"),
	}
}

// startSpan opens a tracing span for the request when instrumentation is
// wired; otherwise it is a no-op.
func (h *Handler) startSpan(r *http.Request, name string) (context.Context, func()) {
	if h.tracer == nil {
		return r.Context(), func() {}
	}
	ctx, span := h.tracer.Start(r.Context(), name)
	return ctx, func() { span.End() }
}

// tokenEndpointURL returns the external token endpoint URL used for DPoP
// htu binding.
func (h *Handler) tokenEndpointURL() string {
	return strings.TrimRight(h.server.Config.Issuer, "/") + "/oauth/token"
}

// writeOAuthError writes a protocol error. Internal diagnostics attached to
// the error are logged here and never serialized.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, oerr *OAuthError) {
	if diag := oerr.Diag(); diag != "" {
		level := slog.LevelWarn
		if oerr.Code == ErrorCodeServerError {
			level = slog.LevelError
		}
		h.logger.Log(r.Context(), level, "OAuth request failed",
			"error", oerr.Code,
			"diag", diag,
			"ip", clientIP(r))
	}
	h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	m := h.metrics()
	if m == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000
	m.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

func (h *Handler) recordGrant(ctx context.Context, grantType, outcome string) {
	if m := h.metrics(); m != nil {
		m.RecordGrant(ctx, grantType, outcome)
	}
}

func (h *Handler) recordNonceRejected(ctx context.Context, clientID string) {
	if m := h.metrics(); m != nil {
		m.RecordNonceRejected(ctx, clientID)
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogNonceRejected(clientID, "stale_or_missing_nonce")
	}
}

// clientIP extracts the originating client IP, preferring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
