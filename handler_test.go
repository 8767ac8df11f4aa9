package aip

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/grainsocial/aip/internal/testutil"
	"github.com/grainsocial/aip/server"
	"github.com/grainsocial/aip/storage"
	"github.com/grainsocial/aip/storage/memory"
)

func newTestStack(t *testing.T, config *server.Config) (*http.ServeMux, *server.Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	if config == nil {
		config = &server.Config{}
	}
	if config.Issuer == "" {
		config.Issuer = "https://aip.test"
	}
	if config.DPoPNonceSeed == "" {
		config.DPoPNonceSeed = "handler-test-seed"
	}

	srv, err := server.New(store, store, store, store, config, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("server.New() error: %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(srv, slog.New(slog.DiscardHandler)).RegisterHandlers(mux)
	return mux, srv, store
}

func postForm(t *testing.T, mux *http.ServeMux, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
	return v
}

func savePublicClient(t *testing.T, store *memory.Store, clientID string) {
	t.Helper()
	err := store.SaveClient(context.Background(), &storage.Client{
		ClientID:                clientID,
		ClientType:              storage.ClientTypePublic,
		TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodNone,
	})
	if err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}
}

func TestServeToken_AuthorizationCodeRedeemsOnce(t *testing.T) {
	mux, _, store := newTestStack(t, nil)
	ctx := context.Background()

	savePublicClient(t, store, "c1")
	challenge, verifier := testutil.GeneratePKCEPair()
	err := store.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{
		Code:                "abc",
		ClientID:            "c1",
		RedirectURI:         "https://app.example/cb",
		Scope:               "atproto",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Subject:             "did:plc:alice",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveAuthorizationRequest() error: %v", err)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"abc"},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {verifier},
		"client_id":     {"c1"},
	}

	rr := postForm(t, mux, "/oauth/token", form, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("first exchange = %d (%s)", rr.Code, rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	resp := decodeJSON[TokenResponse](t, rr)
	if resp.AccessToken == "" || resp.TokenType != "Bearer" || resp.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", resp)
	}

	rr = postForm(t, mux, "/oauth/token", form, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second exchange = %d, want 400", rr.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, rr)
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %s, want invalid_grant", errResp.Error)
	}
}

func TestServeToken_Errors(t *testing.T) {
	mux, _, _ := newTestStack(t, nil)

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})

	t.Run("no client auth", func(t *testing.T) {
		rr := postForm(t, mux, "/oauth/token", url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"whatever"},
		}, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
		if errResp := decodeJSON[ErrorResponse](t, rr); errResp.Error != ErrorCodeInvalidClient {
			t.Errorf("error = %s, want invalid_client", errResp.Error)
		}
	})
}

func TestServeRevoke(t *testing.T) {
	mux, _, store := newTestStack(t, nil)
	ctx := context.Background()

	savePublicClient(t, store, "c1")
	err := store.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     "at-1",
		ClientID:  "c1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	t.Run("revokes and returns empty object", func(t *testing.T) {
		rr := postForm(t, mux, "/oauth/revoke", url.Values{
			"token":     {"at-1"},
			"client_id": {"c1"},
		}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
		}
		if body := strings.TrimSpace(rr.Body.String()); body != "{}" {
			t.Errorf("body = %q, want {}", body)
		}
		if _, err := store.GetAccessToken(ctx, "at-1"); err == nil {
			t.Error("token still present after revocation")
		}
	})

	t.Run("unknown token still 200", func(t *testing.T) {
		rr := postForm(t, mux, "/oauth/revoke", url.Values{
			"token":     {"ghost"},
			"client_id": {"c1"},
		}, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rr.Code)
		}
	})

	t.Run("missing auth is 401", func(t *testing.T) {
		rr := postForm(t, mux, "/oauth/revoke", url.Values{"token": {"at-1"}}, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("unknown hint is 400", func(t *testing.T) {
		rr := postForm(t, mux, "/oauth/revoke", url.Values{
			"token":           {"at-1"},
			"token_type_hint": {"id_token"},
			"client_id":       {"c1"},
		}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
		if errResp := decodeJSON[ErrorResponse](t, rr); errResp.Error != ErrorCodeUnsupportedTokenType {
			t.Errorf("error = %s, want unsupported_token_type", errResp.Error)
		}
	})
}

func TestDeviceFlowEndToEnd(t *testing.T) {
	mux, _, store := newTestStack(t, nil)
	savePublicClient(t, store, "tv-app")

	// Device asks for codes.
	rr := postForm(t, mux, "/oauth/device", url.Values{
		"client_id": {"tv-app"},
		"scope":     {"atproto"},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("device authorization = %d (%s)", rr.Code, rr.Body.String())
	}
	da := decodeJSON[DeviceAuthorizationResponse](t, rr)
	if da.DeviceCode == "" || da.UserCode == "" || da.Interval == 0 {
		t.Fatalf("incomplete device response: %+v", da)
	}
	if !strings.Contains(da.VerificationURIComplete, da.UserCode) {
		t.Errorf("VerificationURIComplete = %q missing user code", da.VerificationURIComplete)
	}

	poll := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {da.DeviceCode},
		"client_id":   {"tv-app"},
	}

	// Device polls before approval.
	rr = postForm(t, mux, "/oauth/token", poll, nil)
	if errResp := decodeJSON[ErrorResponse](t, rr); errResp.Error != ErrorCodeAuthorizationPending {
		t.Fatalf("pre-approval poll error = %s, want authorization_pending", errResp.Error)
	}

	// User approves on the secondary device.
	rr = postForm(t, mux, "/oauth/device/verify", url.Values{
		"user_code": {da.UserCode},
		"action":    {"approve"},
		"subject":   {"did:plc:alice"},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify = %d (%s)", rr.Code, rr.Body.String())
	}

	// Device polls again after waiting out the interval and wins tokens.
	dc, err := store.GetDeviceCode(context.Background(), da.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceCode() error: %v", err)
	}
	dc.LastPolledAt = time.Now().Add(-time.Duration(da.Interval+1) * time.Second)
	if err := store.SaveDeviceCode(context.Background(), dc); err != nil {
		t.Fatalf("SaveDeviceCode() error: %v", err)
	}

	rr = postForm(t, mux, "/oauth/token", poll, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("post-approval poll = %d (%s)", rr.Code, rr.Body.String())
	}
	resp := decodeJSON[TokenResponse](t, rr)
	if resp.AccessToken == "" {
		t.Fatal("no access token after approval")
	}

	// The code is single-redeem.
	rr = postForm(t, mux, "/oauth/token", poll, nil)
	if errResp := decodeJSON[ErrorResponse](t, rr); errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("replayed poll error = %s, want invalid_grant", errResp.Error)
	}
}

func TestServeRegisterClient(t *testing.T) {
	t.Run("disabled route is not mounted", func(t *testing.T) {
		mux, _, _ := newTestStack(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/oauth/clients", strings.NewReader("{}"))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("registers a confidential client", func(t *testing.T) {
		mux, _, _ := newTestStack(t, &server.Config{EnableClientAPI: true})

		body := `{"client_name":"Grain Web","redirect_uris":["https://grain.example/cb"]}`
		req := httptest.NewRequest(http.MethodPost, "/oauth/clients", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
		}
		resp := decodeJSON[ClientRegistrationResponse](t, rr)
		if resp.ClientID == "" || resp.ClientSecret == "" {
			t.Fatalf("incomplete registration response: %+v", resp)
		}
		if resp.TokenEndpointAuthMethod != storage.TokenEndpointAuthMethodBasic {
			t.Errorf("auth method = %s", resp.TokenEndpointAuthMethod)
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		mux, _, _ := newTestStack(t, &server.Config{EnableClientAPI: true})
		req := httptest.NewRequest(http.MethodPost, "/oauth/clients", strings.NewReader("{"))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestServeToken_DPoPNonceHandshake(t *testing.T) {
	mux, srv, store := newTestStack(t, nil)
	savePublicClient(t, store, "c1")

	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {"ignored"},
		"client_id":   {"c1"},
	}

	// A garbage DPoP header is rejected, but the response still carries a
	// fresh nonce for the retry.
	header := http.Header{}
	header.Set("DPoP", "not-a-proof")
	rr := postForm(t, mux, "/oauth/token", form, header)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	nonce := rr.Header().Get("DPoP-Nonce")
	if nonce == "" {
		t.Fatal("response missing DPoP-Nonce header")
	}
	if !srv.Nonces.Validate(nonce) {
		t.Error("issued nonce does not validate")
	}
}
