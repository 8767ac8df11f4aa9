package server

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grainsocial/aip/storage"
)

func TestRegisterClient(t *testing.T) {
	srv, store, _ := newTestServer(t, &Config{
		DefaultAccessTokenExpiration:  time.Hour,
		DefaultRefreshTokenExpiration: 48 * time.Hour,
	})
	ctx := context.Background()

	t.Run("confidential defaults", func(t *testing.T) {
		reg, oerr := srv.RegisterClient(ctx, &ClientRegistration{
			ClientName:   "Test App",
			RedirectURIs: []string{"https://app.example/cb"},
		})
		if oerr != nil {
			t.Fatalf("RegisterClient() = %v", oerr)
		}

		if len(reg.ClientID) != 26 {
			t.Errorf("ClientID = %q, want 26-char ULID", reg.ClientID)
		}
		if reg.ClientSecret == "" {
			t.Fatal("confidential client got no secret")
		}

		stored, err := store.GetClient(ctx, reg.ClientID)
		if err != nil {
			t.Fatalf("GetClient() error: %v", err)
		}
		if stored.ClientType != storage.ClientTypeConfidential {
			t.Errorf("ClientType = %s", stored.ClientType)
		}
		if stored.TokenEndpointAuthMethod != storage.TokenEndpointAuthMethodBasic {
			t.Errorf("TokenEndpointAuthMethod = %s", stored.TokenEndpointAuthMethod)
		}
		if stored.AccessTokenLifetime != time.Hour {
			t.Errorf("AccessTokenLifetime = %v, want 1h", stored.AccessTokenLifetime)
		}
		if stored.RefreshTokenLifetime != 48*time.Hour {
			t.Errorf("RefreshTokenLifetime = %v, want 48h", stored.RefreshTokenLifetime)
		}

		// Only the hash is stored, and it verifies the returned plaintext.
		if stored.ClientSecretHash == reg.ClientSecret {
			t.Error("secret stored in plaintext")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(stored.ClientSecretHash), []byte(reg.ClientSecret)); err != nil {
			t.Errorf("stored hash does not match returned secret: %v", err)
		}
	})

	t.Run("public client", func(t *testing.T) {
		reg, oerr := srv.RegisterClient(ctx, &ClientRegistration{
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: []string{"https://app.example/cb"},
		})
		if oerr != nil {
			t.Fatalf("RegisterClient() = %v", oerr)
		}
		if reg.ClientSecret != "" {
			t.Error("public client got a secret")
		}
		if reg.Client.TokenEndpointAuthMethod != storage.TokenEndpointAuthMethodNone {
			t.Errorf("TokenEndpointAuthMethod = %s", reg.Client.TokenEndpointAuthMethod)
		}
	})

	t.Run("private_key_jwt requires a key", func(t *testing.T) {
		_, oerr := srv.RegisterClient(ctx, &ClientRegistration{
			TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodPrivateKeyJWT,
		})
		wantOAuthError(t, oerr, ErrorCodeInvalidRequest)

		_, pemKey := newECKey(t)
		reg, oerr := srv.RegisterClient(ctx, &ClientRegistration{
			TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodPrivateKeyJWT,
			PublicKeyPEM:            pemKey,
		})
		if oerr != nil {
			t.Fatalf("RegisterClient() with key = %v", oerr)
		}
		if reg.ClientSecret != "" {
			t.Error("private_key_jwt client got a secret")
		}
	})

	t.Run("rejects bad inputs", func(t *testing.T) {
		tests := []struct {
			name string
			reg  ClientRegistration
		}{
			{"bad client type", ClientRegistration{ClientType: "hybrid"}},
			{"public with secret method", ClientRegistration{
				ClientType:              storage.ClientTypePublic,
				TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodBasic,
			}},
			{"confidential with none", ClientRegistration{
				TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodNone,
			}},
			{"relative redirect uri", ClientRegistration{RedirectURIs: []string{"/cb"}}},
			{"garbage public key", ClientRegistration{
				TokenEndpointAuthMethod: storage.TokenEndpointAuthMethodPrivateKeyJWT,
				PublicKeyPEM:            "not a key",
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, oerr := srv.RegisterClient(ctx, &tt.reg)
				wantOAuthError(t, oerr, ErrorCodeInvalidRequest)
			})
		}
	})

	t.Run("registered client can authenticate", func(t *testing.T) {
		reg, oerr := srv.RegisterClient(ctx, &ClientRegistration{ClientName: "Round Trip"})
		if oerr != nil {
			t.Fatalf("RegisterClient() = %v", oerr)
		}
		auth, err := srv.AuthenticateClient(ctx, basicHeader(reg.ClientID, reg.ClientSecret), ClientCredentials{})
		if err != nil {
			t.Fatalf("AuthenticateClient() error: %v", err)
		}
		if auth == nil || auth.ClientID != reg.ClientID {
			t.Fatalf("auth = %+v, want client %s", auth, reg.ClientID)
		}
	})
}
