package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/grainsocial/aip/security"
	"github.com/grainsocial/aip/storage"
	"github.com/grainsocial/aip/storage/memory"
)

// movableClock is a test clock that can be advanced explicitly.
type movableClock struct {
	mu sync.Mutex
	t  time.Time
}

func newMovableClock(t time.Time) *movableClock {
	return &movableClock{t: t}
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var _ security.Clock = (*movableClock)(nil)

// newTestServer creates a server backed by the in-memory store with a
// movable clock pinned to a known instant.
func newTestServer(t *testing.T, config *Config) (*Server, *memory.Store, *movableClock) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		config.Issuer = "https://aip.test"
	}
	if config.DPoPNonceSeed == "" {
		config.DPoPNonceSeed = "test-nonce-seed"
	}

	srv, err := New(store, store, store, store, config, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	clock := newMovableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	srv.SetClock(clock)
	return srv, store, clock
}

// saveTestClient persists a client record and returns it.
func saveTestClient(t *testing.T, store *memory.Store, client *storage.Client) *storage.Client {
	t.Helper()
	if client.ClientType == "" {
		client.ClientType = storage.ClientTypeConfidential
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = storage.TokenEndpointAuthMethodBasic
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}
	return client
}

// bcryptHash hashes a secret at minimum cost to keep tests fast.
func bcryptHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// authFor builds a ClientAuth for an already-saved client, bypassing the
// authentication path for grant tests that exercise grant logic only.
func authFor(client *storage.Client) *ClientAuth {
	return &ClientAuth{
		ClientID: client.ClientID,
		Method:   client.TokenEndpointAuthMethod,
		Client:   client,
	}
}

// newECKey generates a P-256 key pair and its PKIX PEM encoding.
func newECKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

// signClientAssertion creates a private_key_jwt assertion for clientID.
func signClientAssertion(t *testing.T, key *ecdsa.PrivateKey, clientID, audience string, now time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		ID:        "assertion-1",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

// ecJWK returns the embedded-JWK header value for a P-256 public key.
func ecJWK(key *ecdsa.PublicKey) map[string]any {
	size := (key.Curve.Params().BitSize + 7) / 8
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(key.X.FillBytes(make([]byte, size))),
		"y":   base64.RawURLEncoding.EncodeToString(key.Y.FillBytes(make([]byte, size))),
	}
}

// signDPoPProof creates a DPoP proof JWT with an embedded JWK.
func signDPoPProof(t *testing.T, key *ecdsa.PrivateKey, method, uri, nonce string, now time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"jti": fmt.Sprintf("jti-%d", now.UnixNano()),
		"htm": method,
		"htu": uri,
		"iat": now.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["typ"] = "dpop+jwt"
	tok.Header["jwk"] = ecJWK(&key.PublicKey)
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign dpop proof: %v", err)
	}
	return signed
}

// wantOAuthError fails the test unless err carries the expected code.
func wantOAuthError(t *testing.T, err *OAuthError, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if err.Code != code {
		t.Fatalf("error code = %s (%s), want %s", err.Code, err.Description, code)
	}
}
