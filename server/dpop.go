package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grainsocial/aip/security"
)

const (
	// nonceWindow is the coarse time window a derived nonce stays valid.
	// Validation also accepts the previous window, so the effective
	// acceptance period is between one and two windows.
	nonceWindow = 5 * time.Minute

	// dpopProofMaxAge bounds how far a proof's iat may drift from server
	// time in either direction.
	dpopProofMaxAge = 5 * time.Minute
)

// NonceProvider derives DPoP nonces (RFC 9449) deterministically from a
// shared seed, a generation counter, and a coarse time window. Replicas
// configured with the same seed and generation accept each other's nonces
// with no shared store; bumping the generation invalidates everything
// outstanding at once.
type NonceProvider struct {
	seed       []byte
	generation uint64
	window     time.Duration
	clock      security.Clock
}

// NewNonceProvider creates a nonce provider. The seed must be non-empty and
// shared across replicas for cross-replica validation to work.
func NewNonceProvider(seed string, generation uint64, clock security.Clock) *NonceProvider {
	return &NonceProvider{
		seed:       []byte(seed),
		generation: generation,
		window:     nonceWindow,
		clock:      clock,
	}
}

// Nonce returns the nonce for the current time window. Handlers attach it
// to every token endpoint response as the DPoP-Nonce header.
func (p *NonceProvider) Nonce() string {
	return p.derive(p.windowIndex(p.clock.Now()))
}

// Validate reports whether nonce was derived for the current or the
// immediately preceding window. Anything else, including an empty nonce,
// fails closed.
func (p *NonceProvider) Validate(nonce string) bool {
	if nonce == "" {
		return false
	}
	idx := p.windowIndex(p.clock.Now())
	for _, w := range []int64{idx, idx - 1} {
		if subtle.ConstantTimeCompare([]byte(nonce), []byte(p.derive(w))) == 1 {
			return true
		}
	}
	return false
}

func (p *NonceProvider) windowIndex(now time.Time) int64 {
	return now.Unix() / int64(p.window.Seconds())
}

// derive computes HMAC-SHA256(seed, generation || window), base64url.
func (p *NonceProvider) derive(window int64) string {
	mac := hmac.New(sha256.New, p.seed)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], p.generation)
	binary.BigEndian.PutUint64(buf[8:], uint64(window))
	mac.Write(buf[:])
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// DPoPProof is the verified result of a DPoP header. Thumbprint is the
// RFC 7638 thumbprint of the proof's embedded key, bound to minted access
// tokens so resource servers can demand the matching private key.
type DPoPProof struct {
	Thumbprint string
}

// VerifyDPoPProof parses and verifies a DPoP proof JWT against the request
// method and URI. It enforces the dpop+jwt type, an embedded public JWK,
// signature validity, jti presence, iat freshness, htm/htu binding, and a
// server nonce from the accepted window. A stale or missing nonce yields a
// use_dpop_nonce error so the client retries with the fresh DPoP-Nonce
// response header.
func (s *Server) VerifyDPoPProof(proof, httpMethod, httpURI string) (*DPoPProof, *OAuthError) {
	var thumbprint string
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != "dpop+jwt" {
			return nil, fmt.Errorf("header typ is not dpop+jwt")
		}
		jwk, ok := t.Header["jwk"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("missing embedded jwk header")
		}
		key, tp, err := publicKeyFromJWK(jwk)
		if err != nil {
			return nil, err
		}
		thumbprint = tp
		return key, nil
	},
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
		jwt.WithTimeFunc(s.Clock.Now),
	)
	if err != nil {
		return nil, ErrInvalidRequest("invalid DPoP proof").WithDiag("dpop parse: %v", err)
	}

	if jti, _ := claims["jti"].(string); jti == "" {
		return nil, ErrInvalidRequest("DPoP proof missing jti")
	}
	iat, ok := claims["iat"].(float64)
	if !ok {
		return nil, ErrInvalidRequest("DPoP proof missing iat")
	}
	if age := s.Clock.Now().Sub(time.Unix(int64(iat), 0)); age > dpopProofMaxAge || age < -dpopProofMaxAge {
		return nil, ErrInvalidRequest("DPoP proof issued outside the acceptance window")
	}

	if htm, _ := claims["htm"].(string); !strings.EqualFold(htm, httpMethod) {
		return nil, ErrInvalidRequest("DPoP htm does not match request method")
	}
	if htu, _ := claims["htu"].(string); !sameRequestURI(htu, httpURI) {
		return nil, ErrInvalidRequest("DPoP htu does not match request URI")
	}

	if nonce, _ := claims["nonce"].(string); !s.Nonces.Validate(nonce) {
		return nil, ErrUseDPoPNonce("retry with the nonce from the DPoP-Nonce header")
	}

	return &DPoPProof{Thumbprint: thumbprint}, nil
}

// sameRequestURI compares htu against the request URI per RFC 9449:
// scheme and host case-insensitively, path exactly, query and fragment
// ignored.
func sameRequestURI(htu, requestURI string) bool {
	a, err := url.Parse(htu)
	if err != nil {
		return false
	}
	b, err := url.Parse(requestURI)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		a.Path == b.Path
}

// publicKeyFromJWK builds a verification key from an embedded JWK and
// returns it alongside the RFC 7638 thumbprint. The thumbprint hashes the
// canonical JSON of the required members in lexicographic order.
func publicKeyFromJWK(jwk map[string]any) (any, string, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "EC":
		crv, _ := jwk["crv"].(string)
		if crv != "P-256" {
			return nil, "", fmt.Errorf("unsupported curve %q", crv)
		}
		xs, _ := jwk["x"].(string)
		ys, _ := jwk["y"].(string)
		x, err := base64.RawURLEncoding.DecodeString(xs)
		if err != nil {
			return nil, "", fmt.Errorf("decode x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(ys)
		if err != nil {
			return nil, "", fmt.Errorf("decode y: %w", err)
		}
		key := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}
		if !key.Curve.IsOnCurve(key.X, key.Y) {
			return nil, "", fmt.Errorf("point is not on P-256")
		}
		return key, jwkThumbprint(fmt.Sprintf(`{"crv":%q,"kty":"EC","x":%q,"y":%q}`, crv, xs, ys)), nil
	case "RSA":
		ns, _ := jwk["n"].(string)
		es, _ := jwk["e"].(string)
		n, err := base64.RawURLEncoding.DecodeString(ns)
		if err != nil {
			return nil, "", fmt.Errorf("decode n: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(es)
		if err != nil {
			return nil, "", fmt.Errorf("decode e: %w", err)
		}
		key := &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
		return key, jwkThumbprint(fmt.Sprintf(`{"e":%q,"kty":"RSA","n":%q}`, es, ns)), nil
	default:
		return nil, "", fmt.Errorf("unsupported key type %q", kty)
	}
}

func jwkThumbprint(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
