package server

import (
	"testing"
	"time"

	"github.com/grainsocial/aip/security"
)

func TestNonceProvider_DeterministicAcrossReplicas(t *testing.T) {
	clock := security.FixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := NewNonceProvider("shared-seed", 3, clock)
	b := NewNonceProvider("shared-seed", 3, clock)

	if a.Nonce() != b.Nonce() {
		t.Error("replicas with the same seed and generation disagree on the nonce")
	}
	if !b.Validate(a.Nonce()) {
		t.Error("replica rejected a nonce issued by its peer")
	}
}

func TestNonceProvider_Windows(t *testing.T) {
	clock := newMovableClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewNonceProvider("seed", 0, clock)

	nonce := p.Nonce()

	clock.Advance(nonceWindow)
	if !p.Validate(nonce) {
		t.Error("nonce from the previous window rejected")
	}

	clock.Advance(nonceWindow)
	if p.Validate(nonce) {
		t.Error("nonce two windows old accepted")
	}
}

func TestNonceProvider_FailsClosed(t *testing.T) {
	clock := security.FixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewNonceProvider("seed", 0, clock)

	if p.Validate("") {
		t.Error("empty nonce accepted")
	}
	if p.Validate("bogus") {
		t.Error("arbitrary nonce accepted")
	}

	bumped := NewNonceProvider("seed", 1, clock)
	if bumped.Validate(p.Nonce()) {
		t.Error("nonce survived a generation bump")
	}

	other := NewNonceProvider("other-seed", 0, clock)
	if other.Validate(p.Nonce()) {
		t.Error("nonce from a different seed accepted")
	}
}

func TestVerifyDPoPProof(t *testing.T) {
	srv, _, clock := newTestServer(t, nil)
	key, _ := newECKey(t)
	uri := srv.Config.tokenEndpoint()

	t.Run("valid proof", func(t *testing.T) {
		proof := signDPoPProof(t, key, "POST", uri, srv.Nonces.Nonce(), clock.Now())
		verified, err := srv.VerifyDPoPProof(proof, "POST", uri)
		if err != nil {
			t.Fatalf("VerifyDPoPProof() = %v", err)
		}
		if verified.Thumbprint == "" {
			t.Error("thumbprint is empty")
		}
	})

	t.Run("thumbprint is stable per key", func(t *testing.T) {
		p1 := signDPoPProof(t, key, "POST", uri, srv.Nonces.Nonce(), clock.Now())
		p2 := signDPoPProof(t, key, "POST", uri, srv.Nonces.Nonce(), clock.Now())
		v1, err1 := srv.VerifyDPoPProof(p1, "POST", uri)
		v2, err2 := srv.VerifyDPoPProof(p2, "POST", uri)
		if err1 != nil || err2 != nil {
			t.Fatalf("verify errors: %v %v", err1, err2)
		}
		if v1.Thumbprint != v2.Thumbprint {
			t.Error("same key produced different thumbprints")
		}
	})

	t.Run("missing nonce asks for retry", func(t *testing.T) {
		proof := signDPoPProof(t, key, "POST", uri, "", clock.Now())
		_, err := srv.VerifyDPoPProof(proof, "POST", uri)
		wantOAuthError(t, err, ErrorCodeUseDPoPNonce)
	})

	t.Run("stale nonce asks for retry", func(t *testing.T) {
		stale := srv.Nonces.Nonce()
		clock.Advance(2 * nonceWindow)
		defer clock.Advance(-2 * nonceWindow)
		proof := signDPoPProof(t, key, "POST", uri, stale, clock.Now())
		_, err := srv.VerifyDPoPProof(proof, "POST", uri)
		wantOAuthError(t, err, ErrorCodeUseDPoPNonce)
	})

	t.Run("method mismatch", func(t *testing.T) {
		proof := signDPoPProof(t, key, "GET", uri, srv.Nonces.Nonce(), clock.Now())
		_, err := srv.VerifyDPoPProof(proof, "POST", uri)
		wantOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("uri mismatch", func(t *testing.T) {
		proof := signDPoPProof(t, key, "POST", "https://elsewhere.test/oauth/token", srv.Nonces.Nonce(), clock.Now())
		_, err := srv.VerifyDPoPProof(proof, "POST", uri)
		wantOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("query string on htu is ignored", func(t *testing.T) {
		proof := signDPoPProof(t, key, "POST", uri+"?cachebust=1", srv.Nonces.Nonce(), clock.Now())
		if _, err := srv.VerifyDPoPProof(proof, "POST", uri); err != nil {
			t.Fatalf("VerifyDPoPProof() = %v", err)
		}
	})

	t.Run("stale iat", func(t *testing.T) {
		proof := signDPoPProof(t, key, "POST", uri, srv.Nonces.Nonce(), clock.Now().Add(-time.Hour))
		_, err := srv.VerifyDPoPProof(proof, "POST", uri)
		wantOAuthError(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("garbage proof", func(t *testing.T) {
		_, err := srv.VerifyDPoPProof("not-a-jwt", "POST", uri)
		wantOAuthError(t, err, ErrorCodeInvalidRequest)
	})
}
