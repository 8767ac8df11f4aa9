package server

import (
	"context"
	"crypto/rand"
	"errors"
	"net/url"
	"strings"

	"github.com/grainsocial/aip/storage"
)

// userCodeAlphabet avoids vowels and ambiguous characters so codes are
// easy to read aloud and type (RFC 8628 §6.1).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// DeviceAuthorization is the result of initiating a device flow.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int64
	Interval                int
}

// BeginDeviceAuthorization starts an RFC 8628 device authorization: it
// stores a pending device code and returns the codes and verification URI
// the device displays to the user.
func (s *Server) BeginDeviceAuthorization(ctx context.Context, clientID, scope string) (*DeviceAuthorization, *OAuthError) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	if _, err := s.clientStore.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("client lookup: %v", err)
	}

	if oerr := s.validateScope(scope); oerr != nil {
		return nil, oerr
	}

	now := s.Clock.Now()
	dc := &storage.DeviceCode{
		DeviceCode: generateRandomToken(),
		UserCode:   generateUserCode(),
		ClientID:   clientID,
		Scope:      scope,
		Status:     storage.DeviceCodePending,
		Interval:   s.Config.DeviceCodeInterval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Config.DeviceCodeTTL),
	}
	if err := s.deviceStore.SaveDeviceCode(ctx, dc); err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("save device code: %v", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogDeviceAuthorization("", clientID, "initiated")
	}
	s.Logger.Info("Device authorization started",
		"client_id", clientID,
		"user_code", dc.UserCode)

	return &DeviceAuthorization{
		DeviceCode:              dc.DeviceCode,
		UserCode:                dc.UserCode,
		VerificationURI:         s.Config.VerificationURI,
		VerificationURIComplete: s.Config.VerificationURI + "?user_code=" + url.QueryEscape(dc.UserCode),
		ExpiresIn:               int64(s.Config.DeviceCodeTTL.Seconds()),
		Interval:                dc.Interval,
	}, nil
}

// ApproveDeviceCode records user approval of a pending device
// authorization, identified by the short user code. subject is the DID of
// the approving account; when an identity resolver is configured the
// subject must resolve before approval is recorded.
func (s *Server) ApproveDeviceCode(ctx context.Context, userCode, subject string) *OAuthError {
	dc, oerr := s.pendingDeviceCodeByUserCode(ctx, userCode)
	if oerr != nil {
		return oerr
	}
	if subject == "" {
		return ErrInvalidRequest("subject is required to approve")
	}

	if s.Identity != nil {
		if _, err := s.Identity.ResolveDID(ctx, subject); err != nil {
			return ErrInvalidGrant("subject identity could not be verified").
				WithDiag("resolve %s: %v", safeTruncate(subject, 40), err)
		}
	}

	if err := s.deviceStore.UpdateDeviceCodeStatus(ctx, dc.DeviceCode, storage.DeviceCodeApproved, subject); err != nil {
		return ErrServerError("temporarily unable to process request").
			WithDiag("update device code: %v", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogDeviceAuthorization(subject, dc.ClientID, "approved")
	}
	return nil
}

// DenyDeviceCode records user denial of a pending device authorization.
// Denial is terminal: the polling device receives access_denied.
func (s *Server) DenyDeviceCode(ctx context.Context, userCode string) *OAuthError {
	dc, oerr := s.pendingDeviceCodeByUserCode(ctx, userCode)
	if oerr != nil {
		return oerr
	}

	if err := s.deviceStore.UpdateDeviceCodeStatus(ctx, dc.DeviceCode, storage.DeviceCodeDenied, ""); err != nil {
		return ErrServerError("temporarily unable to process request").
			WithDiag("update device code: %v", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogDeviceAuthorization("", dc.ClientID, "denied")
	}
	return nil
}

// pendingDeviceCodeByUserCode resolves a user code to a device code record
// that is still pending and unexpired.
func (s *Server) pendingDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, *OAuthError) {
	if userCode == "" {
		return nil, ErrInvalidRequest("user_code is required")
	}

	dc, err := s.deviceStore.GetDeviceCodeByUserCode(ctx, normalizeUserCode(userCode))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant("user code is invalid")
	}
	if err != nil {
		return nil, ErrServerError("temporarily unable to process request").
			WithDiag("lookup user code: %v", err)
	}

	if s.isExpired(dc.ExpiresAt) {
		return nil, ErrExpiredToken("device code has expired")
	}
	if dc.Status != storage.DeviceCodePending {
		return nil, ErrInvalidGrant("device code has already been decided")
	}
	return dc, nil
}

// generateUserCode produces a short XXXX-XXXX code over the restricted
// alphabet. Entropy is 8 characters over 20 symbols, about 34 bits, which
// is adequate for a code that lives minutes and is rate limited.
func generateUserCode() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	var b strings.Builder
	for i, c := range buf {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return b.String()
}

// normalizeUserCode upper-cases and restores the canonical dash so users
// can type codes case-insensitively with or without the separator.
func normalizeUserCode(code string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	if len(cleaned) == 8 {
		return cleaned[:4] + "-" + cleaned[4:]
	}
	return cleaned
}
