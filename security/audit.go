// Package security provides ambient security features for the authorization
// server: audit logging with PII protection, per-identifier rate limiting,
// and injectable clocks for expiry checks.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Subject DIDs
// are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token pair is issued.
func (a *Auditor) LogTokenIssued(subject, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     "token_issued",
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRevoked logs when a token is revoked.
func (a *Auditor) LogTokenRevoked(subject, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     "token_revoked",
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs a client authentication or grant failure.
func (a *Auditor) LogAuthFailure(subject, clientID, reason string) {
	a.LogEvent(Event{
		Type:     "auth_failure",
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRegistered logs when a new client is registered.
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     "client_registered",
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogDeviceAuthorization logs a device-flow status transition.
func (a *Auditor) LogDeviceAuthorization(subject, clientID, status string) {
	a.LogEvent(Event{
		Type:     "device_authorization",
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"status": status,
		},
	})
}

// LogNonceRejected logs a rejected DPoP nonce.
func (a *Auditor) LogNonceRejected(clientID, reason string) {
	a.LogEvent(Event{
		Type:     "dpop_nonce_rejected",
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging produces a short stable hash of an identifier so events
// can be correlated without exposing the identifier itself.
func hashForLogging(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
