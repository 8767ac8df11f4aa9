// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grainsocial/aip/security"
	"github.com/grainsocial/aip/storage"
)

const (
	// deviceCodeRetention is how long expired device codes are kept before
	// the sweep removes them. Pollers must be able to observe expired_token
	// for a while after expiry instead of a bare invalid_grant.
	deviceCodeRetention = time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	authRequests  map[string]*storage.AuthorizationRequest
	deviceCodes   map[string]*storage.DeviceCode
	userCodes     map[string]string // user code -> device code

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		authRequests:    make(map[string]*storage.AuthorizationRequest),
		deviceCodes:     make(map[string]*storage.DeviceCode),
		userCodes:       make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *client
	return &cp, nil
}

// SaveAccessToken persists an access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.accessTokens[token.Token] = &cp
	return nil
}

// GetAccessToken retrieves an access token by its opaque value.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *at
	return &cp, nil
}

// RevokeAccessToken deletes an access token.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[token]; !ok {
		return storage.ErrNotFound
	}
	delete(s.accessTokens, token)
	return nil
}

// SaveRefreshToken persists a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.refreshTokens[token.Token] = &cp
	return nil
}

// ConsumeRefreshToken atomically fetches and deletes a refresh token.
// The write lock makes the read-and-delete a single linearizable step.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, token)
	cp := *rt
	return &cp, nil
}

// SaveAuthorizationRequest persists a pending authorization request.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.authRequests[req.Code] = &cp
	return nil
}

// ConsumeAuthorizationRequest atomically fetches and deletes an
// authorization request by code.
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.authRequests, code)
	cp := *req
	return &cp, nil
}

// SaveDeviceCode persists a device code record.
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.deviceCodes[code.DeviceCode] = &cp
	s.userCodes[code.UserCode] = code.DeviceCode
	return nil
}

// GetDeviceCode retrieves a device code record by the device code.
func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *dc
	return &cp, nil
}

// GetDeviceCodeByUserCode retrieves a device code record by the user code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *dc
	return &cp, nil
}

// UpdateDeviceCodeStatus transitions a device code's authorization status.
func (s *Store) UpdateDeviceCodeStatus(ctx context.Context, deviceCode string, status storage.DeviceCodeStatus, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return storage.ErrNotFound
	}
	dc.Status = status
	if subject != "" {
		dc.Subject = subject
	}
	return nil
}

// MarkDeviceCodePolled records the latest poll time and interval.
func (s *Store) MarkDeviceCodePolled(ctx context.Context, deviceCode string, at time.Time, interval int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return storage.ErrNotFound
	}
	dc.LastPolledAt = at
	dc.Interval = interval
	return nil
}

// ConsumeDeviceCode atomically fetches and deletes a device code.
func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.deviceCodes, deviceCode)
	delete(s.userCodes, dc.UserCode)
	cp := *dc
	return &cp, nil
}

// cleanupLoop periodically removes expired records.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup removes expired tokens and authorization requests. The sweep
// applies the clock skew grace period so it never deletes a record another
// replica's slightly-behind clock would still look up; the engine stays
// authoritative at exact expiry. Device codes are retained longer so the
// grant processor can report expired_token instead of invalid_grant.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock := security.FixedClock(now)
	removed := 0
	for k, at := range s.accessTokens {
		if security.IsExpired(clock, at.ExpiresAt) {
			delete(s.accessTokens, k)
			removed++
		}
	}
	for k, rt := range s.refreshTokens {
		if security.IsExpired(clock, rt.ExpiresAt) {
			delete(s.refreshTokens, k)
			removed++
		}
	}
	for k, req := range s.authRequests {
		if security.IsExpired(clock, req.ExpiresAt) {
			delete(s.authRequests, k)
			removed++
		}
	}
	for k, dc := range s.deviceCodes {
		if security.IsExpiredWithGracePeriod(clock, dc.ExpiresAt, deviceCodeRetention) {
			delete(s.deviceCodes, k)
			delete(s.userCodes, dc.UserCode)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
}
