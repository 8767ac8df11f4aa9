// Package lru provides bounded, in-memory storage backed by LRU caches.
// Least-recently-used entries are evicted once capacity is exceeded, which
// is acceptable for ephemeral OAuth request state and cached external
// identity documents, but not for access or refresh tokens: those need a
// durable backend holding the authoritative copy.
package lru

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/grainsocial/aip/storage"
)

// Store holds authorization requests and device codes in bounded LRU
// caches. It implements storage.FlowStore and storage.DeviceStore.
type Store struct {
	// mu serializes consume operations; the caches' internal locks do not
	// make a lookup-then-remove pair atomic on their own.
	mu sync.Mutex

	authRequests *lru.Cache[string, *storage.AuthorizationRequest]
	deviceCodes  *lru.Cache[string, *storage.DeviceCode]
	userCodes    *lru.Cache[string, string] // user code -> device code
}

var (
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.DeviceStore = (*Store)(nil)
)

// New creates a bounded store holding at most capacity entries per record
// kind. Capacity must be positive.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("lru: capacity must be positive, got %d", capacity)
	}

	authRequests, err := lru.New[string, *storage.AuthorizationRequest](capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	deviceCodes, err := lru.New[string, *storage.DeviceCode](capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	userCodes, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}

	return &Store{
		authRequests: authRequests,
		deviceCodes:  deviceCodes,
		userCodes:    userCodes,
	}, nil
}

// SaveAuthorizationRequest persists a pending authorization request,
// evicting the least recently used entry if the cache is full.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}
	cp := *req
	s.authRequests.Add(req.Code, &cp)
	return nil
}

// ConsumeAuthorizationRequest atomically fetches and deletes an
// authorization request by code.
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests.Get(code)
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.authRequests.Remove(code)
	cp := *req
	return &cp, nil
}

// SaveDeviceCode persists a device code record.
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}
	cp := *code
	s.deviceCodes.Add(code.DeviceCode, &cp)
	s.userCodes.Add(code.UserCode, code.DeviceCode)
	return nil
}

// GetDeviceCode retrieves a device code record by the device code.
func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	dc, ok := s.deviceCodes.Get(deviceCode)
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.mu.Lock()
	cp := *dc
	s.mu.Unlock()
	return &cp, nil
}

// GetDeviceCodeByUserCode retrieves a device code record by the user code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	deviceCode, ok := s.userCodes.Get(userCode)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetDeviceCode(ctx, deviceCode)
}

// UpdateDeviceCodeStatus transitions a device code's authorization status.
func (s *Store) UpdateDeviceCodeStatus(ctx context.Context, deviceCode string, status storage.DeviceCodeStatus, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dc, ok := s.deviceCodes.Get(deviceCode)
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

	dc, ok := s.deviceCodes.Get(deviceCode)
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

	dc, ok := s.deviceCodes.Get(deviceCode)
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.deviceCodes.Remove(deviceCode)
	s.userCodes.Remove(dc.UserCode)
	cp := *dc
	return &cp, nil
}

// DocumentCache is a bounded cache for resolved identity documents keyed
// by DID. Resolution is expensive (network I/O); eviction only costs a
// re-resolve.
type DocumentCache struct {
	cache *lru.Cache[string, []byte]
}

// NewDocumentCache creates a DID document cache with the given capacity.
func NewDocumentCache(capacity int) (*DocumentCache, error) {
	cache, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	return &DocumentCache{cache: cache}, nil
}

// Get returns the cached document for a DID, if present.
func (c *DocumentCache) Get(did string) ([]byte, bool) {
	return c.cache.Get(did)
}

// Put caches a resolved document for a DID.
func (c *DocumentCache) Put(did string, doc []byte) {
	c.cache.Add(did, doc)
}
