// Package storage defines the capability interfaces for persisting OAuth
// clients, tokens, authorization requests, and device codes. Backends
// (in-memory, bounded LRU, sqlite, valkey) implement identical semantics;
// only durability and eviction policy differ.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist. Callers must treat
// any other error as a transient backend failure, never as absence.
var ErrNotFound = errors.New("storage: not found")

// ClientStore manages registered OAuth client records.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// TokenStore manages access and refresh token records.
type TokenStore interface {
	// SaveAccessToken persists an access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by its opaque value.
	// Returns ErrNotFound if absent.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken deletes an access token.
	// Returns ErrNotFound if the token does not exist.
	RevokeAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken persists a refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken atomically fetches and deletes a refresh token.
	// Concurrent callers race for a single winner; losers observe
	// ErrNotFound. This MUST be enforced by the backend's atomic primitive,
	// not an in-process lock, so multiple replicas stay correct.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// FlowStore manages short-lived authorization request state.
type FlowStore interface {
	// SaveAuthorizationRequest persists a pending authorization request.
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// ConsumeAuthorizationRequest atomically fetches and deletes an
	// authorization request by code. A code is never redeemable twice:
	// exactly one concurrent caller wins, the rest observe ErrNotFound.
	ConsumeAuthorizationRequest(ctx context.Context, code string) (*AuthorizationRequest, error)
}

// DeviceStore manages RFC 8628 device authorization grants.
type DeviceStore interface {
	// SaveDeviceCode persists a device code record.
	SaveDeviceCode(ctx context.Context, code *DeviceCode) error

	// GetDeviceCode retrieves a device code record by the device code.
	// Expired records are still returned so the grant processor can
	// distinguish expired_token from invalid_grant.
	GetDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error)

	// GetDeviceCodeByUserCode retrieves a device code record by the
	// user-facing short code.
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)

	// UpdateDeviceCodeStatus transitions a device code's authorization
	// status and records the approving subject, if any.
	UpdateDeviceCodeStatus(ctx context.Context, deviceCode string, status DeviceCodeStatus, subject string) error

	// MarkDeviceCodePolled records the time of the latest poll and the
	// interval the client was instructed to honor.
	MarkDeviceCodePolled(ctx context.Context, deviceCode string, at time.Time, interval int) error

	// ConsumeDeviceCode atomically fetches and deletes a device code for
	// redemption. Device codes are single-redeem, not idempotent reads:
	// subsequent consumers observe ErrNotFound.
	ConsumeDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error)
}

// Store is the full capability set. Backends that persist everything
// implement it directly; deployments may also compose per-capability
// backends (e.g. a durable token store with an LRU flow store).
type Store interface {
	ClientStore
	TokenStore
	FlowStore
	DeviceStore
}
