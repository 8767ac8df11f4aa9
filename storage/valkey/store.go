// Package valkey provides a Valkey-backed storage implementation. Records
// are stored as JSON values with TTLs matching their expiry; consume
// operations use GETDEL so a single concurrent caller wins without any
// in-process coordination, which keeps multi-replica deployments correct.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/grainsocial/aip/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "aip:"

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second

	// deviceCodeRetention keeps expired device codes around so pollers can
	// still observe expired_token rather than a bare invalid_grant.
	deviceCodeRetention = time.Hour
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "aip:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance. It verifies the
// connection before returning.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", prefix)

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) clientKey(id string) string       { return s.prefix + "client:" + id }
func (s *Store) accessTokenKey(t string) string   { return s.prefix + "access:" + t }
func (s *Store) refreshTokenKey(t string) string  { return s.prefix + "refresh:" + t }
func (s *Store) authRequestKey(c string) string   { return s.prefix + "authreq:" + c }
func (s *Store) deviceCodeKey(c string) string    { return s.prefix + "device:" + c }
func (s *Store) userCodeKey(c string) string      { return s.prefix + "usercode:" + c }

func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

// ttlUntil returns a TTL covering expiresAt plus slack, with a floor of one
// second so Set().Ex() never receives a non-positive value.
func ttlUntil(expiresAt time.Time, slack time.Duration) time.Duration {
	ttl := time.Until(expiresAt) + slack
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("valkey: marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(data))
	if ttl > 0 {
		return s.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, cmd.Build()).Error()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("valkey: get: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("valkey: unmarshal: %w", err)
	}
	return nil
}

// getDelJSON atomically fetches and deletes the value at key.
func (s *Store) getDelJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("valkey: getdel: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("valkey: unmarshal: %w", err)
	}
	return nil
}

// SaveClient persists a registered client. Clients have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	return s.setJSON(ctx, s.clientKey(client.ClientID), client, 0)
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var c storage.Client
	if err := s.getJSON(ctx, s.clientKey(clientID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveAccessToken persists an access token with a TTL matching its expiry.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	return s.setJSON(ctx, s.accessTokenKey(token.Token), token, ttlUntil(token.ExpiresAt, 0))
}

// GetAccessToken retrieves an access token by its opaque value.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	var at storage.AccessToken
	if err := s.getJSON(ctx, s.accessTokenKey(token), &at); err != nil {
		return nil, err
	}
	return &at, nil
}

// RevokeAccessToken deletes an access token.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(token)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("valkey: revoke access token: %w", err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveRefreshToken persists a refresh token with a TTL matching its expiry.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	return s.setJSON(ctx, s.refreshTokenKey(token.Token), token, ttlUntil(token.ExpiresAt, 0))
}

// ConsumeRefreshToken atomically fetches and deletes a refresh token via
// GETDEL: one winner, no shared locks.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	var rt storage.RefreshToken
	if err := s.getDelJSON(ctx, s.refreshTokenKey(token), &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// SaveAuthorizationRequest persists a pending authorization request.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}
	return s.setJSON(ctx, s.authRequestKey(req.Code), req, ttlUntil(req.ExpiresAt, 0))
}

// ConsumeAuthorizationRequest atomically fetches and deletes an
// authorization request by code via GETDEL.
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	var req storage.AuthorizationRequest
	if err := s.getDelJSON(ctx, s.authRequestKey(code), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// SaveDeviceCode persists a device code record plus a user-code index key.
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}
	ttl := ttlUntil(code.ExpiresAt, deviceCodeRetention)
	if err := s.setJSON(ctx, s.deviceCodeKey(code.DeviceCode), code, ttl); err != nil {
		return err
	}
	return s.client.Do(ctx,
		s.client.B().Set().Key(s.userCodeKey(code.UserCode)).Value(code.DeviceCode).Ex(ttl).Build(),
	).Error()
}

// GetDeviceCode retrieves a device code record by the device code.
func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	var dc storage.DeviceCode
	if err := s.getJSON(ctx, s.deviceCodeKey(deviceCode), &dc); err != nil {
		return nil, err
	}
	return &dc, nil
}

// GetDeviceCodeByUserCode retrieves a device code record by the user code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("valkey: get user code: %w", err)
	}
	return s.GetDeviceCode(ctx, deviceCode)
}

// Device code updates patch the stored JSON inside the server via Lua so
// the read-modify-write cannot interleave with a concurrent writer. A plain
// GET/SET pair would let a poll write back a stale pending snapshot over a
// just-recorded approval.
const (
	updateDeviceCodeStatusLua = `
local data = redis.call('GET', KEYS[1])
if not data then return 0 end
local rec = cjson.decode(data)
rec['Status'] = ARGV[1]
if ARGV[2] ~= '' then
  rec['Subject'] = ARGV[2]
end
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1`

	markDeviceCodePolledLua = `
local data = redis.call('GET', KEYS[1])
if not data then return 0 end
local rec = cjson.decode(data)
rec['LastPolledAt'] = ARGV[1]
rec['Interval'] = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1`
)

var (
	updateDeviceCodeStatusScript = valkeygo.NewLuaScript(updateDeviceCodeStatusLua)
	markDeviceCodePolledScript   = valkeygo.NewLuaScript(markDeviceCodePolledLua)
)

// UpdateDeviceCodeStatus transitions a device code's authorization status.
func (s *Store) UpdateDeviceCodeStatus(ctx context.Context, deviceCode string, status storage.DeviceCodeStatus, subject string) error {
	n, err := updateDeviceCodeStatusScript.Exec(ctx, s.client,
		[]string{s.deviceCodeKey(deviceCode)},
		[]string{string(status), subject},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("valkey: update device code status: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkDeviceCodePolled records the latest poll time and interval.
func (s *Store) MarkDeviceCodePolled(ctx context.Context, deviceCode string, at time.Time, interval int) error {
	n, err := markDeviceCodePolledScript.Exec(ctx, s.client,
		[]string{s.deviceCodeKey(deviceCode)},
		[]string{at.UTC().Format(time.RFC3339Nano), strconv.Itoa(interval)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("valkey: mark device code polled: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ConsumeDeviceCode atomically fetches and deletes a device code. GETDEL on
// the primary key guarantees a single winner; the user-code index is
// removed best-effort afterwards.
func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	var dc storage.DeviceCode
	if err := s.getDelJSON(ctx, s.deviceCodeKey(deviceCode), &dc); err != nil {
		return nil, err
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.userCodeKey(dc.UserCode)).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete user code index", "error", err)
	}
	return &dc, nil
}
