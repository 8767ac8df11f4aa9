// Package sqlite provides a durable storage backend on sqlite. Consume
// operations use single-statement DELETE ... RETURNING so they are
// linearizable at the database without in-process locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/grainsocial/aip/storage"
	"github.com/grainsocial/aip/storage/sqlite/migrations"
)

// Store is a sqlite-backed implementation of all storage interfaces.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) the sqlite database at path and
// applies pending migrations.
func Open(path string) (*Store, error) {
	// Single write connection: sqlite serializes writers anyway, and this
	// avoids SQLITE_BUSY under concurrent consumes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// applyMigrations applies any pending schema migrations using the embedded
// migration files.
func (s *Store) applyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return fmt.Errorf("sqlite: migration source: %w", err)
	}

	instance, err := migrate.NewWithInstance("iofs", source, "", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migrate instance: %w", err)
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (
			client_id, client_secret_hash, client_type, token_endpoint_auth_method,
			public_key_pem, redirect_uris, scopes, client_name,
			access_token_lifetime_s, refresh_token_lifetime_s, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = excluded.client_secret_hash,
			client_type = excluded.client_type,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method,
			public_key_pem = excluded.public_key_pem,
			redirect_uris = excluded.redirect_uris,
			scopes = excluded.scopes,
			client_name = excluded.client_name,
			access_token_lifetime_s = excluded.access_token_lifetime_s,
			refresh_token_lifetime_s = excluded.refresh_token_lifetime_s`,
		client.ClientID, client.ClientSecretHash, client.ClientType, client.TokenEndpointAuthMethod,
		client.PublicKeyPEM, strings.Join(client.RedirectURIs, "\n"), strings.Join(client.Scopes, " "),
		client.ClientName, int64(client.AccessTokenLifetime.Seconds()),
		int64(client.RefreshTokenLifetime.Seconds()), client.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret_hash, client_type, token_endpoint_auth_method,
		       public_key_pem, redirect_uris, scopes, client_name,
		       access_token_lifetime_s, refresh_token_lifetime_s, created_at
		FROM clients WHERE client_id = ?`, clientID)

	var c storage.Client
	var redirectURIs, scopes string
	var accessLifetime, refreshLifetime, createdAt int64
	err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientType, &c.TokenEndpointAuthMethod,
		&c.PublicKeyPEM, &redirectURIs, &scopes, &c.ClientName,
		&accessLifetime, &refreshLifetime, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get client: %w", err)
	}

	c.RedirectURIs = splitNonEmpty(redirectURIs, "\n")
	c.Scopes = splitNonEmpty(scopes, " ")
	c.AccessTokenLifetime = time.Duration(accessLifetime) * time.Second
	c.RefreshTokenLifetime = time.Duration(refreshLifetime) * time.Second
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// SaveAccessToken persists an access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (token, client_id, subject, scope, dpop_thumbprint, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.Subject, token.Scope,
		token.DPoPThumbprint, token.IssuedAt.Unix(), token.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves an access token by its opaque value.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, client_id, subject, scope, dpop_thumbprint, issued_at, expires_at
		FROM access_tokens WHERE token = ?`, token)

	var at storage.AccessToken
	var issuedAt, expiresAt int64
	err := row.Scan(&at.Token, &at.ClientID, &at.Subject, &at.Scope, &at.DPoPThumbprint, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get access token: %w", err)
	}

	at.IssuedAt = time.Unix(issuedAt, 0)
	at.ExpiresAt = time.Unix(expiresAt, 0)
	return &at, nil
}

// RevokeAccessToken deletes an access token.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("sqlite: revoke access token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: revoke access token: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveRefreshToken persists a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, client_id, subject, scope, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.Subject, token.Scope, token.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically fetches and deletes a refresh token. The
// DELETE ... RETURNING statement is a single transaction at the database:
// exactly one concurrent caller gets the row back.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM refresh_tokens WHERE token = ?
		RETURNING token, client_id, subject, scope, expires_at`, token)

	var rt storage.RefreshToken
	var expiresAt int64
	err := row.Scan(&rt.Token, &rt.ClientID, &rt.Subject, &rt.Scope, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: consume refresh token: %w", err)
	}

	rt.ExpiresAt = time.Unix(expiresAt, 0)
	return &rt, nil
}

// SaveAuthorizationRequest persists a pending authorization request.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.Code == "" {
		return fmt.Errorf("invalid authorization request")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_requests (
			code, client_id, redirect_uri, scope, code_challenge,
			code_challenge_method, subject, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Code, req.ClientID, req.RedirectURI, req.Scope, req.CodeChallenge,
		req.CodeChallengeMethod, req.Subject, req.CreatedAt.Unix(), req.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save authorization request: %w", err)
	}
	return nil
}

// ConsumeAuthorizationRequest atomically fetches and deletes an
// authorization request by code.
func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM authorization_requests WHERE code = ?
		RETURNING code, client_id, redirect_uri, scope, code_challenge,
		          code_challenge_method, subject, created_at, expires_at`, code)

	var req storage.AuthorizationRequest
	var createdAt, expiresAt int64
	err := row.Scan(&req.Code, &req.ClientID, &req.RedirectURI, &req.Scope, &req.CodeChallenge,
		&req.CodeChallengeMethod, &req.Subject, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: consume authorization request: %w", err)
	}

	req.CreatedAt = time.Unix(createdAt, 0)
	req.ExpiresAt = time.Unix(expiresAt, 0)
	return &req, nil
}

// SaveDeviceCode persists a device code record.
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_codes (
			device_code, user_code, client_id, scope, status, subject,
			poll_interval, last_polled_at, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.DeviceCode, code.UserCode, code.ClientID, code.Scope, string(code.Status),
		code.Subject, code.Interval, unixOrZero(code.LastPolledAt),
		code.CreatedAt.Unix(), code.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save device code: %w", err)
	}
	return nil
}

const deviceCodeColumns = `device_code, user_code, client_id, scope, status, subject,
	poll_interval, last_polled_at, created_at, expires_at`

// GetDeviceCode retrieves a device code record by the device code.
func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceCodeColumns+` FROM device_codes WHERE device_code = ?`, deviceCode)
	return scanDeviceCode(row)
}

// GetDeviceCodeByUserCode retrieves a device code record by the user code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceCodeColumns+` FROM device_codes WHERE user_code = ?`, userCode)
	return scanDeviceCode(row)
}

// UpdateDeviceCodeStatus transitions a device code's authorization status.
func (s *Store) UpdateDeviceCodeStatus(ctx context.Context, deviceCode string, status storage.DeviceCodeStatus, subject string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_codes
		SET status = ?, subject = CASE WHEN ? != '' THEN ? ELSE subject END
		WHERE device_code = ?`,
		string(status), subject, subject, deviceCode)
	if err != nil {
		return fmt.Errorf("sqlite: update device code status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update device code status: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkDeviceCodePolled records the latest poll time and interval.
func (s *Store) MarkDeviceCodePolled(ctx context.Context, deviceCode string, at time.Time, interval int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_codes SET last_polled_at = ?, poll_interval = ? WHERE device_code = ?`,
		at.Unix(), interval, deviceCode)
	if err != nil {
		return fmt.Errorf("sqlite: mark device code polled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: mark device code polled: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ConsumeDeviceCode atomically fetches and deletes a device code.
func (s *Store) ConsumeDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceCode, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM device_codes WHERE device_code = ? RETURNING `+deviceCodeColumns, deviceCode)
	return scanDeviceCode(row)
}

// DeleteExpired removes records whose expiry has passed. Device codes are
// retained for retention past expiry so pollers can still observe
// expired_token.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, deviceCodeRetention time.Duration) error {
	ts := now.Unix()
	stmts := []struct {
		query string
		arg   int64
	}{
		{`DELETE FROM access_tokens WHERE expires_at < ?`, ts},
		{`DELETE FROM refresh_tokens WHERE expires_at < ?`, ts},
		{`DELETE FROM authorization_requests WHERE expires_at < ?`, ts},
		{`DELETE FROM device_codes WHERE expires_at < ?`, now.Add(-deviceCodeRetention).Unix()},
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt.query, stmt.arg); err != nil {
			return fmt.Errorf("sqlite: delete expired: %w", err)
		}
	}
	return nil
}

func scanDeviceCode(row *sql.Row) (*storage.DeviceCode, error) {
	var dc storage.DeviceCode
	var status string
	var lastPolled, createdAt, expiresAt int64
	err := row.Scan(&dc.DeviceCode, &dc.UserCode, &dc.ClientID, &dc.Scope, &status,
		&dc.Subject, &dc.Interval, &lastPolled, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan device code: %w", err)
	}

	dc.Status = storage.DeviceCodeStatus(status)
	if lastPolled > 0 {
		dc.LastPolledAt = time.Unix(lastPolled, 0)
	}
	dc.CreatedAt = time.Unix(createdAt, 0)
	dc.ExpiresAt = time.Unix(expiresAt, 0)
	return &dc, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}
