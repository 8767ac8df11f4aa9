package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the authorization server.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant processing
	GrantsProcessed  metric.Int64Counter
	TokensRevoked    metric.Int64Counter
	ClientRegistered metric.Int64Counter

	// Device flow
	DeviceFlowsStarted metric.Int64Counter

	// DPoP
	NoncesRejected metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.GrantsProcessed, err = serverMeter.Int64Counter(
		"oauth.grants.processed",
		metric.WithDescription("Number of token grant requests processed"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.processed counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.ClientRegistered, err = serverMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.DeviceFlowsStarted, err = serverMeter.Int64Counter(
		"oauth.device_flow.started",
		metric.WithDescription("Number of device authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_flow.started counter: %w", err)
	}

	m.NoncesRejected, err = serverMeter.Int64Counter(
		"oauth.dpop.nonce_rejected",
		metric.WithDescription("Number of DPoP proofs rejected for a stale or missing nonce"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dpop.nonce_rejected counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.endpoint", endpoint),
		attribute.Int("http.status_code", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordGrant records a processed grant request and its outcome. outcome is
// "success" or the OAuth error code.
func (m *Metrics) RecordGrant(ctx context.Context, grantType, outcome string) {
	m.GrantsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.grant_type", grantType),
		attribute.String("oauth.outcome", outcome),
	))
}

// RecordTokenRevoked records a revocation request.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, clientID string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_id", clientID),
	))
}

// RecordClientRegistered records a client registration.
func (m *Metrics) RecordClientRegistered(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_type", clientType),
	))
}

// RecordDeviceFlowStarted records a device authorization initiation.
func (m *Metrics) RecordDeviceFlowStarted(ctx context.Context, clientID string) {
	m.DeviceFlowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_id", clientID),
	))
}

// RecordNonceRejected records a DPoP proof rejected for nonce reasons.
func (m *Metrics) RecordNonceRejected(ctx context.Context, clientID string) {
	m.NoncesRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.client_id", clientID),
	))
}
