// Command aipd runs the OAuth 2.0 authorization server as a standalone
// daemon. All configuration comes from AIP_-prefixed environment variables;
// unset values fall back to development-friendly defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grainsocial/aip"
	"github.com/grainsocial/aip/instrumentation"
	"github.com/grainsocial/aip/security"
	"github.com/grainsocial/aip/server"
	"github.com/grainsocial/aip/storage"
	"github.com/grainsocial/aip/storage/lru"
	"github.com/grainsocial/aip/storage/memory"
	"github.com/grainsocial/aip/storage/sqlite"
	"github.com/grainsocial/aip/storage/valkey"
)

const serviceVersion = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	logger := newLogger()
	if err := run(logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	listenAddr := envString("AIP_LISTEN_ADDR", ":8080")

	cfg := &server.Config{
		Issuer:                        envString("AIP_EXTERNAL_BASE", "http://localhost:8080"),
		DefaultAccessTokenExpiration:  envDuration("AIP_ACCESS_TOKEN_EXPIRATION", 24*time.Hour),
		DefaultRefreshTokenExpiration: envDuration("AIP_REFRESH_TOKEN_EXPIRATION", 14*24*time.Hour),
		SupportedScopes:               strings.Fields(os.Getenv("AIP_SUPPORTED_SCOPES")),
		AllowPKCEPlain:                envBool("AIP_ALLOW_PKCE_PLAIN", false),
		DPoPNonceSeed:                 os.Getenv("AIP_DPOP_NONCE_SEED"),
		DPoPNonceGeneration:           envUint64("AIP_DPOP_NONCE_GENERATION", 0),
		EnableClientAPI:               envBool("AIP_ENABLE_CLIENT_API", false),
	}

	stores, closeStores, err := openStorage(logger)
	if err != nil {
		return err
	}
	defer closeStores()

	srv, err := server.New(stores.clients, stores.tokens, stores.flows, stores.devices, cfg, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, envBool("AIP_AUDIT_ENABLED", true)))

	eventLimiter := security.NewRateLimiter(1, 10, logger)
	defer eventLimiter.Stop()
	srv.SetSecurityEventRateLimiter(eventLimiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "aipd",
		ServiceVersion: serviceVersion,
		Enabled:        envBool("AIP_TELEMETRY_ENABLED", false),
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()
	srv.SetInstrumentation(inst)

	if plcDirectory := os.Getenv("AIP_PLC_DIRECTORY"); plcDirectory != "" {
		resolver, err := newPLCResolver(plcDirectory, envInt("AIP_DID_CACHE_SIZE", 1024))
		if err != nil {
			return fmt.Errorf("create identity resolver: %w", err)
		}
		srv.SetIdentityResolver(resolver)
		logger.Info("Identity resolution enabled", "plc_directory", plcDirectory)
	}

	handler := aip.NewHandler(srv, logger)
	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"addr", listenAddr,
			"issuer", cfg.Issuer,
			"client_api", cfg.EnableClientAPI)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// storeSet is the per-capability storage composition handed to the server.
type storeSet struct {
	clients storage.ClientStore
	tokens  storage.TokenStore
	flows   storage.FlowStore
	devices storage.DeviceStore
}

// openStorage selects a backend from AIP_STORAGE_BACKEND and optionally
// layers a bounded LRU store over it for authorization-request and
// device-code state. Flow state is short-lived and single-replica safe to
// lose, so keeping it out of the durable backend cuts write load there.
func openStorage(logger *slog.Logger) (storeSet, func(), error) {
	backend := envString("AIP_STORAGE_BACKEND", "memory")

	var (
		stores storeSet
		closer func()
	)
	switch backend {
	case "memory":
		store := memory.New()
		stores = storeSet{clients: store, tokens: store, flows: store, devices: store}
		closer = store.Stop

	case "sqlite":
		store, err := sqlite.Open(envString("AIP_DATABASE_PATH", "aip.db"))
		if err != nil {
			return storeSet{}, nil, err
		}
		stores = storeSet{clients: store, tokens: store, flows: store, devices: store}
		closer = func() {
			if err := store.Close(); err != nil {
				logger.Warn("Closing sqlite store failed", "error", err)
			}
		}

	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   envString("AIP_VALKEY_ADDRESS", "localhost:6379"),
			Password:  os.Getenv("AIP_VALKEY_PASSWORD"),
			DB:        envInt("AIP_VALKEY_DB", 0),
			KeyPrefix: os.Getenv("AIP_VALKEY_KEY_PREFIX"),
			Logger:    logger,
		})
		if err != nil {
			return storeSet{}, nil, err
		}
		stores = storeSet{clients: store, tokens: store, flows: store, devices: store}
		closer = store.Close

	default:
		return storeSet{}, nil, fmt.Errorf("unknown storage backend %q (want memory, sqlite or valkey)", backend)
	}

	if size := envInt("AIP_FLOW_CACHE_SIZE", 0); size > 0 {
		cache, err := lru.New(size)
		if err != nil {
			closer()
			return storeSet{}, nil, err
		}
		stores.flows = cache
		stores.devices = cache
		logger.Info("Flow state held in bounded LRU cache", "capacity", size)
	}

	logger.Info("Storage backend ready", "backend", backend)
	return stores, closer, nil
}

// plcResolver resolves DIDs against a PLC directory, caching resolved
// documents so repeated device approvals for the same account skip the
// network round trip.
type plcResolver struct {
	baseURL string
	client  *http.Client
	cache   *lru.DocumentCache
}

func newPLCResolver(baseURL string, cacheSize int) (*plcResolver, error) {
	cache, err := lru.NewDocumentCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &plcResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}, nil
}

var _ server.IdentityResolver = (*plcResolver)(nil)

func (r *plcResolver) ResolveDID(ctx context.Context, did string) ([]byte, error) {
	if doc, ok := r.cache.Get(did); ok {
		return doc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+did, nil)
	if err != nil {
		return nil, fmt.Errorf("plc: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plc: resolve %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.New("plc: DID not found")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plc: resolve %s: status %d", did, resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("plc: read document: %w", err)
	}
	r.cache.Put(did, doc)
	return doc, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(envString("AIP_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envUint64(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
