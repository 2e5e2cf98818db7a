// Command server starts the CampusCast broadcast orchestration API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"campuscast/internal/api"
	"campuscast/internal/broadcast"
	"campuscast/internal/credentials"
	"campuscast/internal/observability/logging"
	"campuscast/internal/observability/metrics"
	"campuscast/internal/platform"
	"campuscast/internal/server"
	"campuscast/internal/storage"
)

func main() {
	// Local development keeps secrets in a .env file; a missing file is
	// not an error.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")

	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	snapshotPath := flag.String("snapshot", "", "path to the JSON snapshot used by the memory datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")

	roomServiceURL := flag.String("room-service-url", "", "base URL of the media room service")
	roomServiceToken := flag.String("room-service-token", "", "bearer token for the media room service")
	rtmpIngestURL := flag.String("rtmp-ingest-url", "", "base RTMP URL handed to self-hosted broadcasters")
	tokenSecret := flag.String("join-token-secret", "", "HMAC secret for signing room join tokens")
	tokenTTL := flag.Duration("join-token-ttl", 0, "lifetime of issued room join tokens")
	tokenIssuer := flag.String("join-token-issuer", "", "issuer claim stamped into room join tokens")

	platformBaseURL := flag.String("platform-base-url", "", "base URL of the external streaming platform API")
	platformAPIKey := flag.String("platform-api-key", "", "API key for the external streaming platform")
	oauthClientID := flag.String("platform-oauth-client-id", "", "OAuth client id for the streaming platform")
	oauthClientSecret := flag.String("platform-oauth-client-secret", "", "OAuth client secret for the streaming platform")
	oauthTokenURL := flag.String("platform-oauth-token-url", "", "OAuth token endpoint for the streaming platform")
	oauthRefreshToken := flag.String("platform-oauth-refresh-token", "", "OAuth refresh token for the streaming platform")
	platformTimeout := flag.Duration("platform-timeout", 0, "timeout applied to individual platform calls")
	credentialTimeout := flag.Duration("credential-timeout", 0, "timeout applied to credential issue and revoke calls")

	disableScheduler := flag.Bool("disable-scheduler", false, "disable the background promotion and reconciliation sweep")
	schedulerInterval := flag.Duration("scheduler-interval", 0, "interval between scheduler sweeps")
	schedulerLeaseTTL := flag.Duration("scheduler-lease-ttl", 0, "lifetime of a scheduler promotion lease")
	redisAddr := flag.String("redis-addr", "", "Redis address for the shared promotion lease")
	redisUsername := flag.String("redis-username", "", "Redis username for the shared promotion lease")
	redisPassword := flag.String("redis-password", "", "Redis password for the shared promotion lease")

	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CAMPUSCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CAMPUSCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CAMPUSCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CAMPUSCAST_ADDR"))

	resolvedDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("CAMPUSCAST_STORAGE_DRIVER"), resolvedDSN)
	if err != nil {
		logger.Error("invalid datastore configuration", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, resolvedDSN); err != nil {
			logger.Error("invalid production configuration", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()

	var store storage.Repository
	switch driver {
	case "memory":
		path := resolveSnapshotPath(*snapshotPath, os.Getenv("CAMPUSCAST_SNAPSHOT_PATH"))
		memStore, err := storage.NewMemoryStore(storage.WithSnapshotFile(path))
		if err != nil {
			logger.Error("failed to open session snapshot", "path", path, "error", err)
			os.Exit(1)
		}
		store = memStore
		logger.Info("using memory datastore", "snapshot", path)
	case "postgres":
		pgStore, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:             resolvedDSN,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "CAMPUSCAST_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "CAMPUSCAST_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "CAMPUSCAST_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "CAMPUSCAST_POSTGRES_MAX_CONN_IDLE", 0),
			HealthInterval:  resolveDuration(*postgresHealthInterval, "CAMPUSCAST_POSTGRES_HEALTH_INTERVAL", 0),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "CAMPUSCAST_POSTGRES_ACQUIRE_TIMEOUT", 0),
			AppName:         firstNonEmpty(*postgresAppName, os.Getenv("CAMPUSCAST_POSTGRES_APP_NAME"), "campuscast"),
		})
		if err != nil {
			logger.Error("failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		store = pgStore
		logger.Info("using postgres datastore")
	default:
		logger.Error("unknown datastore driver", "driver", driver)
		os.Exit(1)
	}

	issuer := buildIssuer(issuerSettings{
		roomServiceURL:   firstNonEmpty(*roomServiceURL, os.Getenv("CAMPUSCAST_ROOM_SERVICE_URL")),
		roomServiceToken: firstNonEmpty(*roomServiceToken, os.Getenv("CAMPUSCAST_ROOM_SERVICE_TOKEN")),
		rtmpIngestURL:    firstNonEmpty(*rtmpIngestURL, os.Getenv("CAMPUSCAST_RTMP_INGEST_URL")),
		tokenSecret:      firstNonEmpty(*tokenSecret, os.Getenv("CAMPUSCAST_JOIN_TOKEN_SECRET")),
		tokenTTL:         resolveDuration(*tokenTTL, "CAMPUSCAST_JOIN_TOKEN_TTL", 0),
		tokenIssuer:      firstNonEmpty(*tokenIssuer, os.Getenv("CAMPUSCAST_JOIN_TOKEN_ISSUER"), "campuscast"),
	}, logger)

	adapter, err := buildAdapter(adapterSettings{
		baseURL:      firstNonEmpty(*platformBaseURL, os.Getenv("CAMPUSCAST_PLATFORM_BASE_URL")),
		apiKey:       firstNonEmpty(*platformAPIKey, os.Getenv("CAMPUSCAST_PLATFORM_API_KEY")),
		clientID:     firstNonEmpty(*oauthClientID, os.Getenv("CAMPUSCAST_PLATFORM_OAUTH_CLIENT_ID")),
		clientSecret: firstNonEmpty(*oauthClientSecret, os.Getenv("CAMPUSCAST_PLATFORM_OAUTH_CLIENT_SECRET")),
		tokenURL:     firstNonEmpty(*oauthTokenURL, os.Getenv("CAMPUSCAST_PLATFORM_OAUTH_TOKEN_URL")),
		refreshToken: firstNonEmpty(*oauthRefreshToken, os.Getenv("CAMPUSCAST_PLATFORM_OAUTH_REFRESH_TOKEN")),
	}, logger)
	if err != nil {
		logger.Error("invalid platform configuration", "error", err)
		os.Exit(1)
	}

	if issuer == nil {
		logger.Warn("join token secret not configured; browser, audio, and rtmp sessions are unavailable")
	}
	if adapter == nil {
		logger.Warn("platform credentials not configured; simulcast sessions are unavailable")
	}

	var orcAdapter platform.Adapter
	if adapter != nil {
		orcAdapter = adapter
	}
	var orcIssuer broadcast.CredentialIssuer
	if issuer != nil {
		orcIssuer = issuer
	}
	orchestrator, err := broadcast.NewOrchestrator(broadcast.Config{
		Store:             store,
		Issuer:            orcIssuer,
		Adapter:           orcAdapter,
		Logger:            logging.WithComponent(logger, "broadcast"),
		Metrics:           recorder,
		PlatformTimeout:   resolveDuration(*platformTimeout, "CAMPUSCAST_PLATFORM_TIMEOUT", 0),
		CredentialTimeout: resolveDuration(*credentialTimeout, "CAMPUSCAST_CREDENTIAL_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("failed to initialise orchestrator", "error", err)
		os.Exit(1)
	}

	schedulerCtx, schedulerCancel := context.WithCancel(ctx)
	defer schedulerCancel()
	schedulerStop := func() {}
	if !resolveBool(*disableScheduler, "CAMPUSCAST_DISABLE_SCHEDULER") {
		lease := buildLease(leaseSettings{
			redisAddr:     firstNonEmpty(*redisAddr, os.Getenv("CAMPUSCAST_REDIS_ADDR")),
			redisUsername: firstNonEmpty(*redisUsername, os.Getenv("CAMPUSCAST_REDIS_USERNAME")),
			redisPassword: firstNonEmpty(*redisPassword, os.Getenv("CAMPUSCAST_REDIS_PASSWORD")),
		}, logger)
		schedulerStop = orchestrator.StartScheduler(schedulerCtx, broadcast.SchedulerConfig{
			Interval: resolveDuration(*schedulerInterval, "CAMPUSCAST_SCHEDULER_INTERVAL", 0),
			Lease:    lease,
			LeaseTTL: resolveDuration(*schedulerLeaseTTL, "CAMPUSCAST_SCHEDULER_LEASE_TTL", 0),
		})
	} else {
		logger.Info("background scheduler disabled")
	}

	handler := api.NewHandler(orchestrator, store, logging.WithComponent(logger, "api"))

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("CAMPUSCAST_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CAMPUSCAST_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		TLS:     tlsCfg,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("CampusCast API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	schedulerCancel()
	schedulerStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}

type issuerSettings struct {
	roomServiceURL   string
	roomServiceToken string
	rtmpIngestURL    string
	tokenSecret      string
	tokenTTL         time.Duration
	tokenIssuer      string
}

// buildIssuer wires the self-hosted credential issuer. Without a signing
// secret no credentials can be minted, so the issuer is left unset and the
// orchestrator rejects self-hosted strategies at creation time.
func buildIssuer(settings issuerSettings, logger *slog.Logger) *credentials.Issuer {
	if settings.tokenSecret == "" {
		return nil
	}
	var rooms credentials.RoomAllocator
	if settings.roomServiceURL != "" {
		rooms = credentials.NewHTTPRoomAllocator(
			settings.roomServiceURL,
			settings.roomServiceToken,
			nil,
			logging.WithComponent(logger, "rooms"),
			3, 500*time.Millisecond,
		)
	}
	issuer, err := credentials.NewIssuer(credentials.Config{
		Rooms:         rooms,
		RTMPIngestURL: settings.rtmpIngestURL,
		TokenSecret:   settings.tokenSecret,
		TokenTTL:      settings.tokenTTL,
		TokenIssuer:   settings.tokenIssuer,
		Logger:        logging.WithComponent(logger, "credentials"),
	})
	if err != nil {
		logger.Error("failed to initialise credential issuer", "error", err)
		os.Exit(1)
	}
	return issuer
}

type adapterSettings struct {
	baseURL      string
	apiKey       string
	clientID     string
	clientSecret string
	tokenURL     string
	refreshToken string
}

func buildAdapter(settings adapterSettings, logger *slog.Logger) (*platform.HTTPAdapter, error) {
	if settings.baseURL == "" {
		return nil, nil
	}
	return platform.NewHTTPAdapter(platform.Config{
		BaseURL: settings.baseURL,
		APIKey:  settings.apiKey,
		OAuth: platform.OAuthConfig{
			ClientID:     settings.clientID,
			ClientSecret: settings.clientSecret,
			TokenURL:     settings.tokenURL,
			RefreshToken: settings.refreshToken,
		},
		Logger: logging.WithComponent(logger, "platform"),
	})
}

type leaseSettings struct {
	redisAddr     string
	redisUsername string
	redisPassword string
}

// buildLease picks the promotion lease implementation. A Redis address means
// multiple replicas share the datastore, so the lease has to be shared too.
func buildLease(settings leaseSettings, logger *slog.Logger) broadcast.PromotionLease {
	if settings.redisAddr == "" {
		return broadcast.NewLocalLease()
	}
	logger.Info("using redis promotion lease", "addr", settings.redisAddr)
	return broadcast.NewRedisLease(broadcast.RedisLeaseConfig{
		Addr:     settings.redisAddr,
		Username: settings.redisUsername,
		Password: settings.redisPassword,
	})
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "memory", nil
}

func validateProductionDatastore(driver, resolvedDSN string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(resolvedDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveSnapshotPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/sessions.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("CAMPUSCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
