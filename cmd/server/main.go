package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/soundsouls/soundsouls-auth/internal/authkit"
	"github.com/soundsouls/soundsouls-auth/internal/authkitpg"
	"github.com/soundsouls/soundsouls-auth/internal/web"
	webassets "github.com/soundsouls/soundsouls-auth/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildIdentityProvider = func(configuration authkit.ProviderConfig) (authkit.IdentityProvider, error) {
	return authkit.NewSpotifyProvider(configuration)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "soundsouls-auth",
		Short:   "Spotify OAuth login, server-side sessions, CSRF rotation, and token refresh for SoundSouls",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("env_file", ".env", "Optional dotenv file loaded before configuration is read")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("environment", environmentDevelopment, "Runtime environment (development or production)")
	rootCmd.Flags().String("frontend_url", "", "Frontend origin used for post-login redirects")
	rootCmd.Flags().String("spotify_client_id", "", "Spotify application client ID")
	rootCmd.Flags().String("spotify_client_secret", "", "Spotify application client secret")
	rootCmd.Flags().String("spotify_redirect_uri", "", "OAuth redirect URI registered with Spotify")
	rootCmd.Flags().String("session_secret", "", "HS256 secret signing the session cookie")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Duration("session_max_age", authkit.DefaultSessionMaxAge, "Session lifetime without activity")
	rootCmd.Flags().Duration("state_ttl", authkit.DefaultStateTTL, "OAuth state lifetime")
	rootCmd.Flags().Duration("csrf_rotation_interval", authkit.DefaultCSRFRotationInterval, "CSRF token rotation interval")
	rootCmd.Flags().Int("max_concurrent_sessions", authkit.DefaultMaxConcurrentSessions, "Open logins allowed per user")
	rootCmd.Flags().Int("auth_rate_limit", authkit.DefaultAuthRateLimit, "Auth requests allowed per client IP and window")
	rootCmd.Flags().Duration("auth_rate_window", authkit.DefaultAuthRateWindow, "Auth rate limiting window")
	rootCmd.Flags().StringSlice("trusted_proxies", []string{}, "Proxy IPs or CIDRs whose X-Forwarded-For is honoured (empty trusts none)")
	rootCmd.Flags().String("database_url", "", "Database URL for users and audits (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("session_store_url", "", "Session store URL (redis://, rediss://, postgres://; leave empty for in-memory store)")
	rootCmd.Flags().Int("session_store_max_conns", 0, "PostgreSQL session store pool size (0 scales with GOMAXPROCS)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for the frontend origin")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Origins allowed in addition to the frontend_url origin when CORS is enabled")

	for _, key := range []string{
		"env_file", "listen_addr", "environment", "frontend_url",
		"spotify_client_id", "spotify_client_secret", "spotify_redirect_uri",
		"session_secret", "cookie_domain", "session_max_age", "state_ttl",
		"csrf_rotation_interval", "max_concurrent_sessions", "auth_rate_limit",
		"auth_rate_window", "trusted_proxies", "database_url", "session_store_url", "session_store_max_conns", "enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	environmentDevelopment = "development"
	environmentProduction  = "production"

	sessionPurgeInterval = 15 * time.Minute

	configCodeEnvFile                    = "config.env_file"
	configCodeInvalidEnvironment         = "config.invalid_environment"
	configCodeMissingFrontendURL         = "config.missing_frontend_url"
	configCodeInvalidFrontendURL         = "config.invalid_frontend_url"
	configCodeMissingSessionSecret       = "config.missing_session_secret"
	configCodeMissingSpotifyClientID     = "config.missing_spotify_client_id"
	configCodeMissingSpotifyClientSecret = "config.missing_spotify_client_secret"
	configCodeMissingSpotifyRedirectURI  = "config.missing_spotify_redirect_uri"
	configCodeInvalidSessionMaxAge       = "config.invalid_session_max_age"
	configCodeInvalidStateTTL            = "config.invalid_state_ttl"
	configCodeInvalidCSRFRotation        = "config.invalid_csrf_rotation_interval"
	configCodeInvalidSessionCap          = "config.invalid_max_concurrent_sessions"
	configCodeInvalidAuthRateLimit       = "config.invalid_auth_rate_limit"
	configCodeUnsupportedSessionStore    = "config.unsupported_session_store"
	configCodeInvalidTrustedProxies      = "config.invalid_trusted_proxies"
	configCodeUninitializedServerConf    = "config.uninitialized_server_config"
	configCodeProviderInit               = "config.provider_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// runtimeConfig is everything runServer needs beyond the raw viper values.
type runtimeConfig struct {
	Server   authkit.ServerConfig
	Provider authkit.ProviderConfig
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvironmentFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	providerConfig, providerErr := LoadProviderConfig()
	if providerErr != nil {
		return providerErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, runtimeConfig{
		Server:   serverConfig,
		Provider: providerConfig,
	}))
	return nil
}

// loadEnvironmentFile loads path into the process environment when it exists. Existing variables win.
func loadEnvironmentFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	environment := strings.ToLower(strings.TrimSpace(viper.GetString("environment")))
	if environment == "" {
		environment = environmentDevelopment
	}
	if environment != environmentDevelopment && environment != environmentProduction {
		return authkit.ServerConfig{}, configError(configCodeInvalidEnvironment, "environment must be development or production")
	}

	frontendURL := strings.TrimRight(strings.TrimSpace(viper.GetString("frontend_url")), "/")
	if frontendURL == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingFrontendURL, "frontend_url must be provided")
	}
	parsedFrontend, parseErr := url.Parse(frontendURL)
	if parseErr != nil || parsedFrontend.Scheme == "" || parsedFrontend.Host == "" {
		return authkit.ServerConfig{}, configError(configCodeInvalidFrontendURL, "frontend_url must be an absolute URL")
	}

	sessionSecret := viper.GetString("session_secret")
	if sessionSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingSessionSecret, "session_secret must be provided")
	}

	sessionMaxAge := viper.GetDuration("session_max_age")
	if sessionMaxAge <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionMaxAge, "session_max_age must be greater than zero")
	}
	stateTTL := viper.GetDuration("state_ttl")
	if stateTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}
	rotationInterval := viper.GetDuration("csrf_rotation_interval")
	if rotationInterval <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidCSRFRotation, "csrf_rotation_interval must be greater than zero")
	}
	maxSessions := viper.GetInt("max_concurrent_sessions")
	if maxSessions <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionCap, "max_concurrent_sessions must be greater than zero")
	}
	rateLimit := viper.GetInt("auth_rate_limit")
	rateWindow := viper.GetDuration("auth_rate_window")
	if rateLimit <= 0 || rateWindow <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAuthRateLimit, "auth_rate_limit and auth_rate_window must be greater than zero")
	}

	production := environment == environmentProduction
	sameSite := http.SameSiteLaxMode
	if production {
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		FrontendURL:           frontendURL,
		CookieName:            authkit.DefaultCookieName,
		CookieDomain:          viper.GetString("cookie_domain"),
		CookieSecure:          production,
		SameSiteMode:          sameSite,
		SessionSecret:         []byte(sessionSecret),
		SessionIssuer:         authkit.DefaultSessionIssuer,
		SessionMaxAge:         sessionMaxAge,
		StateTTL:              stateTTL,
		CSRFRotationInterval:  rotationInterval,
		MaxConcurrentSessions: maxSessions,
		AuthRateLimit:         rateLimit,
		AuthRateWindow:        rateWindow,
	}, nil
}

func LoadProviderConfig() (authkit.ProviderConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("spotify_client_id"))
	if clientID == "" {
		return authkit.ProviderConfig{}, configError(configCodeMissingSpotifyClientID, "spotify_client_id must be provided")
	}
	clientSecret := viper.GetString("spotify_client_secret")
	if clientSecret == "" {
		return authkit.ProviderConfig{}, configError(configCodeMissingSpotifyClientSecret, "spotify_client_secret must be provided")
	}
	redirectURI := strings.TrimSpace(viper.GetString("spotify_redirect_uri"))
	if redirectURI == "" {
		return authkit.ProviderConfig{}, configError(configCodeMissingSpotifyRedirectURI, "spotify_redirect_uri must be provided")
	}
	return authkit.ProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	configuration, ok := contextValue.(runtimeConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	serverConfig := configuration.Server

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	sessionStoreURL := viper.GetString("session_store_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	trustedProxies := viper.GetStringSlice("trusted_proxies")

	runContext, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	provider, providerErr := buildIdentityProvider(configuration.Provider)
	if providerErr != nil {
		return fmt.Errorf("%s: %w", configCodeProviderInit, providerErr)
	}

	var dataStore interface {
		authkit.UserStore
		authkit.SessionAuditStore
		authkit.AuthAttemptStore
	}
	if databaseURL != "" {
		persistentStore, storeErr := authkit.NewDatabaseStore(runContext, databaseURL)
		if storeErr != nil {
			return storeErr
		}
		dataStore = persistentStore
		logger.Info("using persistent user store", zap.String("driver", persistentStore.Driver()))
	} else {
		dataStore = authkit.NewMemoryStore()
		logger.Info("using in-memory user store")
	}

	poolOptions := authkitpg.PoolOptions{MaxConns: int32(viper.GetInt("session_store_max_conns"))}
	backend, backendErr := openSessionStore(runContext, sessionStoreURL, poolOptions, logger)
	if backendErr != nil {
		return backendErr
	}
	defer func() {
		cancelRun()
		backend.close()
	}()

	clock := authkit.NewSystemClock()
	sessionManager, managerErr := authkit.NewSessionManager(backend.sessions, serverConfig, clock)
	if managerErr != nil {
		return managerErr
	}

	metricsRecorder := authkit.NewCounterMetrics()
	service, serviceErr := authkit.NewService(serverConfig, authkit.Dependencies{
		Provider: provider,
		Users:    dataStore,
		Audits:   dataStore,
		Attempts: dataStore,
		Sessions: sessionManager,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metricsRecorder,

		RateLimitStore: backend.rateLimits,
	})
	if serviceErr != nil {
		return serviceErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if proxyErr := router.SetTrustedProxies(normalizeTrustedProxies(trustedProxies)); proxyErr != nil {
		return configError(configCodeInvalidTrustedProxies, proxyErr.Error())
	}
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, web.CORSConfig{
			FrontendURL:  serverConfig.FrontendURL,
			ExtraOrigins: corsAllowedOrigins,
		})
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/static/auth-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})
	router.GET("/static/auth-config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{FrontendURL: serverConfig.FrontendURL})
	})

	service.MountAuthRoutes(router)

	protected := router.Group("/api")
	protected.Use(service.RequireSession(), service.LimitConcurrentSessions())
	protected.GET("/profile", web.HandleProfile(logger, dataStore))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-runContext.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.Bool("secure_cookies", serverConfig.CookieSecure))
	serveErr := serveHTTP(server)
	logger.Info("auth metrics", zap.Any("counters", metricsRecorder.Snapshot()))
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

// sessionBackend pairs the session store with the rate limit counters kept next to it.
type sessionBackend struct {
	sessions   authkit.SessionStore
	rateLimits limiter.Store
	close      func()
}

// openSessionStore selects the session backend by URL scheme. An empty URL keeps sessions in memory.
// Redis also holds the auth rate limit counters; every other backend counts in process.
func openSessionStore(ctx context.Context, storeURL string, poolOptions authkitpg.PoolOptions, logger *zap.Logger) (sessionBackend, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" {
		logger.Info("using in-memory session store")
		return sessionBackend{
			sessions:   authkit.NewMemorySessionStore(),
			rateLimits: authkit.NewMemoryRateLimitStore(),
			close:      func() {},
		}, nil
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil {
		return sessionBackend{}, configError(configCodeUnsupportedSessionStore, "session_store_url is not a valid URL")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "redis", "rediss":
		store, openErr := authkit.OpenRedisSessionStore(ctx, trimmed)
		if openErr != nil {
			return sessionBackend{}, openErr
		}
		rateLimits, rateErr := authkit.NewRedisRateLimitStore(store.Client())
		if rateErr != nil {
			_ = store.Close()
			return sessionBackend{}, rateErr
		}
		logger.Info("using redis session store", zap.String("host", parsed.Host))
		return sessionBackend{sessions: store, rateLimits: rateLimits, close: func() { _ = store.Close() }}, nil
	case "postgres", "postgresql":
		pool, poolErr := authkitpg.BuildPool(ctx, trimmed, poolOptions)
		if poolErr != nil {
			return sessionBackend{}, fmt.Errorf("session_store.pg.pool: %w", poolErr)
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return sessionBackend{}, fmt.Errorf("session_store.pg.schema: %w", schemaErr)
		}
		store := authkitpg.NewPostgresSessionStore(pool)
		go store.RunPurger(ctx, sessionPurgeInterval, logger)
		logger.Info("using postgres session store", zap.String("host", parsed.Host))
		return sessionBackend{sessions: store, rateLimits: authkit.NewMemoryRateLimitStore(), close: pool.Close}, nil
	default:
		return sessionBackend{}, configError(configCodeUnsupportedSessionStore, fmt.Sprintf("unsupported session store scheme %q", parsed.Scheme))
	}
}

// normalizeTrustedProxies drops blanks so an unset key trusts no proxy at all.
func normalizeTrustedProxies(values []string) []string {
	var proxies []string
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			proxies = append(proxies, trimmed)
		}
	}
	return proxies
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
