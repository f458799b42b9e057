package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessionbroker/internal/broker"
	"github.com/tyemirov/sessionbroker/internal/web"
	webassets "github.com/tyemirov/sessionbroker/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildIdentityProvider = func(configuration broker.ServerConfig) broker.IdentityProvider {
	return broker.NewHTTPProvider(broker.HTTPProviderConfig{
		APIBase:   configuration.ProviderAPIBase,
		AppID:     configuration.ProviderAppID,
		AppSecret: configuration.ProviderAppSecret,
		Timeout:   configuration.ProviderTimeout,
	})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sessionbroker",
		Short:   "Web session broker for Clef sign-in with remote logout webhooks",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("provider_api_base", broker.DefaultProviderAPIBase, "Identity provider API base URL")
	rootCmd.Flags().String("provider_app_id", "", "Identity provider application ID")
	rootCmd.Flags().String("provider_app_secret", "", "Identity provider application secret")
	rootCmd.Flags().Duration("provider_timeout", 10*time.Second, "Timeout for identity provider calls")
	rootCmd.Flags().String("login_redirect_url", "", "Login callback URL handed to the login widget; empty derives it from the request host")
	rootCmd.Flags().String("session_secret", "", "Secret used to sign and encrypt the session cookie (at least 32 bytes)")
	rootCmd.Flags().String("session_cookie_name", "broker_session", "Session cookie name")
	rootCmd.Flags().Duration("session_max_age", 30*24*time.Hour, "Session cookie lifetime")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for users (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Float64("logout_webhook_rate", 20, "Logout webhook requests admitted per second; 0 disables limiting")
	rootCmd.Flags().Int("logout_webhook_burst", 40, "Logout webhook burst size")

	for _, key := range []string{
		"listen_addr",
		"provider_api_base",
		"provider_app_id",
		"provider_app_secret",
		"provider_timeout",
		"login_redirect_url",
		"session_secret",
		"session_cookie_name",
		"session_max_age",
		"cookie_domain",
		"dev_insecure_http",
		"database_url",
		"enable_cors",
		"cors_allowed_origins",
		"logout_webhook_rate",
		"logout_webhook_burst",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	minimumSessionSecretLength = 32

	configCodeMissingAppID            = "config.missing_provider_app_id"
	configCodeMissingAppSecret        = "config.missing_provider_app_secret"
	configCodeMissingSessionSecret    = "config.missing_session_secret"
	configCodeShortSessionSecret      = "config.short_session_secret"
	configCodeInvalidProviderTimeout  = "config.invalid_provider_timeout"
	configCodeInvalidSessionMaxAge    = "config.invalid_session_max_age"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeUserStoreInit           = "config.user_store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (broker.ServerConfig, error) {
	appID := strings.TrimSpace(viper.GetString("provider_app_id"))
	if appID == "" {
		return broker.ServerConfig{}, configError(configCodeMissingAppID, "provider_app_id must be provided")
	}

	appSecret := viper.GetString("provider_app_secret")
	if appSecret == "" {
		return broker.ServerConfig{}, configError(configCodeMissingAppSecret, "provider_app_secret must be provided")
	}

	sessionSecret := viper.GetString("session_secret")
	if sessionSecret == "" {
		return broker.ServerConfig{}, configError(configCodeMissingSessionSecret, "session_secret must be provided")
	}
	if len(sessionSecret) < minimumSessionSecretLength {
		return broker.ServerConfig{}, configError(configCodeShortSessionSecret, fmt.Sprintf("session_secret must be at least %d bytes", minimumSessionSecretLength))
	}

	providerTimeout := 10 * time.Second
	if viper.IsSet("provider_timeout") {
		providerTimeout = viper.GetDuration("provider_timeout")
	}
	if providerTimeout <= 0 {
		return broker.ServerConfig{}, configError(configCodeInvalidProviderTimeout, "provider_timeout must be greater than zero")
	}

	sessionMaxAge := 30 * 24 * time.Hour
	if viper.IsSet("session_max_age") {
		sessionMaxAge = viper.GetDuration("session_max_age")
	}
	if sessionMaxAge <= 0 {
		return broker.ServerConfig{}, configError(configCodeInvalidSessionMaxAge, "session_max_age must be greater than zero")
	}

	providerAPIBase := viper.GetString("provider_api_base")
	if strings.TrimSpace(providerAPIBase) == "" {
		providerAPIBase = broker.DefaultProviderAPIBase
	}

	sessionCookieName := viper.GetString("session_cookie_name")
	if strings.TrimSpace(sessionCookieName) == "" {
		sessionCookieName = "broker_session"
	}

	return broker.ServerConfig{
		ProviderAPIBase:    providerAPIBase,
		ProviderAppID:      appID,
		ProviderAppSecret:  appSecret,
		ProviderTimeout:    providerTimeout,
		LoginRedirectURL:   viper.GetString("login_redirect_url"),
		SessionSecret:      []byte(sessionSecret),
		SessionCookieName:  sessionCookieName,
		SessionMaxAge:      sessionMaxAge,
		CookieDomain:       viper.GetString("cookie_domain"),
		SameSiteMode:       http.SameSiteLaxMode,
		LogoutWebhookRate:  viper.GetFloat64("logout_webhook_rate"),
		LogoutWebhookBurst: viper.GetInt("logout_webhook_burst"),
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
	serverConfig, ok := contextValue.(broker.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")

	var userStore broker.UserStore
	if databaseURL != "" {
		persistentStore, storeErr := broker.NewDatabaseUserStore(context.Background(), databaseURL)
		if storeErr != nil {
			return fmt.Errorf("%s: %w", configCodeUserStoreInit, storeErr)
		}
		defer func() { _ = persistentStore.Close() }()
		userStore = persistentStore
		logger.Info("using persistent user store", zap.String("driver", persistentStore.Driver()))
	} else {
		userStore = broker.NewMemoryUserStore()
		logger.Info("using in-memory user store")
	}

	registry := prometheus.NewRegistry()
	services := broker.Services{
		Clock:   broker.NewSystemClock(),
		Logger:  logger,
		Metrics: broker.NewPrometheusMetrics(registry),
	}

	router, routerErr := buildRouter(serverConfig, userStore, buildIdentityProvider(serverConfig), services, registry)
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildRouter(serverConfig broker.ServerConfig, userStore broker.UserStore, provider broker.IdentityProvider, services broker.Services, registry *prometheus.Registry) (*gin.Engine, error) {
	logger := services.Logger

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, web.CORSConfig{
			AllowedOrigins:    viper.GetStringSlice("cors_allowed_origins"),
			AllowInsecureHTTP: serverConfig.AllowInsecureHTTP,
		})
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	templates, templateErr := web.ParseTemplates(webassets.FS)
	if templateErr != nil {
		return nil, fmt.Errorf("web.templates: %w", templateErr)
	}
	router.SetHTMLTemplate(templates)

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/static/broker-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "broker-client.js")
	})

	loginConfig := web.LoginConfig{
		AppID:       serverConfig.ProviderAppID,
		RedirectURL: serverConfig.LoginRedirectURL,
	}

	sessionRoutes := broker.MountBrokerRoutes(router, serverConfig, userStore, provider, services)
	sessionRoutes.GET("/", web.HandleIndex(logger, loginConfig))
	sessionRoutes.GET("/login/config.js", web.ServeLoginConfig(logger, loginConfig))
	sessionRoutes.GET("/api/me", web.HandleWhoAmI(logger))

	return router, nil
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
