package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessionbroker/internal/broker"
	"go.uber.org/zap/zaptest"
)

const testSessionSecret = "0123456789abcdef0123456789abcdef"

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		values          map[string]any
		expectedMessage string
	}{
		{
			name:            "missing app id",
			values:          map[string]any{"provider_app_secret": "secret", "session_secret": testSessionSecret},
			expectedMessage: "config.missing_provider_app_id: provider_app_id must be provided",
		},
		{
			name:            "missing app secret",
			values:          map[string]any{"provider_app_id": "app", "session_secret": testSessionSecret},
			expectedMessage: "config.missing_provider_app_secret: provider_app_secret must be provided",
		},
		{
			name:            "missing session secret",
			values:          map[string]any{"provider_app_id": "app", "provider_app_secret": "secret"},
			expectedMessage: "config.missing_session_secret: session_secret must be provided",
		},
		{
			name:            "short session secret",
			values:          map[string]any{"provider_app_id": "app", "provider_app_secret": "secret", "session_secret": "short"},
			expectedMessage: "config.short_session_secret: session_secret must be at least 32 bytes",
		},
		{
			name: "non-positive provider timeout",
			values: map[string]any{
				"provider_app_id":     "app",
				"provider_app_secret": "secret",
				"session_secret":      testSessionSecret,
				"provider_timeout":    0,
			},
			expectedMessage: "config.invalid_provider_timeout: provider_timeout must be greater than zero",
		},
		{
			name: "non-positive session max age",
			values: map[string]any{
				"provider_app_id":     "app",
				"provider_app_secret": "secret",
				"session_secret":      testSessionSecret,
				"session_max_age":     -time.Minute,
			},
			expectedMessage: "config.invalid_session_max_age: session_max_age must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.values {
				viper.Set(key, value)
			}

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("provider_app_id", " app ")
	viper.Set("provider_app_secret", "secret")
	viper.Set("session_secret", testSessionSecret)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.ProviderAppID != "app" {
		t.Fatalf("expected trimmed app id, got %q", config.ProviderAppID)
	}
	if config.ProviderAPIBase != broker.DefaultProviderAPIBase {
		t.Fatalf("unexpected api base %q", config.ProviderAPIBase)
	}
	if config.ProviderTimeout != 10*time.Second || config.SessionMaxAge != 30*24*time.Hour {
		t.Fatalf("unexpected durations %v %v", config.ProviderTimeout, config.SessionMaxAge)
	}
	if config.SessionCookieName != "broker_session" || config.SameSiteMode != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie settings %+v", config)
	}
}

func TestRunServerUserStoreInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start when the user store fails")
		return nil
	})
	defer restoreServe()

	setValidServerConfig()
	viper.Set("database_url", "mysql://localhost/users")

	command := preparedCommand(t)
	err := runServer(command, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "config.user_store_init: ") {
		t.Fatalf("expected user store init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidServerConfig()
	viper.Set("cookie_domain", "localhost")
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "users.db"))
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})

	if err := runServer(preparedCommand(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidServerConfig()
	viper.Set("dev_insecure_http", true)

	if err := runServer(preparedCommand(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func TestRunServerRejectsInvalidCORSOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidServerConfig()
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"*"})

	if err := runServer(preparedCommand(t), nil); err == nil {
		t.Fatalf("expected wildcard CORS origin to be rejected")
	}
}

type staticIdentityProvider struct{}

func (staticIdentityProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	return "access-" + code, nil
}

func (staticIdentityProvider) FetchIdentity(ctx context.Context, accessToken string) (broker.Identity, error) {
	return broker.Identity{ExternalID: "42", Email: "person@example.com"}, nil
}

func (staticIdentityProvider) VerifyLogout(ctx context.Context, logoutToken string) (string, error) {
	return "42", nil
}

func TestBuildRouterServesOperationalRoutes(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	serverConfig := broker.ServerConfig{
		ProviderAppID:     "app-id",
		SessionSecret:     []byte(testSessionSecret),
		SessionCookieName: "broker_session",
		SessionMaxAge:     time.Hour,
		AllowInsecureHTTP: true,
	}
	registry := prometheus.NewRegistry()
	services := broker.Services{
		Logger:  zaptest.NewLogger(t),
		Metrics: broker.NewPrometheusMetrics(registry),
	}

	router, err := buildRouter(serverConfig, broker.NewMemoryUserStore(), staticIdentityProvider{}, services, registry)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}

	testCases := []struct {
		path           string
		expectedStatus int
		expectedBody   string
	}{
		{path: "/healthz", expectedStatus: http.StatusOK, expectedBody: `"status":"ok"`},
		{path: "/static/broker-client.js", expectedStatus: http.StatusOK, expectedBody: "X-CSRF-Token"},
		{path: "/login/config.js", expectedStatus: http.StatusOK, expectedBody: "window.__BROKER_LOGIN_CONFIG"},
		{path: "/", expectedStatus: http.StatusOK, expectedBody: `data-app-id="app-id"`},
		{path: "/api/me", expectedStatus: http.StatusUnauthorized, expectedBody: "not_authenticated"},
	}
	for _, testCase := range testCases {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, testCase.path, nil))
		if recorder.Code != testCase.expectedStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.path, testCase.expectedStatus, recorder.Code)
		}
		if !strings.Contains(recorder.Body.String(), testCase.expectedBody) {
			t.Fatalf("%s: expected body to contain %q, got %q", testCase.path, testCase.expectedBody, recorder.Body.String())
		}
	}

	webhook := httptest.NewRecorder()
	webhookRequest := httptest.NewRequest(http.MethodPost, "/callback/logout", strings.NewReader("logout_token=token"))
	webhookRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(webhook, webhookRequest)
	if webhook.Code != http.StatusOK {
		t.Fatalf("expected webhook acknowledgement, got %d", webhook.Code)
	}

	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(metrics.Body.String(), `broker_events_total{event="logout.unknown_user"} 1`) {
		t.Fatalf("expected webhook outcome in metrics, got %q", metrics.Body.String())
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func setValidServerConfig() {
	viper.Set("listen_addr", ":0")
	viper.Set("provider_app_id", "app-id")
	viper.Set("provider_app_secret", "app-secret")
	viper.Set("session_secret", testSessionSecret)
}

func preparedCommand(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
