package broker

import (
	"net/http"
	"time"
)

// ServerConfig configures the provider credentials, session cookie, and webhook limits.
type ServerConfig struct {
	ProviderAPIBase    string
	ProviderAppID      string
	ProviderAppSecret  string
	ProviderTimeout    time.Duration
	LoginRedirectURL   string
	SessionSecret      []byte
	SessionCookieName  string
	SessionMaxAge      time.Duration
	CookieDomain       string
	SameSiteMode       http.SameSite
	AllowInsecureHTTP  bool
	LogoutWebhookRate  float64
	LogoutWebhookBurst int
}
