package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessionbroker/internal/broker"
	"go.uber.org/zap"
)

// LoginConfig contains the values the provider login widget needs.
type LoginConfig struct {
	AppID       string
	RedirectURL string
}

// ServeLoginConfig emits a JavaScript payload that hydrates window.__BROKER_LOGIN_CONFIG.
// The session state token is included, so the response is never cached.
func ServeLoginConfig(logger *zap.Logger, configuration LoginConfig) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		state, stateErr := broker.EnsureStateToken(contextGin)
		if stateErr != nil {
			logger.Error("state token issue failed",
				zap.String("code", "web.login_config.state_failed"),
				zap.Error(stateErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "web.login_config.state_failed",
			})
			return
		}
		payload := struct {
			AppID       string `json:"appId"`
			RedirectURL string `json:"redirectUrl"`
			State       string `json:"state"`
		}{
			AppID:       configuration.AppID,
			RedirectURL: resolveRedirectURL(contextGin.Request, configuration.RedirectURL),
			State:       state,
		}

		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "web.login_config.encode_failed",
			})
			return
		}

		script := fmt.Sprintf(`(function(){window.__BROKER_LOGIN_CONFIG=Object.freeze(%s);})();`, string(encoded))

		contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
		contextGin.Header("Pragma", "no-cache")
		contextGin.Header("X-Content-Type-Options", "nosniff")
		contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
	}
}

func resolveRedirectURL(request *http.Request, configured string) string {
	if configured != "" {
		return configured
	}
	host := request.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s/callback/login", forwardedProto(request), host)
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}
