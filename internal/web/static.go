package web

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessionbroker/internal/broker"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
	errInsecureOrigin      = errors.New("cors: http origin requires dev_insecure_http")
)

// ServeEmbeddedStaticJS writes a single embedded JS file with cache headers.
func ServeEmbeddedStaticJS(contextGin *gin.Context, filesystem fs.FS, path string) {
	data, readErr := fs.ReadFile(filesystem, path)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	contextGin.Header("Cache-Control", "public, max-age=3600")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", data)
}

// CORSConfig lists the origins allowed to call /api/me and /session/logout with credentials.
type CORSConfig struct {
	AllowedOrigins []string
	// AllowInsecureHTTP admits http:// origins; it follows dev_insecure_http.
	AllowInsecureHTTP bool
}

// ConfigureCORS enables credentialed cross-origin requests for the configured origins.
func ConfigureCORS(logger *zap.Logger, configuration CORSConfig) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := allowedOrigins(logger, configuration)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With", broker.CSRFHeaderName},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

func allowedOrigins(logger *zap.Logger, configuration CORSConfig) ([]string, error) {
	seen := make(map[string]struct{}, len(configuration.AllowedOrigins))
	origins := make([]string, 0, len(configuration.AllowedOrigins))
	for _, candidate := range configuration.AllowedOrigins {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		origin, plainHTTP, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if plainHTTP {
			if !configuration.AllowInsecureHTTP {
				return nil, fmt.Errorf("%w: %s", errInsecureOrigin, origin)
			}
			logger.Warn("insecure cors origin allowed",
				zap.String("code", "cors.origin.insecure"),
				zap.String("origin", origin))
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sort.Strings(origins)
	return origins, nil
}

// normalizeOrigin reduces origin to scheme://host and reports whether it is plain http.
func normalizeOrigin(origin string) (string, bool, error) {
	if origin == "*" {
		return "", false, errWildcardOrigin
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", false, fmt.Errorf("%w: %s is not a bare origin", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "https":
		return scheme + "://" + strings.ToLower(parsed.Host), false, nil
	case "http":
		return scheme + "://" + strings.ToLower(parsed.Host), true, nil
	default:
		return "", false, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, origin)
	}
}
