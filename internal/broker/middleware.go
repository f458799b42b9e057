package broker

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CSRFHeaderName carries the session state token on browser-issued POSTs.
const CSRFHeaderName = "X-CSRF-Token"

// SessionGuard resolves the current user and drops sessions that the provider logged out.
func SessionGuard(users UserStore, services Services) gin.HandlerFunc {
	services = services.withDefaults()
	return func(contextGin *gin.Context) {
		session := sessions.Default(contextGin)
		userID, hasUser := sessionInt64(session, sessionKeyUserID)
		if !hasUser {
			contextGin.Next()
			return
		}

		loggedInAtMicros, hasLoginTime := sessionInt64(session, sessionKeyLoggedInAt)
		if !hasLoginTime {
			invalidateSession(contextGin, session, services, userID, "session.malformed")
			contextGin.Next()
			return
		}

		user, lookupErr := users.GetByID(contextGin.Request.Context(), userID)
		if lookupErr != nil {
			if errors.Is(lookupErr, ErrUserNotFound) {
				invalidateSession(contextGin, session, services, userID, "session.user_missing")
				contextGin.Next()
				return
			}
			services.Logger.Error("session user lookup failed",
				zap.String("code", "session.lookup_error"),
				zap.Int64("user_id", userID),
				zap.Error(lookupErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		if user.LoggedOutAfter(time.UnixMicro(loggedInAtMicros)) {
			invalidateSession(contextGin, session, services, userID, "session.remote_logout")
			contextGin.Next()
			return
		}

		setCurrentUser(contextGin, user)
		contextGin.Next()
	}
}

func invalidateSession(contextGin *gin.Context, session sessions.Session, services Services, userID int64, reason string) {
	clearAuthentication(session)
	services.Metrics.Increment(metricSessionInvalidated)
	services.Logger.Info("session invalidated",
		zap.String("code", reason),
		zap.Int64("user_id", userID))
	if saveErr := session.Save(); saveErr != nil {
		services.Logger.Error("session save failed",
			zap.String("code", "session.save_error"),
			zap.Error(saveErr))
	}
}

// RequireCSRF rejects requests whose X-CSRF-Token header does not match the session token.
func RequireCSRF(services Services) gin.HandlerFunc {
	services = services.withDefaults()
	return func(contextGin *gin.Context) {
		if !stateMatches(sessions.Default(contextGin), contextGin.GetHeader(CSRFHeaderName)) {
			services.Logger.Warn("csrf validation failed",
				zap.String("code", "csrf.mismatch"),
				zap.String("path", contextGin.Request.URL.Path))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_token_mismatch"})
			return
		}
		contextGin.Next()
	}
}

// RateLimit admits requests through a shared token bucket.
func RateLimit(eventsPerSecond float64, burst int, services Services) gin.HandlerFunc {
	services = services.withDefaults()
	if eventsPerSecond <= 0 {
		return func(contextGin *gin.Context) { contextGin.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	return func(contextGin *gin.Context) {
		if !limiter.Allow() {
			services.Logger.Warn("rate limit exceeded",
				zap.String("code", "rate_limit.exceeded"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.String("ip", contextGin.ClientIP()))
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}
