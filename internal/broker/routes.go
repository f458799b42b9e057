package broker

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageInvalidState    = "Invalid state parameter."
	messageMissingCode     = "Missing authorization code."
	messageInvalidCode     = "The login code is invalid or has expired. Please try signing in again."
	messageInvalidAppID    = "This application's ID was not recognised by the identity provider."
	messageInvalidSecret   = "This application's secret was rejected by the identity provider."
	messageProviderDown    = "The identity provider could not be reached."
	messageStoreFailure    = "Unable to record your sign-in. Please try again."
	messageSessionFailure  = "Unable to start your session. Please try again."
	messageMissingToken    = "missing logout_token"
	messageStoreFailureAPI = "user store unavailable"
)

// MountBrokerRoutes registers the logout webhook on router, and the login callback and
// local sign-out on a session-aware group that it returns for further browser routes.
// The webhook never passes through the session or CSRF middleware.
func MountBrokerRoutes(router gin.IRouter, configuration ServerConfig, users UserStore, provider IdentityProvider, services Services) *gin.RouterGroup {
	services = services.withDefaults()
	logger := services.Logger

	sessionRoutes := router.Group("/", NewSessionMiddleware(configuration), SessionGuard(users, services))

	sessionRoutes.GET("/callback/login", func(contextGin *gin.Context) {
		if _, authenticated := CurrentUser(contextGin); authenticated {
			contextGin.Redirect(http.StatusFound, "/")
			return
		}

		session := sessions.Default(contextGin)
		if !stateMatches(session, contextGin.Query("state")) {
			services.Metrics.Increment(metricLoginStateMismatch)
			logger.Warn("login state mismatch", zap.String("code", "login.state_mismatch"))
			contextGin.String(http.StatusForbidden, messageInvalidState)
			return
		}

		code := strings.TrimSpace(contextGin.Query("code"))
		if code == "" {
			services.Metrics.Increment(metricLoginFailure)
			contextGin.String(http.StatusBadRequest, messageMissingCode)
			return
		}

		requestContext := contextGin.Request.Context()
		accessToken, exchangeErr := provider.ExchangeCode(requestContext, code)
		if exchangeErr != nil {
			services.Metrics.Increment(metricLoginFailure)
			logger.Warn("authorization code exchange failed",
				zap.String("code", "login.exchange_failed"),
				zap.Error(exchangeErr))
			contextGin.String(http.StatusInternalServerError, LoginFailureMessage(exchangeErr))
			return
		}

		identity, identityErr := provider.FetchIdentity(requestContext, accessToken)
		if identityErr != nil {
			services.Metrics.Increment(metricLoginFailure)
			logger.Warn("identity fetch failed",
				zap.String("code", "login.info_failed"),
				zap.Error(identityErr))
			contextGin.String(http.StatusInternalServerError, providerMessage(identityErr))
			return
		}

		user, created, upsertErr := users.UpsertByExternalID(requestContext, identity.ExternalID, identity.Email)
		if upsertErr != nil {
			services.Metrics.Increment(metricLoginFailure)
			logger.Error("user upsert failed",
				zap.String("code", "login.upsert_failed"),
				zap.String("external_id", identity.ExternalID),
				zap.Error(upsertErr))
			contextGin.String(http.StatusInternalServerError, messageStoreFailure)
			return
		}
		if created {
			services.Metrics.Increment(metricUserCreated)
		}

		if sessionErr := EstablishSession(contextGin, user, services.Clock.Now()); sessionErr != nil {
			services.Metrics.Increment(metricLoginFailure)
			logger.Error("session start failed", zap.String("code", "login.session_failed"), zap.Error(sessionErr))
			contextGin.String(http.StatusInternalServerError, messageSessionFailure)
			return
		}

		services.Metrics.Increment(metricLoginSuccess)
		logger.Info("user signed in",
			zap.String("code", "login.success"),
			zap.Int64("user_id", user.ID),
			zap.String("external_id", user.ExternalID),
			zap.Bool("created", created))
		contextGin.Redirect(http.StatusFound, "/")
	})

	router.POST("/callback/logout",
		RateLimit(configuration.LogoutWebhookRate, configuration.LogoutWebhookBurst, services),
		func(contextGin *gin.Context) {
			logoutToken := strings.TrimSpace(contextGin.PostForm("logout_token"))
			if logoutToken == "" {
				services.Metrics.Increment(metricLogoutFailure)
				contextGin.JSON(http.StatusBadRequest, gin.H{"error": messageMissingToken})
				return
			}

			requestContext := contextGin.Request.Context()
			externalID, verifyErr := provider.VerifyLogout(requestContext, logoutToken)
			if verifyErr != nil {
				services.Metrics.Increment(metricLogoutFailure)
				logger.Warn("logout verification failed",
					zap.String("code", "logout.verify_failed"),
					zap.Error(verifyErr))
				contextGin.JSON(http.StatusInternalServerError, gin.H{"error": providerMessage(verifyErr)})
				return
			}

			user, markErr := users.MarkLoggedOut(requestContext, externalID, services.Clock.Now())
			if markErr != nil {
				if errors.Is(markErr, ErrUserNotFound) {
					services.Metrics.Increment(metricLogoutUnknownUser)
					logger.Warn("logout for unknown user",
						zap.String("code", "logout.unknown_user"),
						zap.String("external_id", externalID))
					contextGin.JSON(http.StatusOK, gin.H{"success": true})
					return
				}
				services.Metrics.Increment(metricLogoutFailure)
				logger.Error("logout store update failed",
					zap.String("code", "logout.store_failed"),
					zap.String("external_id", externalID),
					zap.Error(markErr))
				contextGin.JSON(http.StatusInternalServerError, gin.H{"error": messageStoreFailureAPI})
				return
			}

			services.Metrics.Increment(metricLogoutSuccess)
			logger.Info("user logged out by provider",
				zap.String("code", "logout.success"),
				zap.Int64("user_id", user.ID),
				zap.String("external_id", externalID))
			contextGin.JSON(http.StatusOK, gin.H{"success": true})
		})

	sessionRoutes.POST("/session/logout", RequireCSRF(services), func(contextGin *gin.Context) {
		session := sessions.Default(contextGin)
		clearAuthentication(session)
		if saveErr := session.Save(); saveErr != nil {
			logger.Error("session save failed", zap.String("code", "session.logout_save_failed"), zap.Error(saveErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	return sessionRoutes
}

// LoginFailureMessage maps an authorization code exchange failure to the text shown to the user.
func LoginFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return messageInvalidCode
	case errors.Is(err, ErrInvalidAppID):
		return messageInvalidAppID
	case errors.Is(err, ErrInvalidAppSecret):
		return messageInvalidSecret
	case errors.Is(err, ErrProviderUnavailable):
		return messageProviderDown
	default:
		return providerMessage(err)
	}
}

// providerMessage passes the provider's own message through; transport details stay in the logs.
func providerMessage(err error) string {
	if errors.Is(err, ErrProviderUnavailable) {
		return messageProviderDown
	}
	var providerError *ProviderError
	if errors.As(err, &providerError) && strings.TrimSpace(providerError.Message) != "" {
		return providerError.Message
	}
	return messageProviderDown
}
