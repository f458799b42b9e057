package web

import (
	"html/template"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessionbroker/internal/broker"
	"go.uber.org/zap"
)

const indexTemplateName = "index.html"

// ParseTemplates loads the HTML views from the embedded filesystem.
func ParseTemplates(filesystem fs.FS) (*template.Template, error) {
	return template.ParseFS(filesystem, "templates/*.html")
}

// HandleIndex renders the signed-in view or the provider login button.
func HandleIndex(logger *zap.Logger, configuration LoginConfig) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		if user, authenticated := broker.CurrentUser(contextGin); authenticated {
			contextGin.HTML(http.StatusOK, indexTemplateName, gin.H{
				"Authenticated": true,
				"Email":         user.Email,
				"ExternalID":    user.ExternalID,
			})
			return
		}

		state, stateErr := broker.EnsureStateToken(contextGin)
		if stateErr != nil {
			logger.Error("state token issue failed",
				zap.String("code", "web.index.state_failed"),
				zap.Error(stateErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.HTML(http.StatusOK, indexTemplateName, gin.H{
			"Authenticated": false,
			"AppID":         configuration.AppID,
			"RedirectURL":   resolveRedirectURL(contextGin.Request, configuration.RedirectURL),
			"State":         state,
		})
	}
}

// HandleWhoAmI returns the current user's profile payload.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, authenticated := broker.CurrentUser(contextGin)
		if !authenticated {
			logger.Debug("anonymous profile request",
				zap.String("code", "api.me.anonymous"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":       user.ID,
			"user_email":    user.Email,
			"external_id":   user.ExternalID,
			"logged_out_at": user.LoggedOutAt,
		})
	}
}
