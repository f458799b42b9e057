package broker

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const (
	sessionKeyUserID     = "user_id"
	sessionKeyLoggedInAt = "logged_in_at"
	sessionKeyCSRFToken  = "csrf_token"

	currentUserContextKey = "broker_current_user"

	stateTokenByteLength = 32
)

// NewSessionMiddleware installs the signed and encrypted cookie session store.
func NewSessionMiddleware(configuration ServerConfig) gin.HandlerFunc {
	encryptionKey := sha256.Sum256(configuration.SessionSecret)
	store := cookie.NewStore(configuration.SessionSecret, encryptionKey[:])
	sameSite := configuration.SameSiteMode
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	store.Options(sessions.Options{
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   int(configuration.SessionMaxAge.Seconds()),
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: sameSite,
	})
	return sessions.Sessions(configuration.SessionCookieName, store)
}

// CurrentUser returns the user resolved by SessionGuard for this request.
func CurrentUser(contextGin *gin.Context) (User, bool) {
	value, found := contextGin.Get(currentUserContextKey)
	if !found {
		return User{}, false
	}
	user, ok := value.(User)
	return user, ok
}

func setCurrentUser(contextGin *gin.Context, user User) {
	contextGin.Set(currentUserContextKey, user)
}

func sessionInt64(session sessions.Session, key string) (int64, bool) {
	switch typed := session.Get(key).(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	default:
		return 0, false
	}
}

func clearAuthentication(session sessions.Session) {
	session.Delete(sessionKeyUserID)
	session.Delete(sessionKeyLoggedInAt)
}

// EstablishSession binds user to the request's session as of loggedInAt and rotates the state token.
func EstablishSession(contextGin *gin.Context, user User, loggedInAt time.Time) error {
	nextState, err := randomStateToken()
	if err != nil {
		return err
	}
	session := sessions.Default(contextGin)
	session.Set(sessionKeyUserID, user.ID)
	session.Set(sessionKeyLoggedInAt, loggedInAt.UnixMicro())
	session.Set(sessionKeyCSRFToken, nextState)
	if saveErr := session.Save(); saveErr != nil {
		return fmt.Errorf("session.save: %w", saveErr)
	}
	return nil
}

// EnsureStateToken returns the session's CSRF/state token, issuing one when absent.
func EnsureStateToken(contextGin *gin.Context) (string, error) {
	session := sessions.Default(contextGin)
	if existing, ok := session.Get(sessionKeyCSRFToken).(string); ok && existing != "" {
		return existing, nil
	}
	token, err := randomStateToken()
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRFToken, token)
	if saveErr := session.Save(); saveErr != nil {
		return "", fmt.Errorf("session.save: %w", saveErr)
	}
	return token, nil
}

func stateMatches(session sessions.Session, candidate string) bool {
	expected, ok := session.Get(sessionKeyCSRFToken).(string)
	if !ok || expected == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1
}

func randomStateToken() (string, error) {
	buffer := make([]byte, stateTokenByteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("session.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
