package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound indicates no user matched the supplied identifier.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrEmptyExternalID indicates the provider identity carried no external id.
	ErrEmptyExternalID = errors.New("user_store.empty_external_id")
)

// User is the local record for a provider identity.
type User struct {
	ID          int64
	Email       string
	ExternalID  string
	LoggedOutAt *time.Time
}

// LoggedOutAfter reports whether the provider logged the user out after the given instant.
func (user User) LoggedOutAfter(instant time.Time) bool {
	if user.LoggedOutAt == nil {
		return false
	}
	return user.LoggedOutAt.UnixMicro() > instant.UnixMicro()
}

// UserStore persists users keyed by the provider's external id.
type UserStore interface {
	// UpsertByExternalID returns the user for externalID, creating it with email when absent.
	UpsertByExternalID(ctx context.Context, externalID string, email string) (user User, created bool, err error)
	GetByID(ctx context.Context, userID int64) (User, error)
	// MarkLoggedOut records a provider logout for externalID.
	MarkLoggedOut(ctx context.Context, externalID string, loggedOutAt time.Time) (User, error)
}
