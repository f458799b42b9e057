package broker

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryUserStore is an in-memory store intended for tests and dev.
type MemoryUserStore struct {
	mutex        sync.Mutex
	byID         map[int64]*User
	byExternalID map[string]int64
	sequenceID   int64
}

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:         make(map[int64]*User),
		byExternalID: make(map[string]int64),
	}
}

// UpsertByExternalID returns the existing user or inserts a new one.
func (store *MemoryUserStore) UpsertByExternalID(ctx context.Context, externalID string, email string) (User, bool, error) {
	normalized := strings.TrimSpace(externalID)
	if normalized == "" {
		return User{}, false, ErrEmptyExternalID
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	if userID, ok := store.byExternalID[normalized]; ok {
		return cloneUser(store.byID[userID]), false, nil
	}
	store.sequenceID++
	record := &User{
		ID:         store.sequenceID,
		Email:      email,
		ExternalID: normalized,
	}
	store.byID[record.ID] = record
	store.byExternalID[normalized] = record.ID
	return cloneUser(record), true, nil
}

// GetByID returns a user by its local id.
func (store *MemoryUserStore) GetByID(ctx context.Context, userID int64) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[userID]
	if record == nil {
		return User{}, ErrUserNotFound
	}
	return cloneUser(record), nil
}

// MarkLoggedOut stamps the logout time on the user owning externalID.
func (store *MemoryUserStore) MarkLoggedOut(ctx context.Context, externalID string, loggedOutAt time.Time) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.byExternalID[strings.TrimSpace(externalID)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	record := store.byID[userID]
	stamp := loggedOutAt.UTC()
	record.LoggedOutAt = &stamp
	return cloneUser(record), nil
}

// Count returns the number of stored users.
func (store *MemoryUserStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byID)
}

func cloneUser(record *User) User {
	clone := *record
	if record.LoggedOutAt != nil {
		stamp := *record.LoggedOutAt
		clone.LoggedOutAt = &stamp
	}
	return clone
}
