package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sqliteBusyTimeoutPragma makes concurrent writers wait for the file lock instead of failing.
const sqliteBusyTimeoutPragma = "_pragma=busy_timeout(5000)"

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists users using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Email       string     `gorm:"column:email;not null;default:''"`
	ExternalID  string     `gorm:"column:external_id;uniqueIndex;not null"`
	LoggedOutAt *time.Time `gorm:"column:logged_out_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	user := User{
		ID:         record.ID,
		Email:      record.Email,
		ExternalID: record.ExternalID,
	}
	if record.LoggedOutAt != nil {
		stamp := record.LoggedOutAt.UTC()
		user.LoggedOutAt = &stamp
	}
	return user
}

// NewDatabaseUserStore opens the database named by databaseURL and migrates the users table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// UpsertByExternalID inserts the user unless the external id exists, then reads the stored row.
func (store *DatabaseUserStore) UpsertByExternalID(ctx context.Context, externalID string, email string) (User, bool, error) {
	normalized := strings.TrimSpace(externalID)
	if normalized == "" {
		return User{}, false, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, ErrEmptyExternalID)
	}
	record := userRecord{
		Email:      email,
		ExternalID: normalized,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return User{}, false, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, result.Error)
	}
	created := result.RowsAffected > 0

	var stored userRecord
	if err := store.db.WithContext(ctx).Where("external_id = ?", normalized).Take(&stored).Error; err != nil {
		return User{}, false, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, err)
	}
	return stored.toUser(), created, nil
}

// GetByID locates a user by primary key.
func (store *DatabaseUserStore) GetByID(ctx context.Context, userID int64) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// MarkLoggedOut sets logged_out_at for the user owning externalID.
func (store *DatabaseUserStore) MarkLoggedOut(ctx context.Context, externalID string, loggedOutAt time.Time) (User, error) {
	normalized := strings.TrimSpace(externalID)
	stamp := loggedOutAt.UTC()
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("external_id = ?", normalized).
		Update("logged_out_at", stamp)
	if result.Error != nil {
		return User{}, fmt.Errorf("user_store.logout.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, fmt.Errorf("user_store.logout.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	var record userRecord
	if err := store.db.WithContext(ctx).Where("external_id = ?", normalized).Take(&record).Error; err != nil {
		return User{}, fmt.Errorf("user_store.logout.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// Close releases the underlying connection pool.
func (store *DatabaseUserStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	query := parsed.RawQuery
	if !strings.Contains(query, "busy_timeout") {
		if query != "" {
			query += "&"
		}
		query += sqliteBusyTimeoutPragma
	}
	builder.WriteString("?")
	builder.WriteString(query)
	return builder.String(), nil
}
