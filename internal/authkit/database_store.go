package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
	errAuditAlreadyClosed  = errors.New("audit_store.already_closed")
)

const auditCloseAttempts = 3

// DatabaseStore persists users, session audits, and auth attempts using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID             string    `gorm:"column:id;primaryKey"`
	SpotifyID      string    `gorm:"column:spotify_id;uniqueIndex;not null"`
	DisplayName    string    `gorm:"column:display_name;not null;default:''"`
	Email          string    `gorm:"column:email;not null;default:''"`
	ProfileImage   string    `gorm:"column:profile_image;not null;default:''"`
	AccessToken    string    `gorm:"column:access_token;not null"`
	RefreshToken   string    `gorm:"column:refresh_token;index;not null"`
	TokenExpiresAt time.Time `gorm:"column:token_expires_at;not null"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (userRecord) TableName() string {
	return "users"
}

type sessionAuditRecord struct {
	ID              string     `gorm:"column:id;primaryKey"`
	UserID          string     `gorm:"column:user_id;index:idx_session_audit_open;not null"`
	SessionID       string     `gorm:"column:session_id;not null;default:''"`
	IPAddress       string     `gorm:"column:ip_address;not null;default:''"`
	UserAgent       string     `gorm:"column:user_agent;not null;default:''"`
	LoginAt         time.Time  `gorm:"column:login_at;not null"`
	LogoutAt        *time.Time `gorm:"column:logout_at;index:idx_session_audit_open"`
	DurationSeconds *int64     `gorm:"column:duration_seconds"`
}

func (sessionAuditRecord) TableName() string {
	return "session_audit"
}

type authAttemptRecord struct {
	ID          string    `gorm:"column:id;primaryKey"`
	IPAddress   string    `gorm:"column:ip_address;not null;default:''"`
	UserAgent   string    `gorm:"column:user_agent;not null;default:''"`
	Error       string    `gorm:"column:error;not null;default:''"`
	UserID      string    `gorm:"column:user_id;not null;default:''"`
	SessionID   string    `gorm:"column:session_id;not null;default:''"`
	AttemptedAt time.Time `gorm:"column:attempted_at;not null"`
}

func (authAttemptRecord) TableName() string {
	return "auth_attempts"
}

// NewDatabaseStore opens the database named by databaseURL and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &sessionAuditRecord{}, &authAttemptRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// UpsertSpotifyUser inserts the user or updates identity and tokens on spotify_id conflict.
func (store *DatabaseStore) UpsertSpotifyUser(ctx context.Context, identity Identity, tokens TokenSet) (User, error) {
	now := time.Now().UTC()
	record := userRecord{
		ID:             uuid.NewString(),
		SpotifyID:      identity.ProviderID,
		DisplayName:    identity.DisplayName,
		Email:          identity.Email,
		ProfileImage:   identity.ProfileImage,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokens.ExpiresAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	upsertErr := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "spotify_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "email", "profile_image", "access_token", "refresh_token", "token_expires_at", "updated_at",
		}),
	}).Create(&record).Error
	if upsertErr != nil {
		return User{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, upsertErr)
	}
	var stored userRecord
	if err := store.db.WithContext(ctx).Where("spotify_id = ?", identity.ProviderID).Take(&stored).Error; err != nil {
		return User{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, err)
	}
	return stored.toUser(), nil
}

// GetUser loads a user by application id.
func (store *DatabaseStore) GetUser(ctx context.Context, applicationUserID string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", applicationUserID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// UpdateTokensByRefreshToken updates the row holding refreshToken inside one transaction.
func (store *DatabaseStore) UpdateTokensByRefreshToken(ctx context.Context, refreshToken string, tokens TokenSet) (User, error) {
	var updated userRecord
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("refresh_token = ?", refreshToken).Take(&updated).Error; err != nil {
			return err
		}
		updated.AccessToken = tokens.AccessToken
		updated.TokenExpiresAt = tokens.ExpiresAt.UTC()
		if tokens.RefreshToken != "" {
			updated.RefreshToken = tokens.RefreshToken
		}
		updated.UpdatedAt = time.Now().UTC()
		return transaction.Model(&userRecord{}).
			Where("id = ? AND refresh_token = ?", updated.ID, refreshToken).
			Updates(map[string]any{
				"access_token":     updated.AccessToken,
				"refresh_token":    updated.RefreshToken,
				"token_expires_at": updated.TokenExpiresAt,
				"updated_at":       updated.UpdatedAt,
			}).Error
	})
	if transactionErr != nil {
		if errors.Is(transactionErr, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.update_tokens.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.update_tokens.%s: %w", store.driverLabel, transactionErr)
	}
	return updated.toUser(), nil
}

// RecordLogin inserts an open audit row.
func (store *DatabaseStore) RecordLogin(ctx context.Context, audit SessionAudit) error {
	record := sessionAuditRecord{
		ID:        audit.ID,
		UserID:    audit.UserID,
		SessionID: audit.SessionID,
		IPAddress: audit.IPAddress,
		UserAgent: audit.UserAgent,
		LoginAt:   audit.LoginAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("audit_store.record.%s: %w", store.driverLabel, err)
	}
	return nil
}

// CountOpen counts audit rows with no logout for the user.
func (store *DatabaseStore) CountOpen(ctx context.Context, applicationUserID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&sessionAuditRecord{}).
		Where("user_id = ? AND logout_at IS NULL", applicationUserID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("audit_store.count_open.%s: %w", store.driverLabel, err)
	}
	return count, nil
}

// CloseLatestOpen stamps logout time and duration on the most recent open row.
// A row closed concurrently by another logout is skipped and the next open row is tried.
func (store *DatabaseStore) CloseLatestOpen(ctx context.Context, applicationUserID string, logoutAt time.Time) (SessionAudit, error) {
	for attempt := 0; attempt < auditCloseAttempts; attempt++ {
		closed, closeErr := store.closeLatestOpenOnce(ctx, applicationUserID, logoutAt)
		switch {
		case closeErr == nil:
			return closed, nil
		case errors.Is(closeErr, errAuditAlreadyClosed):
			continue
		case errors.Is(closeErr, gorm.ErrRecordNotFound):
			return SessionAudit{}, fmt.Errorf("audit_store.close.%s: %w", store.driverLabel, ErrNoOpenAudit)
		default:
			return SessionAudit{}, fmt.Errorf("audit_store.close.%s: %w", store.driverLabel, closeErr)
		}
	}
	return SessionAudit{}, fmt.Errorf("audit_store.close.%s: %w", store.driverLabel, ErrNoOpenAudit)
}

func (store *DatabaseStore) closeLatestOpenOnce(ctx context.Context, applicationUserID string, logoutAt time.Time) (SessionAudit, error) {
	var latest sessionAuditRecord
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		findErr := transaction.Where("user_id = ? AND logout_at IS NULL", applicationUserID).
			Order("login_at DESC").
			Take(&latest).Error
		if findErr != nil {
			return findErr
		}
		closedAt := logoutAt.UTC()
		duration := int64(closedAt.Sub(latest.LoginAt).Seconds())
		latest.LogoutAt = &closedAt
		latest.DurationSeconds = &duration
		return markAuditClosed(transaction, latest.ID, closedAt, duration)
	})
	if transactionErr != nil {
		return SessionAudit{}, transactionErr
	}
	return latest.toSessionAudit(), nil
}

// markAuditClosed closes one row only while it is still open.
func markAuditClosed(transaction *gorm.DB, auditID string, closedAt time.Time, duration int64) error {
	result := transaction.Model(&sessionAuditRecord{}).
		Where("id = ? AND logout_at IS NULL", auditID).
		Updates(map[string]any{
			"logout_at":        closedAt,
			"duration_seconds": duration,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errAuditAlreadyClosed
	}
	return nil
}

// RecordAttempt inserts a callback outcome row.
func (store *DatabaseStore) RecordAttempt(ctx context.Context, attempt AuthAttempt) error {
	record := authAttemptRecord{
		ID:          uuid.NewString(),
		IPAddress:   attempt.IPAddress,
		UserAgent:   attempt.UserAgent,
		Error:       attempt.Error,
		UserID:      attempt.UserID,
		SessionID:   attempt.SessionID,
		AttemptedAt: attempt.AttemptedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("attempt_store.record.%s: %w", store.driverLabel, err)
	}
	return nil
}

func (record userRecord) toUser() User {
	return User{
		ID:             record.ID,
		SpotifyID:      record.SpotifyID,
		DisplayName:    record.DisplayName,
		Email:          record.Email,
		ProfileImage:   record.ProfileImage,
		AccessToken:    record.AccessToken,
		RefreshToken:   record.RefreshToken,
		TokenExpiresAt: record.TokenExpiresAt.UTC(),
	}
}

func (record sessionAuditRecord) toSessionAudit() SessionAudit {
	return SessionAudit{
		ID:              record.ID,
		UserID:          record.UserID,
		SessionID:       record.SessionID,
		IPAddress:       record.IPAddress,
		UserAgent:       record.UserAgent,
		LoginAt:         record.LoginAt,
		LogoutAt:        record.LogoutAt,
		DurationSeconds: record.DurationSeconds,
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
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
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
