package authkit

import (
	"context"
	"time"
)

// User is the persisted account linked to a Spotify identity.
type User struct {
	ID             string
	SpotifyID      string
	DisplayName    string
	Email          string
	ProfileImage   string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
}

// SessionAudit records one login and, once closed, its logout.
type SessionAudit struct {
	ID              string
	UserID          string
	SessionID       string
	IPAddress       string
	UserAgent       string
	LoginAt         time.Time
	LogoutAt        *time.Time
	DurationSeconds *int64
}

// AuthAttempt records one OAuth callback outcome.
type AuthAttempt struct {
	IPAddress   string
	UserAgent   string
	Error       string
	UserID      string
	SessionID   string
	AttemptedAt time.Time
}

// UserStore persists users and their provider tokens.
type UserStore interface {
	UpsertSpotifyUser(ctx context.Context, identity Identity, tokens TokenSet) (User, error)
	GetUser(ctx context.Context, applicationUserID string) (User, error)
	UpdateTokensByRefreshToken(ctx context.Context, refreshToken string, tokens TokenSet) (User, error)
}

// SessionAuditStore tracks open logins for the concurrent-session cap.
type SessionAuditStore interface {
	RecordLogin(ctx context.Context, audit SessionAudit) error
	CountOpen(ctx context.Context, applicationUserID string) (int64, error)
	CloseLatestOpen(ctx context.Context, applicationUserID string, logoutAt time.Time) (SessionAudit, error)
}

// AuthAttemptStore appends callback outcomes.
type AuthAttemptStore interface {
	RecordAttempt(ctx context.Context, attempt AuthAttempt) error
}

// SessionStore keeps sessions addressed by id. Destroy is idempotent.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, session *Session, ttl time.Duration) error
	Destroy(ctx context.Context, sessionID string) error
}
