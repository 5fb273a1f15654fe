package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements UserStore, SessionAuditStore, and AuthAttemptStore in memory.
// Intended for tests and dev.
type MemoryStore struct {
	mutex       sync.Mutex
	users       map[string]*User
	bySpotifyID map[string]string
	audits      []*SessionAudit
	attempts    []AuthAttempt
}

// NewMemoryStore constructs empty in-memory stores.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		bySpotifyID: make(map[string]string),
	}
}

// UpsertSpotifyUser creates or updates the user keyed by Spotify id.
func (store *MemoryStore) UpsertSpotifyUser(ctx context.Context, identity Identity, tokens TokenSet) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	applicationUserID, exists := store.bySpotifyID[identity.ProviderID]
	if !exists {
		applicationUserID = uuid.NewString()
		store.bySpotifyID[identity.ProviderID] = applicationUserID
	}
	record := &User{
		ID:             applicationUserID,
		SpotifyID:      identity.ProviderID,
		DisplayName:    identity.DisplayName,
		Email:          identity.Email,
		ProfileImage:   identity.ProfileImage,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokens.ExpiresAt,
	}
	store.users[applicationUserID] = record
	return *record, nil
}

// GetUser returns the user by application id.
func (store *MemoryStore) GetUser(ctx context.Context, applicationUserID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[applicationUserID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *record, nil
}

// UpdateTokensByRefreshToken applies refreshed tokens to the user holding refreshToken.
func (store *MemoryStore) UpdateTokensByRefreshToken(ctx context.Context, refreshToken string, tokens TokenSet) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, record := range store.users {
		if record.RefreshToken != refreshToken {
			continue
		}
		record.AccessToken = tokens.AccessToken
		record.TokenExpiresAt = tokens.ExpiresAt
		if tokens.RefreshToken != "" {
			record.RefreshToken = tokens.RefreshToken
		}
		return *record, nil
	}
	return User{}, ErrUserNotFound
}

// RecordLogin appends an open audit row.
func (store *MemoryStore) RecordLogin(ctx context.Context, audit SessionAudit) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	store.audits = append(store.audits, &audit)
	return nil
}

// CountOpen counts audit rows without a logout for the user.
func (store *MemoryStore) CountOpen(ctx context.Context, applicationUserID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var count int64
	for _, audit := range store.audits {
		if audit.UserID == applicationUserID && audit.LogoutAt == nil {
			count++
		}
	}
	return count, nil
}

// CloseLatestOpen closes the most recent open audit row of the user.
func (store *MemoryStore) CloseLatestOpen(ctx context.Context, applicationUserID string, logoutAt time.Time) (SessionAudit, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var latest *SessionAudit
	for _, audit := range store.audits {
		if audit.UserID != applicationUserID || audit.LogoutAt != nil {
			continue
		}
		if latest == nil || audit.LoginAt.After(latest.LoginAt) {
			latest = audit
		}
	}
	if latest == nil {
		return SessionAudit{}, ErrNoOpenAudit
	}
	closedAt := logoutAt
	duration := int64(logoutAt.Sub(latest.LoginAt).Seconds())
	latest.LogoutAt = &closedAt
	latest.DurationSeconds = &duration
	return *latest, nil
}

// Audits returns copies of all audit rows for the user in insertion order.
func (store *MemoryStore) Audits(applicationUserID string) []SessionAudit {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	audits := make([]SessionAudit, 0, len(store.audits))
	for _, audit := range store.audits {
		if audit.UserID == applicationUserID {
			audits = append(audits, *audit)
		}
	}
	return audits
}

// RecordAttempt appends a callback outcome.
func (store *MemoryStore) RecordAttempt(ctx context.Context, attempt AuthAttempt) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.attempts = append(store.attempts, attempt)
	return nil
}

// Attempts returns a copy of the recorded callback outcomes.
func (store *MemoryStore) Attempts() []AuthAttempt {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	clone := make([]AuthAttempt, len(store.attempts))
	copy(clone, store.attempts)
	return clone
}

// UserCount reports the number of stored users.
func (store *MemoryStore) UserCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.users)
}
