package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SessionManager loads, persists, regenerates, and destroys cookie-addressed sessions.
type SessionManager struct {
	store    SessionStore
	codec    sessionCookieCodec
	clock    Clock
	name     string
	domain   string
	secure   bool
	sameSite http.SameSite
	maxAge   time.Duration
}

// NewSessionManager validates the cookie configuration and binds it to store.
func NewSessionManager(store SessionStore, configuration ServerConfig, clock Clock) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("session_manager.missing_store")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	configuration = configuration.withDefaults()
	codec, err := newSessionCookieCodec(configuration.SessionSecret, configuration.SessionIssuer, configuration.CookieName, clock)
	if err != nil {
		return nil, fmt.Errorf("session_manager.new: %w", err)
	}
	return &SessionManager{
		store:    store,
		codec:    codec,
		clock:    clock,
		name:     configuration.CookieName,
		domain:   configuration.CookieDomain,
		secure:   configuration.CookieSecure,
		sameSite: configuration.SameSiteMode,
		maxAge:   configuration.SessionMaxAge,
	}, nil
}

// CookieName exposes the configured session cookie name.
func (manager *SessionManager) CookieName() string {
	return manager.name
}

// Load returns the session referenced by the request cookie, or a fresh unsaved anonymous session.
// Only store failures are returned as errors; a missing, forged, or expired cookie yields a new session.
func (manager *SessionManager) Load(ctx context.Context, request *http.Request) (*Session, error) {
	sessionID, parseErr := manager.codec.parseRequest(request)
	if parseErr != nil {
		return manager.newSession()
	}
	session, getErr := manager.store.Get(ctx, sessionID)
	if getErr != nil {
		if errors.Is(getErr, ErrSessionNotFound) {
			return manager.newSession()
		}
		return nil, fmt.Errorf("session_manager.load: %w", getErr)
	}
	if !session.ExpiresAt.IsZero() && manager.clock.Now().After(session.ExpiresAt) {
		if destroyErr := manager.store.Destroy(ctx, session.ID); destroyErr != nil {
			return nil, fmt.Errorf("session_manager.load: %w", destroyErr)
		}
		return manager.newSession()
	}
	return session, nil
}

// Save persists the session, extends its expiry, and writes the refreshed cookie.
func (manager *SessionManager) Save(ctx context.Context, writer http.ResponseWriter, session *Session) error {
	cookieValue, expiresAt, mintErr := manager.codec.mint(session.ID, manager.maxAge)
	if mintErr != nil {
		return fmt.Errorf("session_manager.save: %w", mintErr)
	}
	session.ExpiresAt = expiresAt
	if saveErr := manager.store.Save(ctx, session, manager.maxAge); saveErr != nil {
		return fmt.Errorf("session_manager.save: %w", saveErr)
	}
	http.SetCookie(writer, manager.cookie(cookieValue, expiresAt, int(manager.maxAge.Seconds())))
	return nil
}

// Regenerate discards previous and returns a new unsaved session with a fresh id.
func (manager *SessionManager) Regenerate(ctx context.Context, previous *Session) (*Session, error) {
	if previous != nil && previous.ID != "" {
		if destroyErr := manager.store.Destroy(ctx, previous.ID); destroyErr != nil {
			return nil, fmt.Errorf("session_manager.regenerate: %w", destroyErr)
		}
	}
	return manager.newSession()
}

// Destroy removes the session and clears the cookie with the attributes it was set with.
func (manager *SessionManager) Destroy(ctx context.Context, writer http.ResponseWriter, session *Session) error {
	if session != nil && session.ID != "" {
		if destroyErr := manager.store.Destroy(ctx, session.ID); destroyErr != nil {
			return fmt.Errorf("session_manager.destroy: %w", destroyErr)
		}
	}
	manager.ClearCookie(writer)
	return nil
}

// ClearCookie expires the session cookie in the browser.
func (manager *SessionManager) ClearCookie(writer http.ResponseWriter) {
	http.SetCookie(writer, manager.cookie("", time.Unix(0, 0), -1))
}

func (manager *SessionManager) cookie(value string, expiresAt time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     manager.name,
		Value:    value,
		Path:     "/",
		Domain:   manager.domain,
		Expires:  expiresAt,
		MaxAge:   maxAge,
		Secure:   manager.secure,
		HttpOnly: true,
		SameSite: manager.sameSite,
	}
}

func (manager *SessionManager) newSession() (*Session, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("session_manager.new_session: %w", err)
	}
	return &Session{ID: sessionID, CreatedAt: manager.clock.Now()}, nil
}
