package authkit

import (
	"crypto/subtle"
	"time"
)

// SessionPhase is the lifecycle position of a live session.
type SessionPhase string

const (
	// PhaseAnonymous holds neither a user nor a pending login.
	PhaseAnonymous SessionPhase = "anonymous"
	// PhaseLoginPending holds an OAuth state awaiting its callback.
	PhaseLoginPending SessionPhase = "login_pending"
	// PhaseAuthenticated holds a user reference.
	PhaseAuthenticated SessionPhase = "authenticated"
)

// Session is the server-side state addressed by the session cookie.
type Session struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id,omitempty"`
	SpotifyID      string      `json:"spotify_id,omitempty"`
	CSRFToken      string      `json:"csrf_token,omitempty"`
	CSRFRotatedAt  time.Time   `json:"csrf_rotated_at"`
	SessionStart   time.Time   `json:"session_start"`
	LoginState     *OAuthState `json:"login_state,omitempty"`
	LoginAttemptAt time.Time   `json:"login_attempt_at"`
	TokenExpiresAt time.Time   `json:"token_expires_at"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Phase derives the lifecycle phase from the populated fields.
func (session *Session) Phase() SessionPhase {
	switch {
	case session == nil:
		return PhaseAnonymous
	case session.UserID != "":
		return PhaseAuthenticated
	case session.LoginState != nil:
		return PhaseLoginPending
	default:
		return PhaseAnonymous
	}
}

// Authenticated reports whether the session references a user.
func (session *Session) Authenticated() bool {
	return session.Phase() == PhaseAuthenticated
}

// CSRFMatches compares a request-supplied token with the stored one in constant time.
func (session *Session) CSRFMatches(candidate string) bool {
	if session == nil || session.CSRFToken == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(candidate)) == 1
}

// RotateCSRF replaces the CSRF token and resets the rotation clock.
func (session *Session) RotateCSRF(now time.Time) error {
	token, err := newCSRFToken()
	if err != nil {
		return err
	}
	session.CSRFToken = token
	session.CSRFRotatedAt = now
	return nil
}

// RotateCSRFIfDue rotates once interval has elapsed since the last rotation.
func (session *Session) RotateCSRFIfDue(now time.Time, interval time.Duration) (bool, error) {
	if session.CSRFToken != "" && !session.CSRFRotatedAt.IsZero() && now.Sub(session.CSRFRotatedAt) < interval {
		return false, nil
	}
	if err := session.RotateCSRF(now); err != nil {
		return false, err
	}
	return true, nil
}
