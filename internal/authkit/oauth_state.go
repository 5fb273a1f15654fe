package authkit

import (
	"crypto/subtle"
	"time"
)

// OAuthState is the single-use nonce bound to one authorization request.
type OAuthState struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewOAuthState issues a random state that expires ttl after now.
func NewOAuthState(now time.Time, ttl time.Duration) (OAuthState, error) {
	nonce, err := randomHex(stateByteLength)
	if err != nil {
		return OAuthState{}, err
	}
	return OAuthState{Nonce: nonce, ExpiresAt: now.Add(ttl)}, nil
}

// Matches reports whether candidate equals the nonce using a constant-time comparison.
func (state OAuthState) Matches(candidate string) bool {
	if state.Nonce == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(state.Nonce), []byte(candidate)) == 1
}

// Expired reports whether now is past the state expiry.
func (state OAuthState) Expired(now time.Time) bool {
	return now.After(state.ExpiresAt)
}

// VerifyOAuthState checks a callback state against the stored one.
// Mismatch is checked before expiry so a forged state never learns whether a login is pending.
func VerifyOAuthState(stored *OAuthState, candidate string, now time.Time) error {
	if stored == nil || candidate == "" {
		return ErrStateMissing
	}
	if !stored.Matches(candidate) {
		return ErrStateMismatch
	}
	if stored.Expired(now) {
		return ErrStateExpired
	}
	return nil
}
