package authkit

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMissing indicates the callback carried no state or the session holds none.
	ErrStateMissing = errors.New("auth.state_missing")
	// ErrStateMismatch indicates the callback state differs from the stored state.
	ErrStateMismatch = errors.New("auth.state_mismatch")
	// ErrStateExpired indicates the stored state outlived its expiry.
	ErrStateExpired = errors.New("auth.state_expired")
	// ErrMissingCode indicates the callback carried no authorization code.
	ErrMissingCode = errors.New("auth.missing_code")
	// ErrMissingRefreshToken indicates an empty refresh token was supplied.
	ErrMissingRefreshToken = errors.New("auth.missing_refresh_token")
	// ErrInvalidIdentity indicates the provider returned an unusable identity document.
	ErrInvalidIdentity = errors.New("auth.invalid_identity")

	// ErrSessionNotFound indicates no live session exists for the identifier.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrUserNotFound indicates no user row matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrNoOpenAudit indicates the user has no open session audit row.
	ErrNoOpenAudit = errors.New("audit_store.no_open_session")
)

// ProviderError carries a non-2xx answer from the identity provider.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (providerErr *ProviderError) Error() string {
	if providerErr.Code != "" {
		return fmt.Sprintf("provider.status_%d: %s: %s", providerErr.StatusCode, providerErr.Code, providerErr.Message)
	}
	return fmt.Sprintf("provider.status_%d: %s", providerErr.StatusCode, providerErr.Message)
}
