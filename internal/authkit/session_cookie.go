package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soundsouls/soundsouls-auth/pkg/sessionvalidator"
)

var (
	errEmptySessionID  = errors.New("session_cookie.empty_session_id")
	errNoSessionCookie = errors.New("session_cookie.missing")
)

// sessionCookieCodec signs session ids into cookie values so a tampered id is rejected before any store lookup.
type sessionCookieCodec struct {
	signingKey []byte
	issuer     string
	clock      Clock
	validator  *sessionvalidator.Validator
}

func newSessionCookieCodec(signingKey []byte, issuer string, cookieName string, clock Clock) (sessionCookieCodec, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: signingKey,
		Issuer:     issuer,
		CookieName: cookieName,
		Clock:      clock,
	})
	if err != nil {
		return sessionCookieCodec{}, fmt.Errorf("session_cookie.new: %w", err)
	}
	return sessionCookieCodec{signingKey: signingKey, issuer: issuer, clock: clock, validator: validator}, nil
}

func (codec sessionCookieCodec) mint(sessionID string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, fmt.Errorf("session_cookie.mint: %w", errEmptySessionID)
	}
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session_cookie.mint: %w", err)
	}
	return signed, expiresAt, nil
}

func (codec sessionCookieCodec) parse(value string) (string, error) {
	claims, err := codec.validator.ValidateToken(value)
	if err != nil {
		return "", fmt.Errorf("session_cookie.parse: %w", err)
	}
	return claims.GetSessionID(), nil
}

// parseRequest reads the session cookie from request; errNoSessionCookie means the browser sent none.
func (codec sessionCookieCodec) parseRequest(request *http.Request) (string, error) {
	claims, err := codec.validator.ValidateRequest(request)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrMissingCookie) {
			return "", errNoSessionCookie
		}
		return "", fmt.Errorf("session_cookie.parse: %w", err)
	}
	return claims.GetSessionID(), nil
}
