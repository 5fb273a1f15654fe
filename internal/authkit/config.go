package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures cookies, redirects, and session lifetimes.
type ServerConfig struct {
	FrontendURL           string
	CookieName            string
	CookieDomain          string
	CookieSecure          bool
	SameSiteMode          http.SameSite
	SessionSecret         []byte
	SessionIssuer         string
	SessionMaxAge         time.Duration
	StateTTL              time.Duration
	CSRFRotationInterval  time.Duration
	MaxConcurrentSessions int
	AuthRateLimit         int
	AuthRateWindow        time.Duration
}

const (
	// DefaultCookieName is the session cookie name used when none is configured.
	DefaultCookieName = "soundsouls.sid"
	// DefaultSessionIssuer is embedded in signed session cookies.
	DefaultSessionIssuer = "soundsouls-auth"
	// DefaultSessionMaxAge bounds a session cookie without activity.
	DefaultSessionMaxAge = 24 * time.Hour
	// DefaultStateTTL is how long an OAuth state stays valid.
	DefaultStateTTL = 5 * time.Minute
	// DefaultCSRFRotationInterval is how often the CSRF token is replaced.
	DefaultCSRFRotationInterval = 15 * time.Minute
	// DefaultMaxConcurrentSessions caps open logins per user.
	DefaultMaxConcurrentSessions = 3
	// DefaultAuthRateLimit is the number of auth requests allowed per window and IP.
	DefaultAuthRateLimit = 10
	// DefaultAuthRateWindow is the rate limiting window for auth endpoints.
	DefaultAuthRateWindow = 15 * time.Minute
)

func (configuration ServerConfig) withDefaults() ServerConfig {
	if configuration.CookieName == "" {
		configuration.CookieName = DefaultCookieName
	}
	if configuration.SessionIssuer == "" {
		configuration.SessionIssuer = DefaultSessionIssuer
	}
	if configuration.SessionMaxAge <= 0 {
		configuration.SessionMaxAge = DefaultSessionMaxAge
	}
	if configuration.StateTTL <= 0 {
		configuration.StateTTL = DefaultStateTTL
	}
	if configuration.CSRFRotationInterval <= 0 {
		configuration.CSRFRotationInterval = DefaultCSRFRotationInterval
	}
	if configuration.MaxConcurrentSessions <= 0 {
		configuration.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if configuration.AuthRateLimit <= 0 {
		configuration.AuthRateLimit = DefaultAuthRateLimit
	}
	if configuration.AuthRateWindow <= 0 {
		configuration.AuthRateWindow = DefaultAuthRateWindow
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteLaxMode
	}
	return configuration
}
