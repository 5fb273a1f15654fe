package authkit

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	sessionContextKey = "auth_session"
	csrfHeaderName    = "X-CSRF-Token"
	csrfFormField     = "_csrf"
)

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Provider IdentityProvider
	Users    UserStore
	Audits   SessionAuditStore
	Attempts AuthAttemptStore
	Sessions *SessionManager
	Clock    Clock
	Logger   *zap.Logger
	Metrics  MetricsRecorder

	// RateLimitStore holds auth attempt counters; nil keeps them in process.
	RateLimitStore limiter.Store
}

// Service owns the auth routes and the request guard.
type Service struct {
	configuration ServerConfig
	provider      IdentityProvider
	users         UserStore
	audits        SessionAuditStore
	attempts      AuthAttemptStore
	sessions      *SessionManager
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
	limiter       *limiter.Limiter
	refreshGroup  singleflight.Group
}

// NewService validates dependencies and applies configuration defaults.
func NewService(configuration ServerConfig, dependencies Dependencies) (*Service, error) {
	switch {
	case dependencies.Provider == nil:
		return nil, errors.New("auth_service.missing_provider")
	case dependencies.Users == nil:
		return nil, errors.New("auth_service.missing_user_store")
	case dependencies.Audits == nil:
		return nil, errors.New("auth_service.missing_audit_store")
	case dependencies.Attempts == nil:
		return nil, errors.New("auth_service.missing_attempt_store")
	case dependencies.Sessions == nil:
		return nil, errors.New("auth_service.missing_session_manager")
	case strings.TrimSpace(configuration.FrontendURL) == "":
		return nil, errors.New("auth_service.missing_frontend_url")
	}
	configuration = configuration.withDefaults()
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &Service{
		configuration: configuration,
		provider:      dependencies.Provider,
		users:         dependencies.Users,
		audits:        dependencies.Audits,
		attempts:      dependencies.Attempts,
		sessions:      dependencies.Sessions,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
		limiter:       newAuthRateLimiter(dependencies.RateLimitStore, configuration.AuthRateLimit, configuration.AuthRateWindow),
	}, nil
}

// currentSession loads the request's session once and caches it on the gin context.
func (service *Service) currentSession(contextGin *gin.Context) (*Session, error) {
	if cached, found := contextGin.Get(sessionContextKey); found {
		if session, ok := cached.(*Session); ok {
			return session, nil
		}
	}
	session, err := service.sessions.Load(contextGin.Request.Context(), contextGin.Request)
	if err != nil {
		return nil, err
	}
	AttachSession(contextGin, session)
	return session, nil
}

// AttachSession makes session the request's current session.
func AttachSession(contextGin *gin.Context, session *Session) {
	contextGin.Set(sessionContextKey, session)
}

// SessionFromContext returns the session attached by RequireSession.
func SessionFromContext(contextGin *gin.Context) (*Session, bool) {
	value, found := contextGin.Get(sessionContextKey)
	if !found {
		return nil, false
	}
	session, ok := value.(*Session)
	return session, ok && session != nil
}

func abortWithError(contextGin *gin.Context, status int, code string, details string) {
	payload := gin.H{"error": code}
	if details != "" {
		payload["details"] = details
	}
	contextGin.AbortWithStatusJSON(status, payload)
}

func isStateChanging(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}

func requestCSRFToken(contextGin *gin.Context) string {
	if headerValue := strings.TrimSpace(contextGin.GetHeader(csrfHeaderName)); headerValue != "" {
		return headerValue
	}
	contentType := contextGin.ContentType()
	if contentType == "application/x-www-form-urlencoded" || contentType == "multipart/form-data" {
		return strings.TrimSpace(contextGin.PostForm(csrfFormField))
	}
	return ""
}
