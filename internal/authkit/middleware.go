package authkit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequireSession enforces an authenticated session and, on state-changing verbs, a matching CSRF token.
// Authenticated sessions get their CSRF token rotated when due and their expiry slid forward on every pass.
func (service *Service) RequireSession() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		session, loadErr := service.currentSession(contextGin)
		if loadErr != nil {
			service.logger.Error("session load failed",
				zap.String("code", "guard.session_unavailable"),
				zap.Error(loadErr))
			abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
			return
		}

		csrfValid := true
		if isStateChanging(contextGin.Request.Method) {
			csrfValid = session.CSRFMatches(requestCSRFToken(contextGin))
		}

		authenticated := session.Authenticated()
		if authenticated {
			now := service.clock.Now()
			rotated, rotateErr := session.RotateCSRFIfDue(now, service.configuration.CSRFRotationInterval)
			if rotateErr != nil {
				service.logger.Error("csrf rotation failed",
					zap.String("code", "guard.csrf_rotation_failed"),
					zap.Error(rotateErr))
				abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
				return
			}
			if rotated {
				service.metrics.Increment(metricCSRFRotated)
			}
			if saveErr := service.sessions.Save(contextGin.Request.Context(), contextGin.Writer, session); saveErr != nil {
				service.logger.Error("session save failed",
					zap.String("code", "guard.session_save_failed"),
					zap.Error(saveErr))
				abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
				return
			}
			contextGin.Header(csrfHeaderName, session.CSRFToken)
		}

		if !csrfValid {
			service.metrics.Increment(metricCSRFRejected)
			service.logger.Warn("csrf token rejected",
				zap.String("code", "guard.csrf_mismatch"),
				zap.String("method", contextGin.Request.Method),
				zap.String("path", contextGin.Request.URL.Path),
				zap.String("ip", contextGin.ClientIP()))
			abortWithError(contextGin, http.StatusForbidden, "invalid_csrf_token", "")
			return
		}
		if !authenticated {
			service.metrics.Increment(metricUnauthorizedRejection)
			abortWithError(contextGin, http.StatusUnauthorized, "unauthorized", "Please log in")
			return
		}
		contextGin.Next()
	}
}

// LimitConcurrentSessions rejects users that already hold the maximum number of open logins.
// Must run after RequireSession.
func (service *Service) LimitConcurrentSessions() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		session, ok := SessionFromContext(contextGin)
		if !ok || !session.Authenticated() {
			contextGin.Next()
			return
		}
		openCount, countErr := service.audits.CountOpen(contextGin.Request.Context(), session.UserID)
		if countErr != nil {
			service.logger.Error("session limit check failed",
				zap.String("code", "guard.session_limit_unavailable"),
				zap.String("user_id", session.UserID),
				zap.Error(countErr))
			abortWithError(contextGin, http.StatusInternalServerError, "session_limit_unavailable", "")
			return
		}
		if openCount >= int64(service.configuration.MaxConcurrentSessions) {
			service.metrics.Increment(metricSessionLimitRejected)
			service.logger.Warn("concurrent session limit reached",
				zap.String("code", "guard.session_limit_reached"),
				zap.String("user_id", session.UserID),
				zap.Int64("open_sessions", openCount))
			abortWithError(contextGin, http.StatusForbidden, "session_limit_reached", "Maximum concurrent sessions reached")
			return
		}
		contextGin.Next()
	}
}

// LimitAuthAttempts applies the per-IP auth rate limit to anonymous callers.
// The IP comes from gin's ClientIP, so forwarding headers count only from trusted proxies.
func (service *Service) LimitAuthAttempts() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if session, err := service.currentSession(contextGin); err == nil && session.Authenticated() {
			contextGin.Next()
			return
		}
		clientIP := contextGin.ClientIP()
		limitContext, limitErr := service.limiter.Get(contextGin.Request.Context(), clientIP)
		if limitErr != nil {
			service.logger.Error("auth rate limit check failed",
				zap.String("code", "auth.rate_limit_unavailable"),
				zap.String("ip", clientIP),
				zap.Error(limitErr))
			abortWithError(contextGin, http.StatusInternalServerError, "rate_limit_unavailable", "")
			return
		}
		contextGin.Header("X-RateLimit-Limit", strconv.FormatInt(limitContext.Limit, 10))
		contextGin.Header("X-RateLimit-Remaining", strconv.FormatInt(limitContext.Remaining, 10))
		contextGin.Header("X-RateLimit-Reset", strconv.FormatInt(limitContext.Reset, 10))
		if limitContext.Reached {
			service.metrics.Increment(metricRateLimitRejected)
			service.logger.Warn("auth rate limit exceeded",
				zap.String("code", "auth.rate_limited"),
				zap.String("ip", clientIP))
			retryAfter := int64(time.Until(time.Unix(limitContext.Reset, 0)).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			contextGin.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			abortWithError(contextGin, http.StatusTooManyRequests, "too_many_requests", "Too many requests, please try again later")
			return
		}
		contextGin.Next()
	}
}
