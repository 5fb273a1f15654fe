package authkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	callbackErrorStateMismatch = "state_mismatch"
	callbackErrorStateExpired  = "state_expired"
	callbackErrorInvalidCode   = "invalid_code"
	callbackErrorAuthFailed    = "auth_failed"
)

const refreshCallTimeout = 15 * time.Second

var errTokenPersistence = errors.New("token_store.unavailable")

// MountAuthRoutes registers /auth/login, /auth/callback, /auth/refresh, /auth/logout, /auth/status, and /auth/me.
func (service *Service) MountAuthRoutes(router gin.IRouter) {
	router.GET("/auth/login", service.LimitAuthAttempts(), service.handleLogin)
	router.GET("/auth/callback", service.handleCallback)
	router.POST("/auth/refresh", service.LimitAuthAttempts(), service.handleRefresh)
	router.POST("/auth/logout", service.RequireSession(), service.handleLogout)
	router.GET("/auth/status", service.handleStatus)
	router.GET("/auth/me", service.RequireSession(), service.handleMe)
}

func (service *Service) handleLogin(contextGin *gin.Context) {
	session, loadErr := service.currentSession(contextGin)
	if loadErr != nil {
		service.logger.Error("session load failed",
			zap.String("code", "auth.login.session_unavailable"),
			zap.Error(loadErr))
		abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
		return
	}
	now := service.clock.Now()
	state, stateErr := NewOAuthState(now, service.configuration.StateTTL)
	if stateErr != nil {
		service.logger.Error("state generation failed", zap.String("code", "auth.login.state_failed"), zap.Error(stateErr))
		abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
		return
	}
	if rotateErr := session.RotateCSRF(now); rotateErr != nil {
		service.logger.Error("csrf generation failed", zap.String("code", "auth.login.csrf_failed"), zap.Error(rotateErr))
		abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
		return
	}
	session.LoginState = &state
	session.LoginAttemptAt = now
	if saveErr := service.sessions.Save(contextGin.Request.Context(), contextGin.Writer, session); saveErr != nil {
		service.logger.Error("session save failed",
			zap.String("code", "auth.login.session_unavailable"),
			zap.Error(saveErr))
		abortWithError(contextGin, http.StatusInternalServerError, "session_unavailable", "")
		return
	}
	service.metrics.Increment(metricLoginStarted)
	contextGin.Redirect(http.StatusFound, service.provider.AuthorizationURL(state.Nonce))
}

func (service *Service) handleCallback(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	attempt := AuthAttempt{
		IPAddress:   contextGin.ClientIP(),
		UserAgent:   contextGin.Request.UserAgent(),
		AttemptedAt: service.clock.Now(),
	}

	session, loadErr := service.currentSession(contextGin)
	if loadErr != nil {
		service.logger.Error("session load failed",
			zap.String("code", "auth.callback.session_unavailable"),
			zap.Error(loadErr))
		service.redirectLoginError(contextGin, attempt, callbackErrorAuthFailed)
		return
	}
	attempt.SessionID = session.ID
	storedState := session.LoginState
	session.LoginState = nil

	fail := func(errorCode string, logCode string, cause error) {
		service.logger.Warn("oauth callback rejected",
			zap.String("code", logCode),
			zap.String("ip", attempt.IPAddress),
			zap.Error(cause))
		if storedState != nil {
			if saveErr := service.sessions.Save(ctx, contextGin.Writer, session); saveErr != nil {
				service.logger.Error("session save failed",
					zap.String("code", "auth.callback.session_save_failed"),
					zap.Error(saveErr))
			}
		}
		service.redirectLoginError(contextGin, attempt, errorCode)
	}

	if providerError := strings.TrimSpace(contextGin.Query("error")); providerError != "" {
		fail(providerError, "auth.callback.provider_denied", errors.New(providerError))
		return
	}
	now := service.clock.Now()
	if stateErr := VerifyOAuthState(storedState, contextGin.Query("state"), now); stateErr != nil {
		if errors.Is(stateErr, ErrStateExpired) {
			fail(callbackErrorStateExpired, "auth.callback.state_expired", stateErr)
			return
		}
		fail(callbackErrorStateMismatch, "auth.callback.state_mismatch", stateErr)
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	if code == "" {
		fail(callbackErrorInvalidCode, "auth.callback.missing_code", ErrMissingCode)
		return
	}

	tokens, exchangeErr := service.provider.Exchange(ctx, code)
	if exchangeErr != nil {
		var providerErr *ProviderError
		if errors.As(exchangeErr, &providerErr) && providerErr.StatusCode >= 400 && providerErr.StatusCode < 500 {
			fail(callbackErrorInvalidCode, "auth.callback.exchange_rejected", exchangeErr)
			return
		}
		fail(callbackErrorAuthFailed, "auth.callback.exchange_failed", exchangeErr)
		return
	}
	identity, identityErr := service.provider.FetchIdentity(ctx, tokens.AccessToken)
	if identityErr != nil {
		fail(callbackErrorAuthFailed, "auth.callback.identity_failed", identityErr)
		return
	}
	user, upsertErr := service.users.UpsertSpotifyUser(ctx, identity, tokens)
	if upsertErr != nil {
		fail(callbackErrorAuthFailed, "auth.callback.user_store_failed", upsertErr)
		return
	}
	attempt.UserID = user.ID

	authenticated, regenerateErr := service.sessions.Regenerate(ctx, session)
	if regenerateErr != nil {
		fail(callbackErrorAuthFailed, "auth.callback.regenerate_failed", regenerateErr)
		return
	}
	authenticated.UserID = user.ID
	authenticated.SpotifyID = user.SpotifyID
	authenticated.SessionStart = now
	authenticated.TokenExpiresAt = user.TokenExpiresAt
	if rotateErr := authenticated.RotateCSRF(now); rotateErr != nil {
		service.abandonCallback(contextGin, attempt, authenticated, "auth.callback.csrf_failed", rotateErr)
		return
	}
	if saveErr := service.sessions.Save(ctx, contextGin.Writer, authenticated); saveErr != nil {
		service.abandonCallback(contextGin, attempt, authenticated, "auth.callback.session_save_failed", saveErr)
		return
	}
	attempt.SessionID = authenticated.ID
	AttachSession(contextGin, authenticated)

	auditErr := service.audits.RecordLogin(ctx, SessionAudit{
		UserID:    user.ID,
		SessionID: authenticated.ID,
		IPAddress: attempt.IPAddress,
		UserAgent: attempt.UserAgent,
		LoginAt:   now,
	})
	if auditErr != nil {
		service.abandonCallback(contextGin, attempt, authenticated, "auth.callback.audit_failed", auditErr)
		return
	}

	service.recordAttempt(ctx, attempt)
	service.metrics.Increment(metricLoginSuccess)
	service.logger.Info("login completed",
		zap.String("code", "auth.callback.success"),
		zap.String("user_id", user.ID),
		zap.String("spotify_id", user.SpotifyID))
	contextGin.Redirect(http.StatusFound, service.frontendURL("/profile", ""))
}

// abandonCallback tears down a regenerated session whose login could not be persisted.
func (service *Service) abandonCallback(contextGin *gin.Context, attempt AuthAttempt, session *Session, logCode string, cause error) {
	service.logger.Error("oauth callback persistence failed",
		zap.String("code", logCode),
		zap.String("user_id", attempt.UserID),
		zap.Error(cause))
	if destroyErr := service.sessions.Destroy(contextGin.Request.Context(), contextGin.Writer, session); destroyErr != nil {
		service.logger.Error("session destroy failed",
			zap.String("code", "auth.callback.session_destroy_failed"),
			zap.Error(destroyErr))
	}
	service.redirectLoginError(contextGin, attempt, callbackErrorAuthFailed)
}

func (service *Service) redirectLoginError(contextGin *gin.Context, attempt AuthAttempt, errorCode string) {
	attempt.Error = errorCode
	service.recordAttempt(contextGin.Request.Context(), attempt)
	service.metrics.Increment(metricLoginFailure)
	contextGin.Redirect(http.StatusFound, service.frontendURL("/login", errorCode))
}

func (service *Service) recordAttempt(ctx context.Context, attempt AuthAttempt) {
	if err := service.attempts.RecordAttempt(ctx, attempt); err != nil {
		service.logger.Warn("auth attempt not recorded",
			zap.String("code", "auth.attempt_store_failed"),
			zap.Error(err))
	}
}

func (service *Service) frontendURL(path string, errorCode string) string {
	target := strings.TrimRight(service.configuration.FrontendURL, "/") + path
	if errorCode != "" {
		target += "?error=" + url.QueryEscape(errorCode)
	}
	return target
}

type refreshOutcome struct {
	tokens    TokenSet
	user      User
	userFound bool
}

func (service *Service) handleRefresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil && !errors.Is(bindErr, io.EOF) {
		service.logger.Warn("refresh rejected",
			zap.String("code", "auth.refresh.invalid_request"),
			zap.String("ip", contextGin.ClientIP()),
			zap.Error(bindErr))
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", bindErr.Error())
		return
	}
	refreshToken := strings.TrimSpace(inbound.RefreshToken)
	if refreshToken == "" {
		service.logger.Warn("refresh rejected",
			zap.String("code", ErrMissingRefreshToken.Error()),
			zap.String("ip", contextGin.ClientIP()))
		abortWithError(contextGin, http.StatusBadRequest, "missing_refresh_token", "refresh_token is required")
		return
	}

	outcome, refreshErr := service.refresh(contextGin.Request.Context(), refreshToken)
	if refreshErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		var providerErr *ProviderError
		switch {
		case errors.As(refreshErr, &providerErr):
			status := providerErr.StatusCode
			if status < http.StatusBadRequest {
				status = http.StatusBadGateway
			}
			service.logger.Warn("refresh rejected by provider",
				zap.String("code", "auth.refresh.provider_error"),
				zap.Int("status", providerErr.StatusCode),
				zap.Error(refreshErr))
			abortWithError(contextGin, status, "refresh_failed", providerErr.Message)
		case errors.Is(refreshErr, errTokenPersistence):
			service.logger.Error("refresh not persisted",
				zap.String("code", "auth.refresh.store_failed"),
				zap.Error(refreshErr))
			abortWithError(contextGin, http.StatusInternalServerError, "token_store_unavailable", "")
		default:
			service.logger.Error("refresh failed",
				zap.String("code", "auth.refresh.upstream_failed"),
				zap.Error(refreshErr))
			abortWithError(contextGin, http.StatusBadGateway, "refresh_failed", "")
		}
		return
	}

	if !outcome.userFound {
		service.logger.Warn("refreshed token has no stored owner",
			zap.String("code", "auth.refresh.unknown_token"))
	}
	if session, loadErr := service.currentSession(contextGin); loadErr == nil && outcome.userFound &&
		session.Authenticated() && session.UserID == outcome.user.ID {
		session.TokenExpiresAt = outcome.tokens.ExpiresAt
		if saveErr := service.sessions.Save(contextGin.Request.Context(), contextGin.Writer, session); saveErr != nil {
			service.logger.Warn("session mirror not updated",
				zap.String("code", "auth.refresh.session_save_failed"),
				zap.Error(saveErr))
		}
	}

	service.metrics.Increment(metricRefreshSuccess)
	expiresIn := int64(math.Max(0, outcome.tokens.ExpiresAt.Sub(service.clock.Now()).Seconds()))
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":     outcome.tokens.AccessToken,
		"expires_in":       expiresIn,
		"token_expires_at": outcome.tokens.ExpiresAt.UTC(),
	})
}

// refresh shares one provider call between concurrent callers holding the same refresh token.
// The shared call is detached from the first caller's cancellation and bounded by refreshCallTimeout.
func (service *Service) refresh(ctx context.Context, refreshToken string) (refreshOutcome, error) {
	result, err, _ := service.refreshGroup.Do(refreshToken, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshCallTimeout)
		defer cancel()
		tokens, refreshErr := service.provider.Refresh(callCtx, refreshToken)
		if refreshErr != nil {
			return refreshOutcome{}, refreshErr
		}
		user, updateErr := service.users.UpdateTokensByRefreshToken(callCtx, refreshToken, tokens)
		if updateErr != nil {
			if errors.Is(updateErr, ErrUserNotFound) {
				return refreshOutcome{tokens: tokens}, nil
			}
			return refreshOutcome{}, fmt.Errorf("%w: %w", errTokenPersistence, updateErr)
		}
		return refreshOutcome{tokens: tokens, user: user, userFound: true}, nil
	})
	if err != nil {
		return refreshOutcome{}, err
	}
	return result.(refreshOutcome), nil
}

func (service *Service) handleLogout(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	session, _ := SessionFromContext(contextGin)
	now := service.clock.Now()

	closed, closeErr := service.audits.CloseLatestOpen(ctx, session.UserID, now)
	switch {
	case errors.Is(closeErr, ErrNoOpenAudit):
		service.logger.Warn("logout without open audit row",
			zap.String("code", "auth.logout.no_open_audit"),
			zap.String("user_id", session.UserID))
	case closeErr != nil:
		service.logger.Error("audit close failed",
			zap.String("code", "auth.logout.audit_failed"),
			zap.String("user_id", session.UserID),
			zap.Error(closeErr))
		abortWithError(contextGin, http.StatusInternalServerError, "logout_failed", "")
		return
	}
	if destroyErr := service.sessions.Destroy(ctx, contextGin.Writer, session); destroyErr != nil {
		service.logger.Error("session destroy failed",
			zap.String("code", "auth.logout.session_destroy_failed"),
			zap.Error(destroyErr))
		abortWithError(contextGin, http.StatusInternalServerError, "logout_failed", "")
		return
	}
	contextGin.Writer.Header().Del(csrfHeaderName)
	service.metrics.Increment(metricLogoutSuccess)
	fields := []zap.Field{zap.String("code", "auth.logout.success"), zap.String("user_id", session.UserID)}
	if closed.DurationSeconds != nil {
		fields = append(fields, zap.Int64("duration_seconds", *closed.DurationSeconds))
	}
	service.logger.Info("logout completed", fields...)
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

func (service *Service) handleStatus(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	loggedOut := gin.H{"isLoggedIn": false}

	session, loadErr := service.currentSession(contextGin)
	if loadErr != nil {
		service.logger.Warn("status session load failed",
			zap.String("code", "auth.status.session_unavailable"),
			zap.Error(loadErr))
		contextGin.JSON(http.StatusOK, loggedOut)
		return
	}
	if !session.Authenticated() {
		contextGin.JSON(http.StatusOK, loggedOut)
		return
	}

	user, userErr := service.users.GetUser(ctx, session.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			service.endSession(contextGin, session, "auth.status.user_missing")
		} else {
			service.logger.Warn("status user lookup failed",
				zap.String("code", "auth.status.user_store_failed"),
				zap.Error(userErr))
		}
		contextGin.JSON(http.StatusOK, loggedOut)
		return
	}

	now := service.clock.Now()
	if !user.TokenExpiresAt.After(now) {
		service.metrics.Increment(metricSessionExpired)
		service.endSession(contextGin, session, "auth.status.token_expired")
		contextGin.JSON(http.StatusOK, loggedOut)
		return
	}
	if !session.TokenExpiresAt.Equal(user.TokenExpiresAt) {
		session.TokenExpiresAt = user.TokenExpiresAt
		if saveErr := service.sessions.Save(ctx, contextGin.Writer, session); saveErr != nil {
			service.logger.Warn("session mirror not updated",
				zap.String("code", "auth.status.session_save_failed"),
				zap.Error(saveErr))
		}
	}

	contextGin.JSON(http.StatusOK, gin.H{
		"isLoggedIn":       true,
		"user":             userPayload(user),
		"csrfToken":        session.CSRFToken,
		"token_expires_at": user.TokenExpiresAt.UTC(),
	})
}

func (service *Service) endSession(contextGin *gin.Context, session *Session, logCode string) {
	service.logger.Info("session ended", zap.String("code", logCode), zap.String("user_id", session.UserID))
	if destroyErr := service.sessions.Destroy(contextGin.Request.Context(), contextGin.Writer, session); destroyErr != nil {
		service.logger.Warn("session destroy failed",
			zap.String("code", "auth.status.session_destroy_failed"),
			zap.Error(destroyErr))
	}
}

func (service *Service) handleMe(contextGin *gin.Context) {
	session, _ := SessionFromContext(contextGin)
	user, userErr := service.users.GetUser(contextGin.Request.Context(), session.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			abortWithError(contextGin, http.StatusNotFound, "user_not_found", "")
			return
		}
		service.logger.Error("user lookup failed",
			zap.String("code", "auth.me.user_store_failed"),
			zap.Error(userErr))
		abortWithError(contextGin, http.StatusInternalServerError, "user_store_unavailable", "")
		return
	}
	payload := userPayload(user)
	payload["token_expires_at"] = user.TokenExpiresAt.UTC()
	payload["session_start"] = session.SessionStart.UTC()
	contextGin.JSON(http.StatusOK, payload)
}

func userPayload(user User) gin.H {
	return gin.H{
		"id":            user.SpotifyID,
		"display_name":  user.DisplayName,
		"email":         user.Email,
		"profile_image": user.ProfileImage,
	}
}
