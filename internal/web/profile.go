package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/soundsouls/soundsouls-auth/internal/authkit"
)

// HandleProfile returns the stored profile of the session's user.
// Must be mounted behind RequireSession.
func HandleProfile(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		session, found := authkit.SessionFromContext(contextGin)
		if !found || !session.Authenticated() {
			logger.Warn("missing session on context",
				zap.String("code", "api.profile.missing_session"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		user, userErr := users.GetUser(contextGin.Request.Context(), session.UserID)
		if userErr != nil {
			if errors.Is(userErr, authkit.ErrUserNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.profile.user_missing"),
					zap.String("user_id", session.UserID))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.profile.user_store_error"),
				zap.String("user_id", session.UserID),
				zap.Error(userErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_store_unavailable"})
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"id":               user.SpotifyID,
			"display_name":     user.DisplayName,
			"email":            user.Email,
			"profile_image":    user.ProfileImage,
			"token_expires_at": user.TokenExpiresAt.UTC(),
			"session_start":    session.SessionStart.UTC(),
		})
	}
}
