package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const csrfHeaderName = "X-CSRF-Token"

var (
	errMissingFrontendOrigin = errors.New("cors: frontend url is required")
	errWildcardOrigin        = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errInvalidOrigin         = errors.New("cors: invalid origin format")
)

// CORSConfig lists the browser origins allowed to call the auth API with credentials.
// The frontend origin is always allowed; ExtraOrigins must be bare origins.
type CORSConfig struct {
	FrontendURL  string
	ExtraOrigins []string
}

// ConfigureCORS enables credentialed cross-origin requests from the frontend and any extra origins.
func ConfigureCORS(logger *zap.Logger, configuration CORSConfig) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := allowedOrigins(logger, configuration)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With", csrfHeaderName},
		ExposeHeaders:    []string{csrfHeaderName, "Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// allowedOrigins puts the frontend origin first and keeps extra origins in configured order.
func allowedOrigins(logger *zap.Logger, configuration CORSConfig) ([]string, error) {
	frontend := strings.TrimSpace(configuration.FrontendURL)
	if frontend == "" {
		return nil, errMissingFrontendOrigin
	}
	frontendOrigin, err := originOf(frontend, true)
	if err != nil {
		return nil, err
	}
	origins := []string{frontendOrigin}
	seen := map[string]struct{}{frontendOrigin: {}}

	for _, candidate := range configuration.ExtraOrigins {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		origin, originErr := originOf(trimmed, false)
		if originErr != nil {
			return nil, originErr
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}

	for _, origin := range origins {
		if strings.HasPrefix(origin, "http://") && !isDevelopmentOrigin(origin) {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", origin))
		}
	}
	return origins, nil
}

// originOf reduces raw to the form browsers send in the Origin header.
func originOf(raw string, allowPath bool) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if !allowPath && parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("%w: %s contains path segment", errInvalidOrigin, raw)
	}
	if !allowPath && (parsed.RawQuery != "" || parsed.Fragment != "") {
		return "", fmt.Errorf("%w: %s contains query or fragment", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, raw)
	}
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + net.JoinHostPort(host, port), nil
	}
	if strings.Contains(host, ":") {
		return scheme + "://[" + host + "]", nil
	}
	return scheme + "://" + host, nil
}

func isDevelopmentOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
