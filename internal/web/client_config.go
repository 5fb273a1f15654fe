package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientConfig contains values exposed to the browser auth helper.
type ClientConfig struct {
	BaseURL     string
	FrontendURL string
}

// ServeClientConfig emits a JavaScript payload that hydrates window.__SOUNDSOULS_AUTH_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	baseURL := configuration.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		scheme := forwardedProto(contextGin.Request)
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	payload := struct {
		BaseURL     string `json:"baseUrl"`
		FrontendURL string `json:"frontendUrl"`
	}{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		FrontendURL: strings.TrimRight(configuration.FrontendURL, "/"),
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){if(typeof window==="undefined"){return;}window.__SOUNDSOULS_AUTH_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}
