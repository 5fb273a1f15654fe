package web

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServeEmbeddedStaticJS writes one embedded script with a content ETag and answers 304 on a matching If-None-Match.
func ServeEmbeddedStaticJS(contextGin *gin.Context, filesystem embed.FS, path string) {
	data, readErr := filesystem.ReadFile(path)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	digest := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(digest[:8]) + `"`
	contextGin.Header("Cache-Control", "public, max-age=3600")
	contextGin.Header("ETag", etag)
	if etagMatches(contextGin.GetHeader("If-None-Match"), etag) {
		contextGin.Status(http.StatusNotModified)
		return
	}
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", data)
}

func etagMatches(header string, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}
