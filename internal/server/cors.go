package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const wildcardOrigin = "*"

// corsMiddleware allows every origin when the list holds "*". Explicit origins also get
// credentialed requests so the session cookie reaches the API.
func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

// originAllowed decides websocket upgrades. Non-browser clients send no Origin header.
func originAllowed(origins []string, origin string) bool {
	if origin == "" || len(origins) == 0 || containsWildcard(origins) {
		return true
	}
	for _, allowed := range origins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == wildcardOrigin {
			return true
		}
	}
	return false
}
