package middleware

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var defaultOrigins = []string{
	"http://localhost:80",
	"http://localhost:3000",
	"http://localhost:5174",
	"http://localhost:5173",
	"http://127.0.0.1:80",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5174",
	"http://127.0.0.1:5173",
}

// CORS allows the given origins, or the local dev servers when none are
// configured. A single "*" allows any origin without credentials.
func CORS(origins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders: []string{
			"Authorization", "Content-Type", "X-Requested-With", "Accept-Language",
			HeaderUserID, HeaderWorkspace, HeaderRole, headerRequestID, headerTraceID,
		},
		ExposeHeaders:    []string{headerRequestID, headerTraceID},
		AllowCredentials: true,
	}
	origins = cleanOrigins(origins)
	switch {
	case len(origins) == 1 && origins[0] == "*":
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	case len(origins) > 0:
		cfg.AllowOrigins = origins
	default:
		cfg.AllowOrigins = defaultOrigins
	}
	return cors.New(cfg)
}

func cleanOrigins(in []string) []string {
	var out []string
	for _, o := range in {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.TrimRight(part, "/"))
			}
		}
	}
	return out
}
