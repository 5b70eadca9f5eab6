package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/graphpilot-backend/internal/http/response"
	"github.com/yungbote/graphpilot-backend/internal/platform/ctxutil"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

const (
	HeaderUserID    = "X-User-Id"
	HeaderWorkspace = "X-Workspace"
	HeaderRole      = "X-Role"
)

// Claims are the bearer token fields the assistant relies on. Subject is
// the user id.
type Claims struct {
	Workspace string `json:"workspace,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	Secret string
	// Disabled trusts the X-User-Id / X-Workspace / X-Role headers.
	// Local development only.
	Disabled bool
}

type AuthMiddleware struct {
	log *logger.Logger
	cfg AuthConfig
}

func NewAuthMiddleware(log *logger.Logger, cfg AuthConfig) *AuthMiddleware {
	if log == nil {
		log = logger.Nop()
	}
	middlewareLogger := log.With("Middleware", "AuthMiddleware")
	if cfg.Disabled {
		middlewareLogger.Warn("authentication disabled; identity is read from request headers")
	}
	return &AuthMiddleware{log: middlewareLogger, cfg: cfg}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd, err := am.identify(c)
		if err != nil {
			am.log.Debug("request rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorEnvelope{
				Error: response.APIError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}
		rd.Lang = c.GetHeader("Accept-Language")
		c.Request = c.Request.WithContext(ctxutil.WithRequestData(c.Request.Context(), rd))
		c.Next()
	}
}

func (am *AuthMiddleware) identify(c *gin.Context) (*ctxutil.RequestData, error) {
	if am.cfg.Disabled {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			return nil, errors.New("missing " + HeaderUserID)
		}
		return &ctxutil.RequestData{
			UserID:    userID,
			Workspace: strings.TrimSpace(c.GetHeader(HeaderWorkspace)),
			Role:      strings.TrimSpace(c.GetHeader(HeaderRole)),
		}, nil
	}
	tokenString := extractToken(c)
	if tokenString == "" {
		return nil, errors.New("missing token")
	}
	claims, err := ParseToken(am.cfg.Secret, tokenString)
	if err != nil {
		return nil, err
	}
	return &ctxutil.RequestData{
		UserID:    claims.Subject,
		Workspace: claims.Workspace,
		Role:      claims.Role,
	}, nil
}

// ParseToken verifies an HS256 token and requires a subject.
func ParseToken(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("no signing secret configured")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid or expired token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// SignToken is used by tests and local tooling.
func SignToken(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
