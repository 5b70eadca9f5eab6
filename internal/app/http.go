package app

import (
	"github.com/yungbote/graphpilot-backend/internal/http"
	httpH "github.com/yungbote/graphpilot-backend/internal/http/handlers"
	httpMW "github.com/yungbote/graphpilot-backend/internal/http/middleware"
	"github.com/yungbote/graphpilot-backend/internal/observability"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health    *httpH.HealthHandler
	Assistant *httpH.AssistantHandler
}

func wireHandlers(log *logger.Logger, clients *Clients, services Services) Handlers {
	log.Info("Wiring handlers...")
	checks := map[string]httpH.Pinger{}
	if services.ThreadRepo != nil {
		checks["postgres"] = services.ThreadRepo
	}
	if clients.Neo4j != nil {
		checks["neo4j"] = clients.Neo4j
	}
	return Handlers{
		Health:    httpH.NewHealthHandler(checks),
		Assistant: httpH.NewAssistantHandler(log, services.Assistant),
	}
}

func wireMiddleware(log *logger.Logger, cfg Config) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, httpMW.AuthConfig{
			Secret:   cfg.Auth.JWTSecretKey,
			Disabled: cfg.Auth.Disabled,
		}),
	}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, middleware Middleware, metrics *observability.Metrics) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:              log,
		ServiceName:      serviceName,
		CORSOrigins:      cfg.CORSOrigins,
		Metrics:          metrics,
		AuthMiddleware:   middleware.Auth,
		AssistantHandler: handlers.Assistant,
		HealthHandler:    handlers.Health,
	})
}
