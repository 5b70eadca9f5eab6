package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/graphpilot-backend/internal/http/handlers"
	httpMW "github.com/yungbote/graphpilot-backend/internal/http/middleware"
	"github.com/yungbote/graphpilot-backend/internal/observability"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	CORSOrigins    []string
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	AssistantHandler *httpH.AssistantHandler
	HealthHandler    *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	protected := r.Group("/api/ai")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.AssistantHandler != nil {
			protected.POST("/chat", cfg.AssistantHandler.Chat)
			protected.POST("/chat/stream", cfg.AssistantHandler.ChatStream)
			protected.POST("/resume", cfg.AssistantHandler.Resume)
			protected.POST("/resume/stream", cfg.AssistantHandler.ResumeStream)
			protected.GET("/threads", cfg.AssistantHandler.ListThreads)
			protected.DELETE("/threads/:id", cfg.AssistantHandler.DeleteThread)
			protected.GET("/usage", cfg.AssistantHandler.Usage)
		}
	}

	return r
}
