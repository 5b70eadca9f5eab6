package app

import (
	"context"

	threadrepo "github.com/yungbote/graphpilot-backend/internal/data/repos/assistant"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/graphrag"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/threads"
	"github.com/yungbote/graphpilot-backend/internal/observability"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/services"
)

type Services struct {
	Retriever  *graphrag.Retriever
	ThreadRepo threadrepo.ThreadRepo
	Threads    *threads.Store
	Assistant  services.AssistantService
}

func wireServices(ctx context.Context, log *logger.Logger, cfg Config, clients *Clients, metrics *observability.Metrics) Services {
	log.Info("Wiring services...")

	retriever := graphrag.NewRetriever(clients.Graph, clients.Embedder, graphrag.Config{
		MaxNodes:        cfg.RAG.MaxNodes,
		MaxDepth:        cfg.RAG.MaxDepth,
		TruncateProcess: cfg.RAG.TruncateProcess,
		TruncateData:    cfg.RAG.TruncateData,
		CacheTTL:        cfg.RAG.CacheTTL,
	}, log, graphrag.WithObserver(metrics.ObserveRetrieval))

	tools := agent.DefaultToolSet(clients.Graph)
	executor := agent.NewGraphActionExecutor(clients.Graph)
	newAgent := func(acfg agent.Config) (*agent.Agent, error) {
		if acfg.MaxToolRounds <= 0 {
			acfg.MaxToolRounds = cfg.AI.MaxToolRounds
		}
		if acfg.MaxTokens <= 0 {
			acfg.MaxTokens = cfg.AI.MaxTokens
		}
		return agent.New(acfg, agent.Deps{
			Provider:  clients.Provider,
			Retriever: retriever,
			Tools:     tools,
			Executor:  executor,
			Log:       log,
		})
	}

	var repo threadrepo.ThreadRepo
	if clients.Postgres != nil {
		repo = threadrepo.NewThreadRepo(clients.Postgres.DB(), log)
	}
	store := threads.NewStore(ctx, repo, clients.Bus, log, threads.Config{})

	assistant := services.NewAssistantService(log, store, newAgent, retriever, clients.Bus, clients.Tracker, services.AssistantOptions{
		Provider:        clients.Provider.ProviderName(),
		Model:           clients.Provider.Model(),
		MaxMessageChars: cfg.AI.MaxMessageChars,
		OnTurn:          metrics.ObserveTurn,
	})

	return Services{
		Retriever:  retriever,
		ThreadRepo: repo,
		Threads:    store,
		Assistant:  assistant,
	}
}
