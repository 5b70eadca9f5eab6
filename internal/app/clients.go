package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/data/db"
	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	"github.com/yungbote/graphpilot-backend/internal/llm"
	"github.com/yungbote/graphpilot-backend/internal/llm/registry"
	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/platform/neo4jdb"
	"github.com/yungbote/graphpilot-backend/internal/realtime/bus"
)

type Clients struct {
	Registry *registry.Registry
	Tracker  *usage.Tracker
	Provider llm.Provider
	// Embedder is nil when no embedding provider is configured; retrieval
	// then falls back to keyword search.
	Embedder llm.EmbeddingProvider

	Postgres *db.PostgresService
	Neo4j    *neo4jdb.Client
	Graph    graph.MutableDataSource
	Bus      bus.Bus
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (*Clients, error) {
	log.Info("Wiring clients...")
	c := &Clients{}

	// LLM
	c.Registry = registry.New()
	if cfg.AI.RegistryOverlay != "" {
		n, err := c.Registry.LoadOverlay(cfg.AI.RegistryOverlay)
		if err != nil {
			return nil, fmt.Errorf("load provider overlay: %w", err)
		}
		log.Info("provider overlay loaded", "path", cfg.AI.RegistryOverlay, "entries", n)
	}
	c.Tracker = usage.NewTracker(
		usage.WithRegistry(c.Registry),
		usage.WithLimits(usage.Limits{
			MaxTokensPerCall: cfg.AI.MaxTokensPerCall,
			MaxTotalTokens:   cfg.AI.MaxTotalTokens,
			MaxCostUSD:       cfg.AI.MaxCostUSD,
		}),
	)
	provider, err := llm.New(log, llm.Config{
		Provider:  cfg.AI.Provider,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
		Registry:  c.Registry,
		Tracker:   c.Tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("init llm provider: %w", err)
	}
	c.Provider = provider
	log.Info("llm provider ready", "provider", provider.ProviderName(), "model", provider.Model())

	embedder, err := llm.NewEmbedder(log, llm.Config{
		Provider: cfg.AI.EmbeddingProvider,
		Model:    cfg.AI.EmbeddingModel,
		Registry: c.Registry,
		Tracker:  c.Tracker,
	})
	if err != nil {
		log.Warn("no embedding provider; retrieval uses keyword search", "error", err)
	} else {
		c.Embedder = embedder
	}

	// Graph source
	if cfg.Neo4j.URI != "" {
		ncfg := neo4jdb.ConfigFromEnv()
		ncfg.URI = cfg.Neo4j.URI
		ncfg.User = cfg.Neo4j.User
		ncfg.Password = cfg.Neo4j.Password
		ncfg.Database = cfg.Neo4j.Database
		client, err := neo4jdb.New(log, ncfg)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("init neo4j: %w", err)
		}
		c.Neo4j = client
		src, err := graph.NewNeo4jSource(client, log, cfg.Neo4j.VectorIndex)
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		dim := 0
		if c.Embedder != nil {
			dim = c.Embedder.Dimension()
		}
		src.EnsureSchema(ctx, dim)
		if err := loadSnapshots(cfg.GraphSnapshots, func(s graph.Snapshot) error { return src.Import(ctx, s) }); err != nil {
			c.Close(ctx)
			return nil, err
		}
		c.Graph = src
	} else {
		log.Warn("NEO4J_URI not set; using in-memory graph source")
		src := graph.NewMemorySource()
		if err := loadSnapshots(cfg.GraphSnapshots, func(s graph.Snapshot) error { src.Put(s); return nil }); err != nil {
			return nil, err
		}
		c.Graph = src
	}

	// Thread documents. A missing or unreachable database leaves the
	// assistant memory-only.
	if cfg.Postgres.DSN != "" {
		pg, err := db.NewPostgresService(log, cfg.Postgres.DSN)
		if err != nil {
			log.Warn("postgres unavailable; threads will not survive restarts", "error", err)
		} else {
			c.Postgres = pg
		}
	}

	// Cross-instance events
	b, err := bus.New(log, bus.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
	})
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	c.Bus = b

	return c, nil
}

func loadSnapshots(paths []string, put func(graph.Snapshot) error) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read graph snapshot: %w", err)
		}
		var snap graph.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("decode graph snapshot %s: %w", p, err)
		}
		if strings.TrimSpace(snap.Graph.Key) == "" {
			return fmt.Errorf("graph snapshot %s has no key", p)
		}
		if err := put(snap); err != nil {
			return fmt.Errorf("load graph snapshot %s: %w", p, err)
		}
	}
	return nil
}

func (c *Clients) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
	if c.Postgres != nil {
		_ = c.Postgres.Close()
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(ctx)
	}
}
