package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/graphpilot-backend/internal/data/db"
	"github.com/yungbote/graphpilot-backend/internal/platform/envutil"
)

// ConfigPathEnv names the optional YAML file read before the environment.
const ConfigPathEnv = "GRAPHPILOT_CONFIG"

type Config struct {
	Port            string        `yaml:"port"`
	LogMode         string        `yaml:"logMode"`
	Environment     string        `yaml:"environment"`
	Version         string        `yaml:"version"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`

	AI       AIConfig       `yaml:"ai"`
	RAG      RAGConfig      `yaml:"rag"`
	Postgres PostgresConfig `yaml:"postgres"`
	Neo4j    Neo4jConfig    `yaml:"neo4j"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`

	// GraphSnapshots are JSON graph files loaded into the graph source at
	// startup.
	GraphSnapshots []string `yaml:"graphSnapshots"`
}

type AIConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	EmbeddingProvider string  `yaml:"embeddingProvider"`
	EmbeddingModel    string  `yaml:"embeddingModel"`
	RegistryOverlay   string  `yaml:"registryOverlay"`
	MaxToolRounds     int     `yaml:"maxToolRounds"`
	MaxTokens         int     `yaml:"maxTokens"`
	MaxTokensPerCall  int     `yaml:"maxTokensPerCall"`
	MaxTotalTokens    int     `yaml:"maxTotalTokens"`
	MaxCostUSD        float64 `yaml:"maxCostUsd"`
	MaxMessageChars   int     `yaml:"maxMessageChars"`
}

type RAGConfig struct {
	MaxNodes        int           `yaml:"maxNodes"`
	MaxDepth        int           `yaml:"maxDepth"`
	TruncateProcess int           `yaml:"truncateProcess"`
	TruncateData    int           `yaml:"truncateData"`
	CacheTTL        time.Duration `yaml:"cacheTtl"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type Neo4jConfig struct {
	URI         string `yaml:"uri"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	VectorIndex string `yaml:"vectorIndex"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type AuthConfig struct {
	JWTSecretKey string `yaml:"jwtSecretKey"`
	Disabled     bool   `yaml:"disabled"`
}

func defaultConfig() Config {
	return Config{
		Port:            "8080",
		LogMode:         "development",
		ShutdownTimeout: 15 * time.Second,
		AI: AIConfig{
			MaxToolRounds:   8,
			MaxMessageChars: 16000,
		},
		RAG: RAGConfig{
			MaxNodes:        20,
			MaxDepth:        1,
			TruncateProcess: 500,
			TruncateData:    300,
			CacheTTL:        5 * time.Minute,
		},
		Neo4j: Neo4jConfig{User: "neo4j"},
	}
}

// LoadConfig reads path (when non-empty) and then applies environment
// overrides. Environment always wins.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	cfg.Port = envutil.String("PORT", cfg.Port)
	cfg.LogMode = envutil.String("LOG_MODE", cfg.LogMode)
	cfg.Environment = envutil.String("APP_ENV", cfg.Environment)
	cfg.Version = envutil.String("APP_VERSION", cfg.Version)
	cfg.ShutdownTimeout = envutil.Millis("SHUTDOWN_TIMEOUT_MS", cfg.ShutdownTimeout)
	if v := envutil.String("CORS_ALLOW_ORIGINS", ""); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}

	ai := &cfg.AI
	ai.Provider = envutil.String("AI_PROVIDER", ai.Provider)
	ai.Model = envutil.String("AI_MODEL", ai.Model)
	ai.EmbeddingProvider = envutil.String("AI_EMBEDDING_PROVIDER", ai.EmbeddingProvider)
	ai.EmbeddingModel = envutil.String("AI_EMBEDDING_MODEL", ai.EmbeddingModel)
	ai.RegistryOverlay = envutil.String("AI_PROVIDERS_FILE", ai.RegistryOverlay)
	ai.MaxToolRounds = envutil.Int("AI_MAX_TOOL_ROUNDS", ai.MaxToolRounds)
	ai.MaxTokens = envutil.Int("AI_MAX_TOKENS", ai.MaxTokens)
	ai.MaxTokensPerCall = envutil.Int("AI_MAX_TOKENS_PER_CALL", ai.MaxTokensPerCall)
	ai.MaxTotalTokens = envutil.Int("AI_MAX_TOTAL_TOKENS", ai.MaxTotalTokens)
	ai.MaxCostUSD = envutil.Float("AI_MAX_COST_USD", ai.MaxCostUSD)
	ai.MaxMessageChars = envutil.Int("AI_MAX_MESSAGE_CHARS", ai.MaxMessageChars)

	rag := &cfg.RAG
	rag.MaxNodes = envutil.Int("RAG_MAX_NODES", rag.MaxNodes)
	rag.MaxDepth = envutil.Int("RAG_MAX_DEPTH", rag.MaxDepth)
	rag.TruncateProcess = envutil.Int("RAG_TRUNCATE_PROCESS", rag.TruncateProcess)
	rag.TruncateData = envutil.Int("RAG_TRUNCATE_DATA", rag.TruncateData)
	rag.CacheTTL = envutil.Millis("RAG_CACHE_TTL_MS", rag.CacheTTL)

	if dsn := db.DSNFromEnv(); dsn != "" {
		cfg.Postgres.DSN = dsn
	}

	n := &cfg.Neo4j
	n.URI = envutil.String("NEO4J_URI", n.URI)
	n.User = envutil.String("NEO4J_USER", n.User)
	n.Password = envutil.String("NEO4J_PASSWORD", n.Password)
	n.Database = envutil.String("NEO4J_DATABASE", n.Database)
	n.VectorIndex = envutil.String("NEO4J_VECTOR_INDEX", n.VectorIndex)

	r := &cfg.Redis
	r.Addr = envutil.String("REDIS_ADDR", r.Addr)
	r.Password = envutil.String("REDIS_PASSWORD", r.Password)
	r.DB = envutil.Int("REDIS_DB", r.DB)
	r.Channel = envutil.String("REDIS_CHANNEL", r.Channel)

	cfg.Auth.JWTSecretKey = envutil.String("JWT_SECRET_KEY", cfg.Auth.JWTSecretKey)
	cfg.Auth.Disabled = envutil.Bool("AUTH_DISABLED", cfg.Auth.Disabled)

	if v := envutil.String("GRAPH_SNAPSHOTS", ""); v != "" {
		cfg.GraphSnapshots = strings.Split(v, ",")
	}
}

func (c Config) validate() error {
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.JWTSecretKey) == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required unless AUTH_DISABLED=true")
	}
	if c.AI.MaxToolRounds <= 0 {
		return fmt.Errorf("ai.maxToolRounds must be positive")
	}
	return nil
}
