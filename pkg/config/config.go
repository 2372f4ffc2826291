package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	SQLite  SQLiteConfig
	Redis   RedisConfig
	Milvus  MilvusConfig
	LLM     LLMConfig
	Engine  EngineConfig
	Jobs    JobsConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host                   string
	Port                   int
	Password               string
	DB                     int
	RuleTTLMinutes         int
	ConversationTTLMinutes int
	EmbeddingTTLMinutes    int
}

type MilvusConfig struct {
	Endpoint       string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
}

// EngineConfig holds the rule lifecycle tunables.
type EngineConfig struct {
	ConfidenceThreshold float64
	ArchiveThreshold    float64
	DecayRatePerWeek    float64
	SimilarityThreshold float64
	DetectionThreshold  float64
	MaxRulesPerTurn     int
	MaxRuleTokens       int
	BasePrompt          string
	SimilarityWeight    float64
	ConfidenceWeight    float64
	RecencyWeight       float64
	UsageWeight         float64
}

type JobsConfig struct {
	SweepSchedule   string
	ExtractSchedule string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/personal-ai-os")

	viper.SetEnvPrefix("PAIOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("sqlite.path", "./data/paios.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ruleTTLMinutes", 60)
	viper.SetDefault("redis.conversationTTLMinutes", 120)
	viper.SetDefault("redis.embeddingTTLMinutes", 1440)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "preference_embeddings")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	viper.SetDefault("engine.confidenceThreshold", 0.3)
	viper.SetDefault("engine.archiveThreshold", 0.2)
	viper.SetDefault("engine.decayRatePerWeek", 0.05)
	viper.SetDefault("engine.similarityThreshold", 0.85)
	viper.SetDefault("engine.detectionThreshold", 0.5)
	viper.SetDefault("engine.maxRulesPerTurn", 5)
	viper.SetDefault("engine.maxRuleTokens", 500)
	viper.SetDefault("engine.basePrompt", "")
	viper.SetDefault("engine.similarityWeight", 0.5)
	viper.SetDefault("engine.confidenceWeight", 0.3)
	viper.SetDefault("engine.recencyWeight", 0.1)
	viper.SetDefault("engine.usageWeight", 0.1)

	viper.SetDefault("jobs.sweepSchedule", "0 3 * * *")
	viper.SetDefault("jobs.extractSchedule", "*/30 * * * *")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
