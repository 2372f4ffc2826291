package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/api/handlers"
	"github.com/personal-ai-os/backend/internal/cache/redis"
	"github.com/personal-ai-os/backend/internal/dedup"
	"github.com/personal-ai-os/backend/internal/extraction"
	"github.com/personal-ai-os/backend/internal/interaction"
	"github.com/personal-ai-os/backend/internal/jobs"
	"github.com/personal-ai-os/backend/internal/llm"
	"github.com/personal-ai-os/backend/internal/metrics"
	"github.com/personal-ai-os/backend/internal/middleware/ratelimit"
	"github.com/personal-ai-os/backend/internal/prompt"
	"github.com/personal-ai-os/backend/internal/ranking"
	"github.com/personal-ai-os/backend/internal/rules"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
	"github.com/personal-ai-os/backend/pkg/config"
	appLogger "github.com/personal-ai-os/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Personal AI OS API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	redisClient, err := redis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Duration(cfg.Redis.RuleTTLMinutes)*time.Minute,
		time.Duration(cfg.Redis.ConversationTTLMinutes)*time.Minute,
		time.Duration(cfg.Redis.EmbeddingTTLMinutes)*time.Minute,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.CreateCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		redisClient,
	)

	ruleService := rules.NewService(sqliteClient, redisClient, milvusClient, llmClient, cfg.Engine.ConfidenceThreshold)
	detector := extraction.NewDetector(llmClient, cfg.Engine.DetectionThreshold)
	resolver := dedup.NewResolver(llmClient, milvusClient, ruleService, cfg.Engine.SimilarityThreshold)

	ranker := ranking.NewRanker(llmClient, milvusClient, ruleService, ranking.Weights{
		Similarity: cfg.Engine.SimilarityWeight,
		Confidence: cfg.Engine.ConfidenceWeight,
		Recency:    cfg.Engine.RecencyWeight,
		Usage:      cfg.Engine.UsageWeight,
	}, cfg.Engine.MaxRulesPerTurn)
	builder := prompt.NewBuilder(cfg.Engine.BasePrompt, cfg.Engine.MaxRuleTokens)

	interactionService := interaction.NewService(
		sqliteClient,
		redisClient,
		llmClient,
		llmClient,
		milvusClient,
		ranker,
		builder,
		detector,
		resolver,
		ruleService,
	)

	sweeper := jobs.NewSweeper(sqliteClient, redisClient, cfg.Engine.DecayRatePerWeek, cfg.Engine.ArchiveThreshold)
	extractor := jobs.NewExtractor(sqliteClient, llmClient, resolver, cfg.Engine.DetectionThreshold)

	scheduler := cron.New()
	if err := jobs.Schedule(scheduler, cfg.Jobs.SweepSchedule, cfg.Jobs.ExtractSchedule, sweeper, extractor); err != nil {
		appLogger.Fatal("Failed to schedule background jobs", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 120})
	defer limiter.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
	app.Use(limiter.Middleware())

	chatHandler := handlers.NewChatHandler(interactionService)
	feedbackHandler := handlers.NewFeedbackHandler(interactionService)
	rulesHandler := handlers.NewRulesHandler(ruleService)

	api := app.Group("/api/v1")

	api.Post("/chat", chatHandler.HandleChat)
	api.Post("/feedback", feedbackHandler.HandleFeedback)

	api.Get("/rules", rulesHandler.ListRules)
	api.Post("/rules", rulesHandler.CreateRule)
	api.Get("/rules/:id", rulesHandler.GetRule)
	api.Patch("/rules/:id", rulesHandler.UpdateRule)
	api.Post("/rules/:id/toggle", rulesHandler.ToggleRule)
	api.Delete("/rules/:id", rulesHandler.DeleteRule)

	api.Get("/audit", rulesHandler.ListAuditEvents)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
