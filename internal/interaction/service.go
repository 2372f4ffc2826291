package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/cache/redis"
	"github.com/personal-ai-os/backend/internal/dedup"
	"github.com/personal-ai-os/backend/internal/extraction"
	"github.com/personal-ai-os/backend/internal/llm"
	"github.com/personal-ai-os/backend/internal/metrics"
	"github.com/personal-ai-os/backend/internal/prompt"
	"github.com/personal-ai-os/backend/internal/ranking"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
	"github.com/personal-ai-os/backend/pkg/logger"
)

// Store is the interaction persistence surface.
type Store interface {
	CreateInteraction(ctx context.Context, interaction *models.Interaction) error
	GetInteraction(ctx context.Context, id string) (*models.Interaction, error)
	MarkInteractionCorrected(ctx context.Context, id, correctionText, ruleID string) (bool, error)
	SetInteractionRule(ctx context.Context, id, ruleID string) error
	SetInteractionEmbeddingRef(ctx context.Context, id, ref string) error
}

type ConversationCache interface {
	GetConversation(ctx context.Context, conversationID string) ([]redis.Message, error)
	AppendConversation(ctx context.Context, conversationID string, messages ...redis.Message) error
}

type Chatter interface {
	GenerateChat(ctx context.Context, systemPrompt string, history []llm.ChatMessage, userMessage string) (*llm.CompletionResponse, error)
}

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Indexer interface {
	Upsert(ctx context.Context, ref, userID, kind string, embedding []float32) error
}

type Detector interface {
	Detect(ctx context.Context, userMessage, assistantResponse, feedback string) (*extraction.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, userID string, candidate dedup.Candidate) (*dedup.Resolution, error)
}

// RuleApplier records rule usage after a turn commits.
type RuleApplier interface {
	MarkApplied(ctx context.Context, ruleID, interactionID string) (*models.Rule, error)
}

// Service orchestrates chat turns and feedback processing. The model call
// either succeeds and the turn persists, or fails and nothing is written.
type Service struct {
	store    Store
	cache    ConversationCache
	chatter  Chatter
	embedder Embedder
	indexer  Indexer
	ranker   *ranking.Ranker
	builder  *prompt.Builder
	detector Detector
	resolver Resolver
	applier  RuleApplier
}

func NewService(
	store Store,
	cache ConversationCache,
	chatter Chatter,
	embedder Embedder,
	indexer Indexer,
	ranker *ranking.Ranker,
	builder *prompt.Builder,
	detector Detector,
	resolver Resolver,
	applier RuleApplier,
) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		chatter:  chatter,
		embedder: embedder,
		indexer:  indexer,
		ranker:   ranker,
		builder:  builder,
		detector: detector,
		resolver: resolver,
		applier:  applier,
	}
}

type ChatInput struct {
	UserID         string
	ConversationID string
	Message        string
}

type ChatResult struct {
	InteractionID string
	Response      string
	RulesApplied  []models.Rule
}

// ProcessChat runs one chat turn: rank rules, build the prompt, call the
// model, persist the interaction, then record rule usage.
func (s *Service) ProcessChat(ctx context.Context, input ChatInput) (*ChatResult, error) {
	start := time.Now()

	ranked, err := s.ranker.Rank(ctx, input.UserID, input.Message)
	if err != nil {
		metrics.TurnDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to rank rules: %w", err)
	}

	systemPrompt, injected := s.builder.BuildSystemPrompt(ranked)
	history := s.loadHistory(ctx, input.ConversationID)

	resp, err := s.chatter.GenerateChat(ctx, systemPrompt, history, input.Message)
	if err != nil {
		metrics.TurnDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("chat generation failed: %w", err)
	}

	ruleIDs := make([]string, 0, len(injected))
	for _, r := range injected {
		ruleIDs = append(ruleIDs, r.ID)
	}

	interaction := &models.Interaction{
		ID:                uuid.NewString(),
		UserID:            input.UserID,
		ConversationID:    input.ConversationID,
		UserMessage:       input.Message,
		AssistantResponse: resp.Content,
		RulesApplied:      ruleIDs,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.store.CreateInteraction(ctx, interaction); err != nil {
		metrics.TurnDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to persist interaction: %w", err)
	}

	for _, r := range injected {
		if _, err := s.applier.MarkApplied(ctx, r.ID, interaction.ID); err != nil {
			logger.Warn("Failed to record rule application",
				zap.String("rule_id", r.ID),
				zap.String("interaction_id", interaction.ID),
				zap.Error(err),
			)
		}
	}

	if input.ConversationID != "" {
		err := s.cache.AppendConversation(ctx, input.ConversationID,
			redis.Message{Role: "user", Content: input.Message},
			redis.Message{Role: "assistant", Content: resp.Content},
		)
		if err != nil {
			logger.Warn("Failed to update conversation context",
				zap.String("conversation_id", input.ConversationID),
				zap.Error(err),
			)
		}
	}

	s.indexInteraction(ctx, interaction)

	metrics.TurnDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	metrics.RulesInjected.Observe(float64(len(injected)))
	metrics.LLMTokensUsed.WithLabelValues("chat", "total").Add(float64(resp.Usage.TotalTokens))

	logger.Info("Chat turn completed",
		zap.String("interaction_id", interaction.ID),
		zap.String("user_id", input.UserID),
		zap.Int("rules_applied", len(injected)),
	)

	return &ChatResult{
		InteractionID: interaction.ID,
		Response:      resp.Content,
		RulesApplied:  injected,
	}, nil
}

func (s *Service) loadHistory(ctx context.Context, conversationID string) []llm.ChatMessage {
	if conversationID == "" {
		return nil
	}

	cached, err := s.cache.GetConversation(ctx, conversationID)
	if err != nil {
		logger.Warn("Failed to load conversation context",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil
	}

	history := make([]llm.ChatMessage, 0, len(cached))
	for _, m := range cached {
		history = append(history, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history
}

// indexInteraction embeds the turn for later semantic lookups. Failures are
// logged and dropped; the interaction row is already committed.
func (s *Service) indexInteraction(ctx context.Context, interaction *models.Interaction) {
	text := interaction.UserMessage + "\n" + interaction.AssistantResponse
	embedding, err := s.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		logger.Warn("Failed to embed interaction", zap.String("interaction_id", interaction.ID), zap.Error(err))
		return
	}

	ref := "interaction_" + interaction.ID
	if err := s.indexer.Upsert(ctx, ref, interaction.UserID, milvus.KindInteraction, embedding); err != nil {
		logger.Warn("Failed to index interaction", zap.String("interaction_id", interaction.ID), zap.Error(err))
		return
	}

	if err := s.store.SetInteractionEmbeddingRef(ctx, interaction.ID, ref); err != nil {
		logger.Warn("Failed to record interaction embedding ref",
			zap.String("interaction_id", interaction.ID),
			zap.Error(err),
		)
	}
}

// Feedback outcomes reported to callers.
const (
	FeedbackNoCorrection      = "no_correction"
	FeedbackRuleCreated       = "rule_created"
	FeedbackRuleReinforced    = "rule_reinforced"
	FeedbackCorrectionFlagged = "correction_flagged"
	FeedbackAlreadyProcessed  = "already_processed"
)

type FeedbackInput struct {
	UserID        string
	InteractionID string
	Feedback      string
}

type FeedbackResult struct {
	Status string
	Rule   *models.Rule
}

// ProcessFeedback analyzes feedback on a past turn. Each interaction accepts
// at most one correction; repeats are acknowledged without side effects.
func (s *Service) ProcessFeedback(ctx context.Context, input FeedbackInput) (*FeedbackResult, error) {
	interaction, err := s.store.GetInteraction(ctx, input.InteractionID)
	if err != nil {
		return nil, err
	}

	// Ownership is checked with the same error as a missing row so callers
	// cannot probe other users' interaction ids.
	if interaction.UserID != input.UserID {
		return nil, sqlite.ErrNotFound
	}

	if interaction.WasCorrected {
		metrics.FeedbackTotal.WithLabelValues(FeedbackAlreadyProcessed).Inc()
		return &FeedbackResult{Status: FeedbackAlreadyProcessed}, nil
	}

	detection, err := s.detector.Detect(ctx, interaction.UserMessage, interaction.AssistantResponse, input.Feedback)
	if err != nil {
		return nil, fmt.Errorf("correction detection failed: %w", err)
	}

	if detection.Outcome == extraction.OutcomeNotCorrection {
		metrics.FeedbackTotal.WithLabelValues(FeedbackNoCorrection).Inc()
		return &FeedbackResult{Status: FeedbackNoCorrection}, nil
	}

	// Claim the interaction before touching rule state. The claim is a
	// conditional update, so exactly one concurrent submission wins.
	claimed, err := s.store.MarkInteractionCorrected(ctx, interaction.ID, input.Feedback, "")
	if err != nil {
		return nil, fmt.Errorf("failed to mark interaction corrected: %w", err)
	}
	if !claimed {
		metrics.FeedbackTotal.WithLabelValues(FeedbackAlreadyProcessed).Inc()
		return &FeedbackResult{Status: FeedbackAlreadyProcessed}, nil
	}

	if detection.Outcome == extraction.OutcomeHeuristicOnly {
		// No rule could be phrased yet. The background extractor retries
		// this interaction with the model.
		metrics.FeedbackTotal.WithLabelValues(FeedbackCorrectionFlagged).Inc()
		logger.Info("Correction flagged for deferred extraction",
			zap.String("interaction_id", interaction.ID),
		)
		return &FeedbackResult{Status: FeedbackCorrectionFlagged}, nil
	}

	resolution, err := s.resolver.Resolve(ctx, input.UserID, dedup.Candidate{
		Content:            detection.Content,
		Category:           detection.Category,
		OriginalCorrection: input.Feedback,
	})
	if err != nil {
		// The claim stands, so the background extractor picks this up.
		return nil, fmt.Errorf("failed to resolve extracted rule: %w", err)
	}

	if err := s.store.SetInteractionRule(ctx, interaction.ID, resolution.Rule.ID); err != nil {
		logger.Warn("Failed to link rule to interaction",
			zap.String("interaction_id", interaction.ID),
			zap.String("rule_id", resolution.Rule.ID),
			zap.Error(err),
		)
	}

	status := FeedbackRuleCreated
	if resolution.Reinforced {
		status = FeedbackRuleReinforced
	}
	metrics.FeedbackTotal.WithLabelValues(status).Inc()

	logger.Info("Feedback processed",
		zap.String("interaction_id", interaction.ID),
		zap.String("rule_id", resolution.Rule.ID),
		zap.String("status", status),
	)

	return &FeedbackResult{Status: status, Rule: resolution.Rule}, nil
}
