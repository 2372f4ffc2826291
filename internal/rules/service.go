package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/metrics"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/pkg/logger"
)

// Store is the persistence surface the lifecycle service needs.
type Store interface {
	CreateRule(ctx context.Context, rule *models.Rule, events []models.AuditEvent) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListUserRules(ctx context.Context, userID, status, category string) ([]models.Rule, error)
	MutateRule(ctx context.Context, id string, fn func(models.Rule) (models.Rule, []models.AuditEvent, error)) (*models.Rule, error)
	DeleteRule(ctx context.Context, id string, events []models.AuditEvent) error
	ListEvents(ctx context.Context, userID, ruleID string, limit int) ([]models.AuditEvent, error)
}

// Cache holds per-user eligible rule sets.
type Cache interface {
	GetUserRules(ctx context.Context, userID string) ([]models.Rule, bool, error)
	SetUserRules(ctx context.Context, userID string, rules []models.Rule) error
	InvalidateUserRules(ctx context.Context, userID string) error
}

// VectorIndex mirrors rule content into the similarity index.
type VectorIndex interface {
	Upsert(ctx context.Context, ref, userID, kind string, embedding []float32) error
	Delete(ctx context.Context, ref string) error
}

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Service owns rule state transitions. Every mutation commits the rule row
// and its audit events in one transaction, then invalidates the user's cache.
type Service struct {
	store               Store
	cache               Cache
	index               VectorIndex
	embedder            Embedder
	confidenceThreshold float64
}

const vectorKindRule = "rule"

func NewService(store Store, cache Cache, index VectorIndex, embedder Embedder, confidenceThreshold float64) *Service {
	return &Service{
		store:               store,
		cache:               cache,
		index:               index,
		embedder:            embedder,
		confidenceThreshold: confidenceThreshold,
	}
}

type CreateRuleInput struct {
	UserID             string
	Content            string
	Category           string
	OriginalCorrection string
}

// CreateRule persists a new active rule at initial confidence and indexes its
// embedding for dedup lookups.
func (s *Service) CreateRule(ctx context.Context, input CreateRuleInput) (*models.Rule, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("rule content must not be empty")
	}
	if !models.ValidCategory(input.Category) {
		return nil, fmt.Errorf("invalid rule category: %q", input.Category)
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, input.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed rule content: %w", err)
	}

	now := time.Now().UTC()
	rule := &models.Rule{
		ID:                 uuid.NewString(),
		UserID:             input.UserID,
		Content:            strings.TrimSpace(input.Content),
		OriginalCorrection: input.OriginalCorrection,
		Category:           models.RuleCategory(input.Category),
		Confidence:         InitialConfidence,
		Status:             models.StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	rule.EmbeddingRef = "rule_" + rule.ID

	if err := s.index.Upsert(ctx, rule.EmbeddingRef, rule.UserID, vectorKindRule, embedding); err != nil {
		return nil, fmt.Errorf("failed to index rule embedding: %w", err)
	}

	events := []models.AuditEvent{
		models.NewEvent(rule.UserID, rule.ID, models.EventRuleCreated, models.RuleCreatedData{
			Content:            rule.Content,
			Category:           string(rule.Category),
			OriginalCorrection: rule.OriginalCorrection,
		}),
	}

	if err := s.store.CreateRule(ctx, rule, events); err != nil {
		// Best effort rollback of the index entry; sqlite is authoritative.
		_ = s.index.Delete(ctx, rule.EmbeddingRef)
		return nil, err
	}

	s.invalidate(ctx, rule.UserID)
	metrics.RulesCreated.Inc()
	metrics.RuleConfidence.Observe(rule.Confidence)

	logger.Info("Rule created",
		zap.String("rule_id", rule.ID),
		zap.String("user_id", rule.UserID),
		zap.String("category", string(rule.Category)),
	)

	return rule, nil
}

// ReinforceRule bumps confidence for a repeated correction. A disabled or
// archived rule is reactivated in the same transition so a fresh correction
// always resurfaces the preference.
func (s *Service) ReinforceRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	now := time.Now().UTC()

	updated, err := s.store.MutateRule(ctx, ruleID, func(r models.Rule) (models.Rule, []models.AuditEvent, error) {
		var events []models.AuditEvent

		if r.Status != models.StatusActive {
			oldStatus := r.Status
			r.Status = models.StatusActive
			events = append(events, models.NewEvent(r.UserID, r.ID, models.EventRuleEnabled, models.RuleEditedData{
				OldStatus: string(oldStatus),
				NewStatus: string(models.StatusActive),
			}))
		}

		old := r.Confidence
		r, err := Reinforce(r, now)
		if err != nil {
			return r, nil, err
		}

		events = append(events, models.NewEvent(r.UserID, r.ID, models.EventRuleReinforced, models.ConfidenceChangeData{
			OldConfidence: old,
			NewConfidence: r.Confidence,
		}))
		return r, events, nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, updated.UserID)
	metrics.RulesReinforced.Inc()
	metrics.RuleConfidence.Observe(updated.Confidence)

	logger.Info("Rule reinforced",
		zap.String("rule_id", updated.ID),
		zap.Float64("confidence", updated.Confidence),
	)

	return updated, nil
}

// MarkApplied records that a rule shaped a response. Application is usage
// tracking only and never moves confidence.
func (s *Service) MarkApplied(ctx context.Context, ruleID, interactionID string) (*models.Rule, error) {
	now := time.Now().UTC()

	updated, err := s.store.MutateRule(ctx, ruleID, func(r models.Rule) (models.Rule, []models.AuditEvent, error) {
		r = RecordApplication(r, now)
		events := []models.AuditEvent{
			models.NewEvent(r.UserID, r.ID, models.EventRuleApplied, models.RuleAppliedData{
				TimesApplied:  r.TimesApplied,
				InteractionID: interactionID,
			}),
		}
		return r, events, nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, updated.UserID)
	return updated, nil
}

type UpdateRuleInput struct {
	Content  *string
	Category *string
	Status   *string
}

// UpdateRule applies a manual edit. Content changes re-embed the rule so
// dedup keeps matching against the current wording.
func (s *Service) UpdateRule(ctx context.Context, ruleID string, input UpdateRuleInput) (*models.Rule, error) {
	if input.Category != nil && !models.ValidCategory(*input.Category) {
		return nil, fmt.Errorf("invalid rule category: %q", *input.Category)
	}
	if input.Status != nil {
		switch models.RuleStatus(*input.Status) {
		case models.StatusActive, models.StatusDisabled:
		default:
			return nil, fmt.Errorf("invalid rule status: %q", *input.Status)
		}
	}
	if input.Content != nil && strings.TrimSpace(*input.Content) == "" {
		return nil, fmt.Errorf("rule content must not be empty")
	}

	var reembedContent string

	updated, err := s.store.MutateRule(ctx, ruleID, func(r models.Rule) (models.Rule, []models.AuditEvent, error) {
		var events []models.AuditEvent
		now := time.Now().UTC()

		if input.Content != nil && strings.TrimSpace(*input.Content) != r.Content {
			data := models.RuleEditedData{OldContent: r.Content, NewContent: strings.TrimSpace(*input.Content)}
			r.Content = strings.TrimSpace(*input.Content)
			reembedContent = r.Content
			events = append(events, models.NewEvent(r.UserID, r.ID, models.EventRuleEdited, data))
		}

		if input.Category != nil && models.RuleCategory(*input.Category) != r.Category {
			r.Category = models.RuleCategory(*input.Category)
			events = append(events, models.NewEvent(r.UserID, r.ID, models.EventRuleEdited, models.RuleEditedData{
				NewContent: r.Content,
			}))
		}

		if input.Status != nil && models.RuleStatus(*input.Status) != r.Status {
			oldStatus := r.Status
			r.Status = models.RuleStatus(*input.Status)
			eventType := models.EventRuleDisabled
			if r.Status == models.StatusActive {
				eventType = models.EventRuleEnabled
			}
			events = append(events, models.NewEvent(r.UserID, r.ID, eventType, models.RuleEditedData{
				OldStatus: string(oldStatus),
				NewStatus: string(r.Status),
			}))
		}

		if len(events) > 0 {
			r.UpdatedAt = now
		}
		return r, events, nil
	})
	if err != nil {
		return nil, err
	}

	if reembedContent != "" {
		embedding, err := s.embedder.GenerateEmbedding(ctx, reembedContent)
		if err != nil {
			logger.Error("Failed to re-embed edited rule",
				zap.String("rule_id", updated.ID),
				zap.Error(err),
			)
		} else if err := s.index.Upsert(ctx, updated.EmbeddingRef, updated.UserID, vectorKindRule, embedding); err != nil {
			logger.Error("Failed to reindex edited rule",
				zap.String("rule_id", updated.ID),
				zap.Error(err),
			)
		}
	}

	s.invalidate(ctx, updated.UserID)
	return updated, nil
}

// DeleteRule removes the rule, its index entry, and writes the terminal audit
// event. The prior audit trail stays.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}

	events := []models.AuditEvent{
		models.NewEvent(rule.UserID, rule.ID, models.EventRuleDeleted, models.RuleDeletedData{
			Content: rule.Content,
		}),
	}

	if err := s.store.DeleteRule(ctx, ruleID, events); err != nil {
		return err
	}

	if rule.EmbeddingRef != "" {
		if err := s.index.Delete(ctx, rule.EmbeddingRef); err != nil {
			logger.Warn("Failed to delete rule embedding",
				zap.String("rule_id", ruleID),
				zap.Error(err),
			)
		}
	}

	s.invalidate(ctx, rule.UserID)
	logger.Info("Rule deleted", zap.String("rule_id", ruleID))
	return nil
}

func (s *Service) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	return s.store.GetRule(ctx, ruleID)
}

func (s *Service) ListRules(ctx context.Context, userID, status, category string) ([]models.Rule, error) {
	return s.store.ListUserRules(ctx, userID, status, category)
}

func (s *Service) ListEvents(ctx context.Context, userID, ruleID string, limit int) ([]models.AuditEvent, error) {
	return s.store.ListEvents(ctx, userID, ruleID, limit)
}

// ListEligibleRules returns the user's rules that may be injected into a
// prompt, cache-first.
func (s *Service) ListEligibleRules(ctx context.Context, userID string) ([]models.Rule, error) {
	cached, ok, err := s.cache.GetUserRules(ctx, userID)
	if err != nil {
		logger.Warn("Rule cache read failed", zap.String("user_id", userID), zap.Error(err))
	} else if ok {
		metrics.CacheHits.WithLabelValues("rules").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("rules").Inc()

	active, err := s.store.ListUserRules(ctx, userID, string(models.StatusActive), "")
	if err != nil {
		return nil, err
	}

	eligible := make([]models.Rule, 0, len(active))
	for _, r := range active {
		if Eligible(r, s.confidenceThreshold) {
			eligible = append(eligible, r)
		}
	}

	if err := s.cache.SetUserRules(ctx, userID, eligible); err != nil {
		logger.Warn("Rule cache write failed", zap.String("user_id", userID), zap.Error(err))
	}

	return eligible, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUserRules(ctx, userID); err != nil {
		logger.Warn("Rule cache invalidation failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
