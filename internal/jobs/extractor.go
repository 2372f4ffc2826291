package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/dedup"
	"github.com/personal-ai-os/backend/internal/llm"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type ExtractStore interface {
	ListPendingExtractions(ctx context.Context, limit int) ([]models.Interaction, error)
	SetInteractionRule(ctx context.Context, id, ruleID string) error
	ClearInteractionCorrection(ctx context.Context, id string) error
}

type Classifier interface {
	ClassifyAndExtract(ctx context.Context, userMessage, assistantResponse, feedback string) (*llm.Extraction, error)
}

type Resolver interface {
	Resolve(ctx context.Context, userID string, candidate dedup.Candidate) (*dedup.Resolution, error)
}

type ExtractStats struct {
	Pending   int
	Extracted int
	Cleared   int
}

// Extractor retries rule extraction for interactions that were flagged as
// corrections by the heuristic (or whose extraction failed mid-flight) but
// never got a rule. It runs on a schedule and drains a bounded batch per run.
type Extractor struct {
	store         ExtractStore
	classifier    Classifier
	resolver      Resolver
	minConfidence float64
	batchSize     int
}

func NewExtractor(store ExtractStore, classifier Classifier, resolver Resolver, minConfidence float64) *Extractor {
	return &Extractor{
		store:         store,
		classifier:    classifier,
		resolver:      resolver,
		minConfidence: minConfidence,
		batchSize:     50,
	}
}

func (e *Extractor) Run(ctx context.Context) (ExtractStats, error) {
	var stats ExtractStats

	pending, err := e.store.ListPendingExtractions(ctx, e.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Pending = len(pending)

	for _, in := range pending {
		extraction, err := e.classifier.ClassifyAndExtract(ctx, in.UserMessage, in.AssistantResponse, in.CorrectionText)
		if err != nil {
			// Model still unavailable; the interaction stays pending.
			logger.Warn("Deferred extraction failed",
				zap.String("interaction_id", in.ID),
				zap.Error(err),
			)
			continue
		}

		if !extraction.IsCorrection || extraction.Confidence < e.minConfidence {
			// The heuristic flag was a false positive.
			if err := e.store.ClearInteractionCorrection(ctx, in.ID); err != nil {
				logger.Warn("Failed to clear correction flag",
					zap.String("interaction_id", in.ID),
					zap.Error(err),
				)
				continue
			}
			stats.Cleared++
			continue
		}

		resolution, err := e.resolver.Resolve(ctx, in.UserID, dedup.Candidate{
			Content:            extraction.Content,
			Category:           extraction.Category,
			OriginalCorrection: in.CorrectionText,
		})
		if err != nil {
			logger.Warn("Deferred rule resolution failed",
				zap.String("interaction_id", in.ID),
				zap.Error(err),
			)
			continue
		}

		if err := e.store.SetInteractionRule(ctx, in.ID, resolution.Rule.ID); err != nil {
			logger.Warn("Failed to link deferred rule",
				zap.String("interaction_id", in.ID),
				zap.String("rule_id", resolution.Rule.ID),
				zap.Error(err),
			)
			continue
		}
		stats.Extracted++
	}

	if stats.Pending > 0 {
		logger.Info("Pending extraction pass completed",
			zap.Int("pending", stats.Pending),
			zap.Int("extracted", stats.Extracted),
			zap.Int("cleared", stats.Cleared),
		)
	}

	return stats, nil
}
