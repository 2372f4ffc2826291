package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/rules"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, embedding []float32, userID, kind string, topK int) ([]milvus.Match, error)
}

// RuleService is the slice of the lifecycle service dedup drives.
type RuleService interface {
	CreateRule(ctx context.Context, input rules.CreateRuleInput) (*models.Rule, error)
	ReinforceRule(ctx context.Context, ruleID string) (*models.Rule, error)
}

type Candidate struct {
	Content            string
	Category           string
	OriginalCorrection string
}

type Resolution struct {
	Rule       *models.Rule
	Reinforced bool
}

const searchTopK = 5

// Resolver decides whether an extracted rule duplicates an existing one.
// Resolutions for the same user are serialized so two concurrent identical
// corrections produce one rule reinforced once, never two rules.
type Resolver struct {
	embedder  Embedder
	searcher  Searcher
	rules     RuleService
	threshold float64
	locks     sync.Map
}

func NewResolver(embedder Embedder, searcher Searcher, ruleService RuleService, threshold float64) *Resolver {
	return &Resolver{
		embedder:  embedder,
		searcher:  searcher,
		rules:     ruleService,
		threshold: threshold,
	}
}

func (r *Resolver) userLock(userID string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Resolve matches the candidate against the user's existing rules and either
// reinforces the closest match or creates a new rule.
func (r *Resolver) Resolve(ctx context.Context, userID string, candidate Candidate) (*Resolution, error) {
	embedding, err := r.embedder.GenerateEmbedding(ctx, candidate.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed candidate rule: %w", err)
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	matches, err := r.searcher.Search(ctx, embedding, userID, milvus.KindRule, searchTopK)
	if err != nil {
		return nil, fmt.Errorf("failed to search for duplicate rules: %w", err)
	}

	// Matches come back best first. Only the single highest scoring rule is
	// ever reinforced, even when several clear the threshold.
	for _, m := range matches {
		if float64(m.Score) < r.threshold {
			break
		}

		ruleID := strings.TrimPrefix(m.Ref, "rule_")
		updated, err := r.rules.ReinforceRule(ctx, ruleID)
		if errors.Is(err, sqlite.ErrNotFound) {
			// Stale index entry, the rule row is gone. Try the next match.
			logger.Warn("Stale rule embedding in index",
				zap.String("ref", m.Ref),
				zap.String("user_id", userID),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		logger.Info("Duplicate correction reinforced existing rule",
			zap.String("rule_id", updated.ID),
			zap.Float64("similarity", float64(m.Score)),
		)
		return &Resolution{Rule: updated, Reinforced: true}, nil
	}

	created, err := r.rules.CreateRule(ctx, rules.CreateRuleInput{
		UserID:             userID,
		Content:            candidate.Content,
		Category:           candidate.Category,
		OriginalCorrection: candidate.OriginalCorrection,
	})
	if err != nil {
		return nil, err
	}

	return &Resolution{Rule: created, Reinforced: false}, nil
}
