package ranking

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/rules"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, embedding []float32, userID, kind string, topK int) ([]milvus.Match, error)
}

// RuleSource provides the eligible rule pool for a user.
type RuleSource interface {
	ListEligibleRules(ctx context.Context, userID string) ([]models.Rule, error)
}

// Weights control the composite relevance score. They do not need to sum
// to one.
type Weights struct {
	Similarity float64
	Confidence float64
	Recency    float64
	Usage      float64
}

func DefaultWeights() Weights {
	return Weights{
		Similarity: 0.5,
		Confidence: 0.3,
		Recency:    0.1,
		Usage:      0.1,
	}
}

// Ranker picks the rules most worth injecting for the current message. The
// pool is already filtered to eligible rules; ranking only orders and caps.
type Ranker struct {
	embedder Embedder
	searcher Searcher
	source   RuleSource
	weights  Weights
	maxRules int
}

func NewRanker(embedder Embedder, searcher Searcher, source RuleSource, weights Weights, maxRules int) *Ranker {
	return &Ranker{
		embedder: embedder,
		searcher: searcher,
		source:   source,
		weights:  weights,
		maxRules: maxRules,
	}
}

// Rank returns at most maxRules eligible rules ordered by relevance to the
// message. A vector search failure degrades to confidence-only ordering
// rather than failing the turn.
func (r *Ranker) Rank(ctx context.Context, userID, message string) ([]models.Rule, error) {
	pool, err := r.source.ListEligibleRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, nil
	}

	similarities := r.contextSimilarities(ctx, userID, message, len(pool))

	now := time.Now().UTC()
	type scored struct {
		rule  models.Rule
		score float64
	}

	ranked := make([]scored, 0, len(pool))
	for _, rule := range pool {
		if rule.Status != models.StatusActive {
			continue
		}
		ranked = append(ranked, scored{
			rule:  rule,
			score: r.score(rule, similarities[rule.EmbeddingRef], now),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	limit := r.maxRules
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}

	selected := make([]models.Rule, 0, limit)
	for _, s := range ranked[:limit] {
		selected = append(selected, s.rule)
	}

	logger.Debug("Rules ranked",
		zap.String("user_id", userID),
		zap.Int("pool", len(pool)),
		zap.Int("selected", len(selected)),
	)

	return selected, nil
}

func (r *Ranker) contextSimilarities(ctx context.Context, userID, message string, poolSize int) map[string]float64 {
	similarities := make(map[string]float64)

	embedding, err := r.embedder.GenerateEmbedding(ctx, message)
	if err != nil {
		logger.Warn("Context embedding failed, ranking on confidence only",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return similarities
	}

	matches, err := r.searcher.Search(ctx, embedding, userID, milvus.KindRule, poolSize)
	if err != nil {
		logger.Warn("Similarity search failed, ranking on confidence only",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return similarities
	}

	for _, m := range matches {
		similarities[m.Ref] = clamp01(float64(m.Score))
	}
	return similarities
}

// score blends semantic similarity with lifecycle signals. Recency rewards
// rules that have sat unapplied, rotating long-tail preferences back in.
func (r *Ranker) score(rule models.Rule, similarity float64, now time.Time) float64 {
	recency := 1.0
	if !rule.LastAppliedAt.IsZero() {
		weeksIdle := now.Sub(rule.LastAppliedAt).Hours() / (24 * 7)
		recency = clamp01(weeksIdle / 4)
	}

	usage := float64(rule.TimesApplied) / float64(rule.TimesApplied+10)

	return r.weights.Similarity*similarity +
		r.weights.Confidence*rule.Confidence +
		r.weights.Recency*recency +
		r.weights.Usage*usage
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ RuleSource = (*rules.Service)(nil)
