package ranking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
)

type stubEmbedder struct {
	err error
}

func (s stubEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

type stubSearcher struct {
	matches []milvus.Match
	err     error
}

func (s stubSearcher) Search(ctx context.Context, embedding []float32, userID, kind string, topK int) ([]milvus.Match, error) {
	return s.matches, s.err
}

type stubSource struct {
	rules []models.Rule
}

func (s stubSource) ListEligibleRules(ctx context.Context, userID string) ([]models.Rule, error) {
	return s.rules, nil
}

func activeRule(id string, confidence float64) models.Rule {
	return models.Rule{
		ID:           id,
		UserID:       "user-1",
		Content:      "rule " + id,
		Category:     models.CategoryStyle,
		Confidence:   confidence,
		Status:       models.StatusActive,
		EmbeddingRef: "rule_" + id,
	}
}

func ruleIDs(rules []models.Rule) []string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestRankCapsSelection(t *testing.T) {
	source := stubSource{rules: []models.Rule{
		activeRule("a", 0.9),
		activeRule("b", 0.8),
		activeRule("c", 0.7),
		activeRule("d", 0.6),
		activeRule("e", 0.5),
		activeRule("f", 0.4),
		activeRule("g", 0.3),
	}}

	ranker := NewRanker(stubEmbedder{}, stubSearcher{}, source, DefaultWeights(), 5)
	selected, err := ranker.Rank(context.Background(), "user-1", "hello")
	require.NoError(t, err)
	assert.Len(t, selected, 5)
}

func TestRankSimilarityOutweighsConfidence(t *testing.T) {
	source := stubSource{rules: []models.Rule{
		activeRule("confident", 1.0),
		activeRule("relevant", 0.4),
	}}
	searcher := stubSearcher{matches: []milvus.Match{
		{Ref: "rule_relevant", Score: 0.95},
		{Ref: "rule_confident", Score: 0.1},
	}}

	ranker := NewRanker(stubEmbedder{}, searcher, source, DefaultWeights(), 5)
	selected, err := ranker.Rank(context.Background(), "user-1", "about the relevant topic")
	require.NoError(t, err)
	assert.Equal(t, []string{"relevant", "confident"}, ruleIDs(selected))
}

func TestRankNeverSelectsInactiveRules(t *testing.T) {
	disabled := activeRule("disabled", 0.9)
	disabled.Status = models.StatusDisabled
	archived := activeRule("archived", 0.9)
	archived.Status = models.StatusArchived

	source := stubSource{rules: []models.Rule{
		disabled,
		archived,
		activeRule("active", 0.3),
	}}

	ranker := NewRanker(stubEmbedder{}, stubSearcher{}, source, DefaultWeights(), 5)
	selected, err := ranker.Rank(context.Background(), "user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"active"}, ruleIDs(selected))
}

func TestRankDegradesToConfidenceOrder(t *testing.T) {
	source := stubSource{rules: []models.Rule{
		activeRule("low", 0.4),
		activeRule("high", 0.9),
		activeRule("mid", 0.6),
	}}

	ranker := NewRanker(stubEmbedder{err: errors.New("embedding down")}, stubSearcher{}, source, DefaultWeights(), 5)
	selected, err := ranker.Rank(context.Background(), "user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, ruleIDs(selected))
}

func TestRankEmptyPool(t *testing.T) {
	ranker := NewRanker(stubEmbedder{}, stubSearcher{}, stubSource{}, DefaultWeights(), 5)
	selected, err := ranker.Rank(context.Background(), "user-1", "hello")
	require.NoError(t, err)
	assert.Empty(t, selected)
}

func TestScoreRecencyFavorsIdleRules(t *testing.T) {
	ranker := NewRanker(stubEmbedder{}, stubSearcher{}, stubSource{}, DefaultWeights(), 5)
	now := time.Now().UTC()

	fresh := activeRule("fresh", 0.5)
	fresh.LastAppliedAt = now.Add(-time.Hour)
	fresh.TimesApplied = 1

	idle := activeRule("idle", 0.5)
	idle.LastAppliedAt = now.Add(-6 * 7 * 24 * time.Hour)
	idle.TimesApplied = 1

	assert.Greater(t, ranker.score(idle, 0, now), ranker.score(fresh, 0, now))
}
