package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-ai-os/backend/internal/dedup"
	"github.com/personal-ai-os/backend/internal/llm"
	"github.com/personal-ai-os/backend/internal/storage/models"
)

type extractMemStore struct {
	pending []models.Interaction
	linked  map[string]string
	cleared []string
}

func newExtractMemStore(pending ...models.Interaction) *extractMemStore {
	return &extractMemStore{pending: pending, linked: make(map[string]string)}
}

func (s *extractMemStore) ListPendingExtractions(ctx context.Context, limit int) ([]models.Interaction, error) {
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *extractMemStore) SetInteractionRule(ctx context.Context, id, ruleID string) error {
	s.linked[id] = ruleID
	return nil
}

func (s *extractMemStore) ClearInteractionCorrection(ctx context.Context, id string) error {
	s.cleared = append(s.cleared, id)
	return nil
}

type stubClassifier struct {
	extraction *llm.Extraction
	err        error
}

func (s *stubClassifier) ClassifyAndExtract(ctx context.Context, userMessage, assistantResponse, feedback string) (*llm.Extraction, error) {
	return s.extraction, s.err
}

type stubResolver struct {
	rule *models.Rule
	err  error
}

func (s *stubResolver) Resolve(ctx context.Context, userID string, candidate dedup.Candidate) (*dedup.Resolution, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dedup.Resolution{Rule: s.rule}, nil
}

func pendingInteraction(id string) models.Interaction {
	return models.Interaction{
		ID:                id,
		UserID:            "user-1",
		UserMessage:       "write a summary",
		AssistantResponse: "here is a long summary",
		WasCorrected:      true,
		CorrectionText:    "too long, keep it short next time",
	}
}

func TestExtractorResolvesPending(t *testing.T) {
	store := newExtractMemStore(pendingInteraction("int-1"))
	classifier := &stubClassifier{extraction: &llm.Extraction{
		IsCorrection: true,
		Confidence:   0.9,
		Content:      "Keep summaries short",
		Category:     "style",
	}}
	resolver := &stubResolver{rule: &models.Rule{ID: "rule-1"}}

	stats, err := NewExtractor(store, classifier, resolver, 0.5).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExtractStats{Pending: 1, Extracted: 1}, stats)
	assert.Equal(t, "rule-1", store.linked["int-1"])
}

func TestExtractorClearsFalsePositives(t *testing.T) {
	store := newExtractMemStore(pendingInteraction("int-1"))
	classifier := &stubClassifier{extraction: &llm.Extraction{IsCorrection: false, Confidence: 0.9}}

	stats, err := NewExtractor(store, classifier, &stubResolver{}, 0.5).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExtractStats{Pending: 1, Cleared: 1}, stats)
	assert.Equal(t, []string{"int-1"}, store.cleared)
	assert.Empty(t, store.linked)
}

func TestExtractorLeavesPendingOnModelFailure(t *testing.T) {
	store := newExtractMemStore(pendingInteraction("int-1"))
	classifier := &stubClassifier{err: errors.New("model unavailable")}

	stats, err := NewExtractor(store, classifier, &stubResolver{}, 0.5).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExtractStats{Pending: 1}, stats)
	assert.Empty(t, store.cleared)
	assert.Empty(t, store.linked)
}
