package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-ai-os/backend/internal/rules"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
)

type fakeEmbedder struct{}

func (fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

// fakeBackend plays both the vector index and the rule service, backed by one
// in-memory rule table so creates become visible to later searches.
type fakeBackend struct {
	mu          sync.Mutex
	rules       map[string]*models.Rule
	staleRefs   []string
	score       float32
	createCalls int
}

func newFakeBackend(score float32) *fakeBackend {
	return &fakeBackend{
		rules:     make(map[string]*models.Rule),
		score:     score,
	}
}

func (f *fakeBackend) Search(ctx context.Context, embedding []float32, userID, kind string, topK int) ([]milvus.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matches := make([]milvus.Match, 0)
	for _, ref := range f.staleRefs {
		matches = append(matches, milvus.Match{Ref: ref, Score: 0.99})
	}
	for id := range f.rules {
		matches = append(matches, milvus.Match{Ref: "rule_" + id, Score: f.score})
	}
	return matches, nil
}

func (f *fakeBackend) CreateRule(ctx context.Context, input rules.CreateRuleInput) (*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	id := fmt.Sprintf("rule-%d", f.createCalls)
	rule := &models.Rule{
		ID:         id,
		UserID:     input.UserID,
		Content:    input.Content,
		Category:   models.RuleCategory(input.Category),
		Confidence: 0.5,
		Status:     models.StatusActive,
	}
	f.rules[id] = rule
	return rule, nil
}

func (f *fakeBackend) ReinforceRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, ok := f.rules[ruleID]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	rule.Confidence += 0.1
	rule.TimesReinforced++
	rule.Status = models.StatusActive
	return rule, nil
}

func TestResolveCreatesWhenNoMatch(t *testing.T) {
	backend := newFakeBackend(0.5)
	resolver := NewResolver(fakeEmbedder{}, backend, backend, 0.85)

	res, err := resolver.Resolve(context.Background(), "user-1", Candidate{
		Content:  "Do not use emojis",
		Category: "style",
	})
	require.NoError(t, err)
	assert.False(t, res.Reinforced)
	assert.Equal(t, 1, backend.createCalls)
}

func TestResolveReinforcesAboveThreshold(t *testing.T) {
	backend := newFakeBackend(0.92)
	resolver := NewResolver(fakeEmbedder{}, backend, backend, 0.85)

	first, err := resolver.Resolve(context.Background(), "user-1", Candidate{
		Content:  "Answer concisely",
		Category: "style",
	})
	require.NoError(t, err)
	require.False(t, first.Reinforced)

	second, err := resolver.Resolve(context.Background(), "user-1", Candidate{
		Content:  "Keep answers concise",
		Category: "style",
	})
	require.NoError(t, err)
	assert.True(t, second.Reinforced)
	assert.Equal(t, first.Rule.ID, second.Rule.ID)
	assert.Equal(t, 1, backend.createCalls)
	assert.Equal(t, 1, second.Rule.TimesReinforced)
}

func TestResolveSkipsStaleIndexEntries(t *testing.T) {
	backend := newFakeBackend(0.5)
	backend.staleRefs = []string{"rule_deleted-rule"}
	resolver := NewResolver(fakeEmbedder{}, backend, backend, 0.85)

	res, err := resolver.Resolve(context.Background(), "user-1", Candidate{
		Content:  "Use metric units",
		Category: "formatting",
	})
	require.NoError(t, err)
	assert.False(t, res.Reinforced)
	assert.Equal(t, 1, backend.createCalls)
}

// Two identical corrections arriving at once must end up as one rule with one
// reinforcement.
func TestResolveConcurrentDuplicates(t *testing.T) {
	backend := newFakeBackend(0.95)
	resolver := NewResolver(fakeEmbedder{}, backend, backend, 0.85)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Resolution, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.Resolve(context.Background(), "user-1", Candidate{
				Content:  "Do not use bullet points",
				Category: "formatting",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Reinforced {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, backend.createCalls)
}
