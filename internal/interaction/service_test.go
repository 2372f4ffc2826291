package interaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-ai-os/backend/internal/cache/redis"
	"github.com/personal-ai-os/backend/internal/dedup"
	"github.com/personal-ai-os/backend/internal/extraction"
	"github.com/personal-ai-os/backend/internal/llm"
	"github.com/personal-ai-os/backend/internal/prompt"
	"github.com/personal-ai-os/backend/internal/ranking"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/internal/vector/milvus"
)

type fakeStore struct {
	interactions map[string]*models.Interaction
	created      []*models.Interaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{interactions: make(map[string]*models.Interaction)}
}

func (f *fakeStore) CreateInteraction(ctx context.Context, interaction *models.Interaction) error {
	f.interactions[interaction.ID] = interaction
	f.created = append(f.created, interaction)
	return nil
}

func (f *fakeStore) GetInteraction(ctx context.Context, id string) (*models.Interaction, error) {
	in, ok := f.interactions[id]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	copied := *in
	return &copied, nil
}

func (f *fakeStore) MarkInteractionCorrected(ctx context.Context, id, correctionText, ruleID string) (bool, error) {
	in, ok := f.interactions[id]
	if !ok {
		return false, sqlite.ErrNotFound
	}
	if in.WasCorrected {
		return false, nil
	}
	in.WasCorrected = true
	in.CorrectionText = correctionText
	in.ExtractedRuleID = ruleID
	return true, nil
}

func (f *fakeStore) SetInteractionRule(ctx context.Context, id, ruleID string) error {
	f.interactions[id].ExtractedRuleID = ruleID
	return nil
}

func (f *fakeStore) SetInteractionEmbeddingRef(ctx context.Context, id, ref string) error {
	f.interactions[id].EmbeddingRef = ref
	return nil
}

type fakeCache struct {
	history  []redis.Message
	appended []redis.Message
}

func (f *fakeCache) GetConversation(ctx context.Context, conversationID string) ([]redis.Message, error) {
	return f.history, nil
}

func (f *fakeCache) AppendConversation(ctx context.Context, conversationID string, messages ...redis.Message) error {
	f.appended = append(f.appended, messages...)
	return nil
}

type fakeChatter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeChatter) GenerateChat(ctx context.Context, systemPrompt string, history []llm.ChatMessage, userMessage string) (*llm.CompletionResponse, error) {
	f.prompts = append(f.prompts, systemPrompt)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.response}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type fakeIndexer struct {
	refs []string
}

func (f *fakeIndexer) Upsert(ctx context.Context, ref, userID, kind string, embedding []float32) error {
	f.refs = append(f.refs, ref)
	return nil
}

type fakeDetector struct {
	result *extraction.Result
	err    error
}

func (f *fakeDetector) Detect(ctx context.Context, userMessage, assistantResponse, feedback string) (*extraction.Result, error) {
	return f.result, f.err
}

type fakeResolver struct {
	resolution *dedup.Resolution
	err        error
	calls      int
}

func (f *fakeResolver) Resolve(ctx context.Context, userID string, candidate dedup.Candidate) (*dedup.Resolution, error) {
	f.calls++
	return f.resolution, f.err
}

type fakeApplier struct {
	applied []string
}

func (f *fakeApplier) MarkApplied(ctx context.Context, ruleID, interactionID string) (*models.Rule, error) {
	f.applied = append(f.applied, ruleID)
	return &models.Rule{ID: ruleID}, nil
}

type stubRuleSource struct {
	rules []models.Rule
}

func (s stubRuleSource) ListEligibleRules(ctx context.Context, userID string) ([]models.Rule, error) {
	return s.rules, nil
}

type stubSearcher struct{}

func (stubSearcher) Search(ctx context.Context, embedding []float32, userID, kind string, topK int) ([]milvus.Match, error) {
	return nil, nil
}

func newTestService(store *fakeStore, cache *fakeCache, chatter *fakeChatter, detector *fakeDetector, resolver *fakeResolver, applier *fakeApplier, pool []models.Rule) *Service {
	ranker := ranking.NewRanker(fakeEmbedder{}, stubSearcher{}, stubRuleSource{rules: pool}, ranking.DefaultWeights(), 5)
	builder := prompt.NewBuilder("", 500)
	return NewService(store, cache, chatter, fakeEmbedder{}, &fakeIndexer{}, ranker, builder, detector, resolver, applier)
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

func TestProcessChatPersistsTurn(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	chatter := &fakeChatter{response: "hi there"}
	applier := &fakeApplier{}

	svc := newTestService(store, cache, chatter, &fakeDetector{}, &fakeResolver{}, applier, []models.Rule{
		activeRule("r1", 0.8),
		activeRule("r2", 0.6),
	})

	result, err := svc.ProcessChat(context.Background(), ChatInput{
		UserID:         "user-1",
		ConversationID: "conv-1",
		Message:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Response)
	assert.Len(t, result.RulesApplied, 2)

	require.Len(t, store.created, 1)
	persisted := store.created[0]
	assert.Equal(t, []string{"r1", "r2"}, persisted.RulesApplied)
	assert.Equal(t, "hello", persisted.UserMessage)
	assert.False(t, persisted.WasCorrected)

	assert.ElementsMatch(t, []string{"r1", "r2"}, applier.applied)
	require.Len(t, cache.appended, 2)
	assert.Equal(t, "user", cache.appended[0].Role)
	assert.Equal(t, "assistant", cache.appended[1].Role)

	require.Len(t, chatter.prompts, 1)
	assert.Contains(t, chatter.prompts[0], "rule r1")
}

func TestProcessChatModelFailureWritesNothing(t *testing.T) {
	store := newFakeStore()
	chatter := &fakeChatter{err: errors.New("model down")}
	applier := &fakeApplier{}

	svc := newTestService(store, &fakeCache{}, chatter, &fakeDetector{}, &fakeResolver{}, applier, []models.Rule{
		activeRule("r1", 0.8),
	})

	_, err := svc.ProcessChat(context.Background(), ChatInput{UserID: "user-1", Message: "hello"})
	require.Error(t, err)
	assert.Empty(t, store.created)
	assert.Empty(t, applier.applied)
}

func TestProcessChatWithoutRules(t *testing.T) {
	store := newFakeStore()
	chatter := &fakeChatter{response: "plain answer"}

	svc := newTestService(store, &fakeCache{}, chatter, &fakeDetector{}, &fakeResolver{}, &fakeApplier{}, nil)

	result, err := svc.ProcessChat(context.Background(), ChatInput{UserID: "user-1", Message: "hello"})
	require.NoError(t, err)
	assert.Empty(t, result.RulesApplied)
	assert.Equal(t, prompt.DefaultBasePrompt, chatter.prompts[0])
}

func seedInteraction(store *fakeStore) *models.Interaction {
	in := &models.Interaction{
		ID:                "int-1",
		UserID:            "user-1",
		UserMessage:       "summarize this",
		AssistantResponse: "- point one\n- point two",
	}
	store.interactions[in.ID] = in
	return in
}

func TestProcessFeedbackNoCorrection(t *testing.T) {
	store := newFakeStore()
	seedInteraction(store)

	detector := &fakeDetector{result: &extraction.Result{Outcome: extraction.OutcomeNotCorrection}}
	resolver := &fakeResolver{}
	svc := newTestService(store, &fakeCache{}, &fakeChatter{}, detector, resolver, &fakeApplier{}, nil)

	result, err := svc.ProcessFeedback(context.Background(), FeedbackInput{
		UserID:        "user-1",
		InteractionID: "int-1",
		Feedback:      "thanks!",
	})
	require.NoError(t, err)
	assert.Equal(t, FeedbackNoCorrection, result.Status)
	assert.False(t, store.interactions["int-1"].WasCorrected)
	assert.Zero(t, resolver.calls)
}

func TestProcessFeedbackCreatesRule(t *testing.T) {
	store := newFakeStore()
	seedInteraction(store)

	detector := &fakeDetector{result: &extraction.Result{
		Outcome:  extraction.OutcomeCandidate,
		Content:  "Do not use bullet points",
		Category: "formatting",
	}}
	created := &models.Rule{ID: "rule-1", Content: "Do not use bullet points"}
	resolver := &fakeResolver{resolution: &dedup.Resolution{Rule: created}}

	svc := newTestService(store, &fakeCache{}, &fakeChatter{}, detector, resolver, &fakeApplier{}, nil)

	result, err := svc.ProcessFeedback(context.Background(), FeedbackInput{
		UserID:        "user-1",
		InteractionID: "int-1",
		Feedback:      "don't use bullet points",
	})
	require.NoError(t, err)
	assert.Equal(t, FeedbackRuleCreated, result.Status)
	assert.Equal(t, "rule-1", result.Rule.ID)

	in := store.interactions["int-1"]
	assert.True(t, in.WasCorrected)
	assert.Equal(t, "don't use bullet points", in.CorrectionText)
	assert.Equal(t, "rule-1", in.ExtractedRuleID)
}

func TestProcessFeedbackReinforces(t *testing.T) {
	store := newFakeStore()
	seedInteraction(store)

	detector := &fakeDetector{result: &extraction.Result{
		Outcome:  extraction.OutcomeCandidate,
		Content:  "Do not use bullet points",
		Category: "formatting",
	}}
	resolver := &fakeResolver{resolution: &dedup.Resolution{
		Rule:       &models.Rule{ID: "rule-1", Confidence: 0.6},
		Reinforced: true,
	}}

	svc := newTestService(store, &fakeCache{}, &fakeChatter{}, detector, resolver, &fakeApplier{}, nil)

	result, err := svc.ProcessFeedback(context.Background(), FeedbackInput{
		UserID:        "user-1",
		InteractionID: "int-1",
		Feedback:      "again: no bullets",
	})
	require.NoError(t, err)
	assert.Equal(t, FeedbackRuleReinforced, result.Status)
}

func TestProcessFeedbackIdempotent(t *testing.T) {
	store := newFakeStore()
	in := seedInteraction(store)
	in.WasCorrected = true

	detector := &fakeDetector{result: &extraction.Result{Outcome: extraction.OutcomeCandidate, Content: "x", Category: "style"}}
	resolver := &fakeResolver{}
	svc := newTestService(store, &fakeCache{}, &fakeChatter{}, detector, resolver, &fakeApplier{}, nil)

	result, err := svc.ProcessFeedback(context.Background(), FeedbackInput{
		UserID:        "user-1",
		InteractionID: "int-1",
		Feedback:      "no bullets",
	})
	require.NoError(t, err)
	assert.Equal(t, FeedbackAlreadyProcessed, result.Status)
	assert.Zero(t, resolver.calls)
}

func TestProcessFeedbackHeuristicFlagsOnly(t *testing.T) {
	store := newFakeStore()
	seedInteraction(store)

	detector := &fakeDetector{result: &extraction.Result{Outcome: extraction.OutcomeHeuristicOnly}}
	resolver := &fakeResolver{}
	svc := newTestService(store, &fakeCache{}, &fakeChatter{}, detector, resolver, &fakeApplier{}, nil)

	result, err := svc.ProcessFeedback(context.Background(), FeedbackInput{
		UserID:        "user-1",
		InteractionID: "int-1",
		Feedback:      "never do that",
	})
	require.NoError(t, err)
	assert.Equal(t, FeedbackCorrectionFlagged, result.Status)
	assert.True(t, store.interactions["int-1"].WasCorrected)
	assert.Empty(t, store.interactions["int-1"].ExtractedRuleID)
	assert.Zero(t, resolver.calls)
}

func TestProcessFeedbackWrongUser(t *testing.T) {
	store := newFakeStore()
	seedInteraction(store)

	svc := newTestService(store, &fakeCache{}, &fakeChatter{}, &fakeDetector{}, &fakeResolver{}, &fakeApplier{}, nil)

	_, err := svc.ProcessFeedback(context.Background(), FeedbackInput{
		UserID:        "someone-else",
		InteractionID: "int-1",
		Feedback:      "no bullets",
	})
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}
