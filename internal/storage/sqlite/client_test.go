package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-ai-os/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })
	return client
}

func testRule(id string) *models.Rule {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Rule{
		ID:         id,
		UserID:     "user-1",
		Content:    "Do not use bullet points",
		Category:   models.CategoryFormatting,
		Confidence: 0.5,
		Status:     models.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreateAndGetRule(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	rule := testRule("r1")
	rule.OriginalCorrection = "stop using bullets"
	events := []models.AuditEvent{
		models.NewEvent(rule.UserID, rule.ID, models.EventRuleCreated, models.RuleCreatedData{
			Content:  rule.Content,
			Category: string(rule.Category),
		}),
	}
	require.NoError(t, client.CreateRule(ctx, rule, events))

	got, err := client.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rule.Content, got.Content)
	assert.Equal(t, rule.OriginalCorrection, got.OriginalCorrection)
	assert.Equal(t, rule.CreatedAt, got.CreatedAt)
	assert.True(t, got.LastReinforcedAt.IsZero())

	audit, err := client.ListEvents(ctx, "user-1", "r1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.EventRuleCreated, audit[0].EventType)
}

func TestGetRuleNotFound(t *testing.T) {
	client := newTestClient(t)
	_, err := client.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUserRulesFilters(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	active := testRule("r1")
	archived := testRule("r2")
	archived.Status = models.StatusArchived
	tone := testRule("r3")
	tone.Category = models.CategoryTone
	tone.Confidence = 0.9

	for _, r := range []*models.Rule{active, archived, tone} {
		require.NoError(t, client.CreateRule(ctx, r, nil))
	}

	all, err := client.ListUserRules(ctx, "user-1", "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Highest confidence first.
	assert.Equal(t, "r3", all[0].ID)

	activeOnly, err := client.ListUserRules(ctx, "user-1", "active", "")
	require.NoError(t, err)
	assert.Len(t, activeOnly, 2)

	toneOnly, err := client.ListUserRules(ctx, "user-1", "", "tone")
	require.NoError(t, err)
	require.Len(t, toneOnly, 1)
	assert.Equal(t, "r3", toneOnly[0].ID)
}

func TestMutateRuleAppliesDeltaAndEvents(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.CreateRule(ctx, testRule("r1"), nil))

	now := time.Now().UTC().Truncate(time.Second)
	updated, err := client.MutateRule(ctx, "r1", func(r models.Rule) (models.Rule, []models.AuditEvent, error) {
		old := r.Confidence
		r.Confidence = 0.6
		r.TimesReinforced++
		r.LastReinforcedAt = now
		r.UpdatedAt = now
		return r, []models.AuditEvent{
			models.NewEvent(r.UserID, r.ID, models.EventRuleReinforced, models.ConfidenceChangeData{
				OldConfidence: old,
				NewConfidence: r.Confidence,
			}),
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.6, updated.Confidence)
	assert.Equal(t, 1, updated.Version)

	got, err := client.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Confidence)
	assert.Equal(t, now, got.LastReinforcedAt)

	audit, err := client.ListEvents(ctx, "user-1", "r1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.EventRuleReinforced, audit[0].EventType)
}

func TestMutateRuleSerializesConcurrentUpdates(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.CreateRule(ctx, testRule("r1"), nil))

	// Both mutations land; the version guard plus one retry composes the
	// increments instead of losing one.
	for i := 0; i < 2; i++ {
		_, err := client.MutateRule(ctx, "r1", func(r models.Rule) (models.Rule, []models.AuditEvent, error) {
			r.TimesApplied++
			r.UpdatedAt = time.Now().UTC()
			return r, nil, nil
		})
		require.NoError(t, err)
	}

	got, err := client.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TimesApplied)
	assert.Equal(t, 2, got.Version)
}

func TestDeleteRuleKeepsAuditTrail(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.CreateRule(ctx, testRule("r1"), nil))

	events := []models.AuditEvent{
		models.NewEvent("user-1", "r1", models.EventRuleDeleted, models.RuleDeletedData{Content: "Do not use bullet points"}),
	}
	require.NoError(t, client.DeleteRule(ctx, "r1", events))

	_, err := client.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	audit, err := client.ListEvents(ctx, "user-1", "", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.EventRuleDeleted, audit[0].EventType)

	assert.ErrorIs(t, client.DeleteRule(ctx, "r1", nil), ErrNotFound)
}

func testInteraction(id string) *models.Interaction {
	return &models.Interaction{
		ID:                id,
		UserID:            "user-1",
		ConversationID:    "conv-1",
		UserMessage:       "summarize this",
		AssistantResponse: "- a\n- b",
		RulesApplied:      []string{"r1", "r2"},
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
}

func TestInteractionRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.CreateInteraction(ctx, testInteraction("int-1")))

	got, err := client.GetInteraction(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, got.RulesApplied)
	assert.False(t, got.WasCorrected)
	assert.Empty(t, got.ExtractedRuleID)
}

func TestMarkInteractionCorrectedOnce(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.CreateInteraction(ctx, testInteraction("int-1")))

	claimed, err := client.MarkInteractionCorrected(ctx, "int-1", "too long", "")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second submission loses the claim.
	claimed, err = client.MarkInteractionCorrected(ctx, "int-1", "still too long", "")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := client.GetInteraction(ctx, "int-1")
	require.NoError(t, err)
	assert.True(t, got.WasCorrected)
	assert.Equal(t, "too long", got.CorrectionText)
}

func TestPendingExtractionLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.CreateInteraction(ctx, testInteraction("int-1")))
	require.NoError(t, client.CreateInteraction(ctx, testInteraction("int-2")))

	_, err := client.MarkInteractionCorrected(ctx, "int-1", "never do that", "")
	require.NoError(t, err)

	pending, err := client.ListPendingExtractions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "int-1", pending[0].ID)

	require.NoError(t, client.SetInteractionRule(ctx, "int-1", "rule-1"))

	pending, err = client.ListPendingExtractions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClearInteractionCorrection(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.CreateInteraction(ctx, testInteraction("int-1")))

	_, err := client.MarkInteractionCorrected(ctx, "int-1", "never do that", "")
	require.NoError(t, err)
	require.NoError(t, client.ClearInteractionCorrection(ctx, "int-1"))

	got, err := client.GetInteraction(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, got.WasCorrected)
	assert.Empty(t, got.CorrectionText)

	pending, err := client.ListPendingExtractions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
