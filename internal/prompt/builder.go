package prompt

import (
	"strings"

	"github.com/personal-ai-os/backend/internal/storage/models"
)

// DefaultBasePrompt is the assistant persona before any learned preferences.
const DefaultBasePrompt = `You are a personal AI assistant. Be helpful, accurate, and honest. When you are unsure, say so.`

// categoryOrder fixes the section order in the prompt. Safety first so those
// rules are hardest for the model to miss.
var categoryOrder = []models.RuleCategory{
	models.CategorySafety,
	models.CategoryLogic,
	models.CategoryFormatting,
	models.CategoryStyle,
	models.CategoryTone,
}

var categoryHeadings = map[models.RuleCategory]string{
	models.CategorySafety:     "Safety",
	models.CategoryLogic:      "Reasoning",
	models.CategoryFormatting: "Formatting",
	models.CategoryStyle:      "Style",
	models.CategoryTone:       "Tone",
}

// Builder renders the system prompt for a chat turn from the base persona
// and the ranked rules selected for injection.
type Builder struct {
	basePrompt    string
	maxRuleTokens int
}

func NewBuilder(basePrompt string, maxRuleTokens int) *Builder {
	if basePrompt == "" {
		basePrompt = DefaultBasePrompt
	}
	return &Builder{
		basePrompt:    basePrompt,
		maxRuleTokens: maxRuleTokens,
	}
}

// BuildSystemPrompt returns the system prompt and the rules that actually
// made it in. Rules arrive ranked; when the token budget runs out the
// lowest-ranked rules are dropped, then the survivors are grouped by
// category.
func (b *Builder) BuildSystemPrompt(ranked []models.Rule) (string, []models.Rule) {
	kept := b.fitBudget(ranked)
	if len(kept) == 0 {
		return b.basePrompt, nil
	}

	byCategory := make(map[models.RuleCategory][]models.Rule)
	for _, r := range kept {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	var sb strings.Builder
	sb.WriteString(b.basePrompt)
	sb.WriteString("\n\nFollow these learned preferences from the user:\n")

	for _, category := range categoryOrder {
		rules := byCategory[category]
		if len(rules) == 0 {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(categoryHeadings[category])
		sb.WriteString(":\n")
		for _, r := range rules {
			sb.WriteString("- ")
			sb.WriteString(r.Content)
			sb.WriteString("\n")
		}
	}

	return sb.String(), kept
}

// fitBudget keeps the ranked prefix whose combined content fits the token
// budget. Token count is estimated at four characters per token.
func (b *Builder) fitBudget(ranked []models.Rule) []models.Rule {
	if b.maxRuleTokens <= 0 {
		return ranked
	}

	budget := b.maxRuleTokens * 4
	used := 0
	kept := make([]models.Rule, 0, len(ranked))
	for _, r := range ranked {
		cost := len(r.Content) + 3
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, r)
	}
	return kept
}
