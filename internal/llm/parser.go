package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/personal-ai-os/backend/internal/storage/models"
)

type extractionPayload struct {
	IsCorrection bool    `json:"is_correction"`
	Confidence   float64 `json:"confidence"`
	RuleContent  string  `json:"rule_content"`
	Category     string  `json:"category"`
}

// parseExtraction tolerates code fences and surrounding prose but requires a
// single well-formed JSON object inside.
func parseExtraction(content string) (*Extraction, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrMalformedOutput, truncateForError(content))
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformedOutput, payload.Confidence)
	}

	if payload.IsCorrection {
		if strings.TrimSpace(payload.RuleContent) == "" {
			return nil, fmt.Errorf("%w: correction without rule content", ErrMalformedOutput)
		}
		if !models.ValidCategory(payload.Category) {
			return nil, fmt.Errorf("%w: unknown category %q", ErrMalformedOutput, payload.Category)
		}
	}

	return &Extraction{
		IsCorrection: payload.IsCorrection,
		Confidence:   payload.Confidence,
		Content:      strings.TrimSpace(payload.RuleContent),
		Category:     payload.Category,
	}, nil
}

// extractJSONObject returns the first balanced top-level JSON object in the
// text, skipping markdown code fences.
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}

func truncateForError(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
