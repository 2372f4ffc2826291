package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Extraction
	}{
		{
			name:    "bare object",
			content: `{"is_correction": true, "confidence": 0.9, "rule_content": "Do not use bullet points", "category": "formatting"}`,
			want: Extraction{
				IsCorrection: true,
				Confidence:   0.9,
				Content:      "Do not use bullet points",
				Category:     "formatting",
			},
		},
		{
			name: "fenced json",
			content: "```json\n" +
				`{"is_correction": true, "confidence": 0.75, "rule_content": "Use a formal tone", "category": "tone"}` +
				"\n```",
			want: Extraction{
				IsCorrection: true,
				Confidence:   0.75,
				Content:      "Use a formal tone",
				Category:     "tone",
			},
		},
		{
			name:    "prose around object",
			content: `Here is my analysis: {"is_correction": false, "confidence": 0.8, "rule_content": "", "category": ""} Hope that helps.`,
			want: Extraction{
				IsCorrection: false,
				Confidence:   0.8,
			},
		},
		{
			name:    "braces inside string values",
			content: `{"is_correction": true, "confidence": 0.6, "rule_content": "Wrap code in {} blocks", "category": "formatting"}`,
			want: Extraction{
				IsCorrection: true,
				Confidence:   0.6,
				Content:      "Wrap code in {} blocks",
				Category:     "formatting",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExtraction(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseExtractionMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"no json", "I could not decide."},
		{"truncated object", `{"is_correction": true, "confidence": 0.9`},
		{"confidence out of range", `{"is_correction": false, "confidence": 1.5, "rule_content": "", "category": ""}`},
		{"correction without content", `{"is_correction": true, "confidence": 0.9, "rule_content": "  ", "category": "style"}`},
		{"unknown category", `{"is_correction": true, "confidence": 0.9, "rule_content": "Be brief", "category": "verbosity"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseExtraction(tt.content)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedOutput))
		})
	}
}
