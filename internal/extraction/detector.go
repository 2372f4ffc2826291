package extraction

import (
	"context"
	"strings"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/llm"
	"github.com/personal-ai-os/backend/internal/metrics"
	"github.com/personal-ai-os/backend/pkg/logger"
)

// Classifier is the model-backed correction analyzer.
type Classifier interface {
	ClassifyAndExtract(ctx context.Context, userMessage, assistantResponse, feedback string) (*llm.Extraction, error)
}

type Outcome int

const (
	// OutcomeNotCorrection: the feedback carries no behavioral preference.
	OutcomeNotCorrection Outcome = iota
	// OutcomeCandidate: a generalized rule was extracted and can enter dedup.
	OutcomeCandidate
	// OutcomeHeuristicOnly: cue words mark the feedback as a correction but
	// no rule could be extracted. The interaction is flagged for a later
	// extraction pass.
	OutcomeHeuristicOnly
)

type Result struct {
	Outcome    Outcome
	Confidence float64
	Content    string
	Category   string
	Method     string
}

// Detector classifies feedback, preferring the model and falling back to a
// lexical heuristic when the model is unavailable or returns garbage.
type Detector struct {
	classifier    Classifier
	minConfidence float64
}

func NewDetector(classifier Classifier, minConfidence float64) *Detector {
	return &Detector{
		classifier:    classifier,
		minConfidence: minConfidence,
	}
}

// Detect analyzes one feedback message against the turn it responds to.
func (d *Detector) Detect(ctx context.Context, userMessage, assistantResponse, feedback string) (*Result, error) {
	extraction, err := d.classifier.ClassifyAndExtract(ctx, userMessage, assistantResponse, feedback)
	if err != nil {
		logger.Warn("Model classification failed, using heuristic",
			zap.Error(err),
		)
		return d.heuristic(feedback), nil
	}

	if !extraction.IsCorrection || extraction.Confidence < d.minConfidence {
		return &Result{Outcome: OutcomeNotCorrection, Confidence: extraction.Confidence, Method: "llm"}, nil
	}

	metrics.CorrectionsDetected.WithLabelValues("llm").Inc()
	return &Result{
		Outcome:    OutcomeCandidate,
		Confidence: extraction.Confidence,
		Content:    extraction.Content,
		Category:   extraction.Category,
		Method:     "llm",
	}, nil
}

// correctionCues are words that mark feedback as corrective. Matching is on
// tokens, not substrings, so "always" matches but "hallways" does not.
var correctionCues = map[string]bool{
	"don't":     true,
	"dont":      true,
	"n't":       true,
	"stop":      true,
	"never":     true,
	"always":    true,
	"instead":   true,
	"rather":    true,
	"prefer":    true,
	"avoid":     true,
	"wrong":     true,
	"shouldn't": true,
	"too":       true,
	"less":      true,
	"more":      true,
	"change":    true,
	"fix":       true,
}

// correctionPhrases catch multi-word cues the token match misses.
var correctionPhrases = []string{
	"should have",
	"next time",
	"from now on",
	"i asked for",
	"not what i",
	"please use",
	"please stop",
}

func (d *Detector) heuristic(feedback string) *Result {
	lowered := strings.ToLower(feedback)

	matched := false
	for _, phrase := range correctionPhrases {
		if strings.Contains(lowered, phrase) {
			matched = true
			break
		}
	}

	if !matched {
		doc, err := prose.NewDocument(lowered, prose.WithExtraction(false), prose.WithTagging(false))
		if err != nil {
			logger.Warn("Tokenization failed", zap.Error(err))
			return &Result{Outcome: OutcomeNotCorrection, Method: "heuristic"}
		}
		for _, tok := range doc.Tokens() {
			if correctionCues[tok.Text] {
				matched = true
				break
			}
		}
	}

	if !matched {
		return &Result{Outcome: OutcomeNotCorrection, Method: "heuristic"}
	}

	metrics.CorrectionsDetected.WithLabelValues("heuristic").Inc()
	// The heuristic cannot phrase a rule. It only flags the interaction so
	// the background extractor retries with the model later.
	return &Result{Outcome: OutcomeHeuristicOnly, Method: "heuristic"}
}
