// Package rules implements the rule lifecycle: the pure confidence/decay
// arithmetic and the service that applies it against the store.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/personal-ai-os/backend/internal/storage/models"
)

const (
	// InitialConfidence is assigned to every newly extracted rule.
	InitialConfidence = 0.5

	// ReinforceStep is added on each reinforcement, clamped at 1.0.
	ReinforceStep = 0.1

	DefaultDecayRatePerWeek    = 0.05
	DefaultArchiveThreshold    = 0.2
	DefaultConfidenceThreshold = 0.3
)

// ErrInvariant signals a confidence value outside [0,1] beyond the defined
// clamp points. This is a programming defect and must surface loudly.
var ErrInvariant = errors.New("rule confidence invariant violated")

func checkConfidence(c float64) error {
	if c < 0.0 || c > 1.0 {
		return fmt.Errorf("%w: confidence=%v", ErrInvariant, c)
	}
	return nil
}

// Reinforce bumps confidence by ReinforceStep (clamped at 1.0), increments
// the reinforcement counter and stamps last_reinforced_at.
func Reinforce(r models.Rule, now time.Time) (models.Rule, error) {
	if err := checkConfidence(r.Confidence); err != nil {
		return r, err
	}
	r.Confidence = min(1.0, r.Confidence+ReinforceStep)
	r.TimesReinforced++
	r.LastReinforcedAt = now
	r.UpdatedAt = now
	return r, nil
}

// RecordApplication marks one prompt injection. Confidence is untouched:
// only reinforcement and decay move it.
func RecordApplication(r models.Rule, now time.Time) models.Rule {
	r.TimesApplied++
	r.LastAppliedAt = now
	return r
}

// DecayTick subtracts ratePerWeek per elapsed week, clamped at 0.0, and
// stamps last_decayed_at so a re-run of the sweep computes a zero delta.
// The second return reports whether confidence actually changed.
func DecayTick(r models.Rule, elapsedWeeks int, ratePerWeek float64, now time.Time) (models.Rule, bool, error) {
	if err := checkConfidence(r.Confidence); err != nil {
		return r, false, err
	}
	if elapsedWeeks <= 0 {
		return r, false, nil
	}
	decayed := max(0.0, r.Confidence-ratePerWeek*float64(elapsedWeeks))
	changed := decayed != r.Confidence
	r.Confidence = decayed
	r.LastDecayedAt = now
	if changed {
		r.UpdatedAt = now
	}
	return r, changed, nil
}

// ElapsedDecayWeeks returns whole weeks since the last decay-relevant event:
// the latest of creation, reinforcement and the previous decay tick. Using
// the stored timestamps rather than a sweep cursor keeps the sweep
// idempotent when restarted.
func ElapsedDecayWeeks(r models.Rule, now time.Time) int {
	anchor := r.CreatedAt
	if r.LastReinforcedAt.After(anchor) {
		anchor = r.LastReinforcedAt
	}
	if r.LastDecayedAt.After(anchor) {
		anchor = r.LastDecayedAt
	}
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / (7 * 24 * time.Hour))
}

// MaybeArchive archives an active rule whose confidence dropped below the
// threshold. Exactly 0.2 stays active; the trigger is strictly less-than.
func MaybeArchive(r models.Rule, archiveThreshold float64, now time.Time) (models.Rule, bool) {
	if r.Status != models.StatusActive || r.Confidence >= archiveThreshold {
		return r, false
	}
	r.Status = models.StatusArchived
	r.UpdatedAt = now
	return r, true
}

// Eligible reports whether a rule qualifies for prompt injection.
func Eligible(r models.Rule, confidenceThreshold float64) bool {
	return r.Status == models.StatusActive && r.Confidence >= confidenceThreshold
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
