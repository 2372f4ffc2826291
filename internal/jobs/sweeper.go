// Package jobs holds the scheduled background work: the nightly confidence
// decay sweep and the pending-extraction retry pass.
package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/internal/metrics"
	"github.com/personal-ai-os/backend/internal/rules"
	"github.com/personal-ai-os/backend/internal/storage/models"
	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/pkg/logger"
)

type SweepStore interface {
	ListRulesByStatus(ctx context.Context, status models.RuleStatus, afterID string, limit int) ([]models.Rule, error)
	MutateRule(ctx context.Context, id string, fn func(models.Rule) (models.Rule, []models.AuditEvent, error)) (*models.Rule, error)
}

type CacheInvalidator interface {
	InvalidateUserRules(ctx context.Context, userID string) error
}

type SweepStats struct {
	Scanned  int
	Decayed  int
	Archived int
}

// Sweeper applies weekly time decay across all active rules and archives the
// ones that fall below the archive threshold. Decay is anchored on the
// per-rule timestamps, so a rerun directly after a sweep is a no-op.
type Sweeper struct {
	store            SweepStore
	cache            CacheInvalidator
	ratePerWeek      float64
	archiveThreshold float64
	batchSize        int

	// now is injectable for tests.
	now func() time.Time
}

func NewSweeper(store SweepStore, cache CacheInvalidator, ratePerWeek, archiveThreshold float64) *Sweeper {
	return &Sweeper{
		store:            store,
		cache:            cache,
		ratePerWeek:      ratePerWeek,
		archiveThreshold: archiveThreshold,
		batchSize:        200,
		now:              time.Now,
	}
}

// Run walks all active rules in id order and applies any due decay. Rules
// changed under the sweep's feet are retried through the optimistic store
// path; a rule that keeps losing is skipped and picked up next sweep.
func (s *Sweeper) Run(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	now := s.now().UTC()

	var stats SweepStats
	touched := make(map[string]bool)

	afterID := ""
	for {
		batch, err := s.store.ListRulesByStatus(ctx, models.StatusActive, afterID, s.batchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		for _, rule := range batch {
			stats.Scanned++
			afterID = rule.ID

			if rules.ElapsedDecayWeeks(rule, now) == 0 {
				continue
			}

			decayed, archived, err := s.sweepRule(ctx, rule.ID, now)
			if err != nil {
				logger.Warn("Decay sweep skipped rule",
					zap.String("rule_id", rule.ID),
					zap.Error(err),
				)
				continue
			}
			if decayed {
				stats.Decayed++
				touched[rule.UserID] = true
			}
			if archived {
				stats.Archived++
			}
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	for userID := range touched {
		if err := s.cache.InvalidateUserRules(ctx, userID); err != nil {
			logger.Warn("Failed to invalidate rule cache after sweep",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	metrics.RulesDecayed.Add(float64(stats.Decayed))
	metrics.RulesArchived.Add(float64(stats.Archived))
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	logger.Info("Decay sweep completed",
		zap.Int("scanned", stats.Scanned),
		zap.Int("decayed", stats.Decayed),
		zap.Int("archived", stats.Archived),
		zap.Duration("took", time.Since(start)),
	)

	return stats, nil
}

func (s *Sweeper) sweepRule(ctx context.Context, ruleID string, now time.Time) (decayed, archived bool, err error) {
	updated, err := s.store.MutateRule(ctx, ruleID, func(r models.Rule) (models.Rule, []models.AuditEvent, error) {
		decayed, archived = false, false

		// Recompute inside the transaction: a reinforcement may have landed
		// since the listing.
		weeks := rules.ElapsedDecayWeeks(r, now)
		old := r.Confidence
		r, changed, err := rules.DecayTick(r, weeks, s.ratePerWeek, now)
		if err != nil {
			return r, nil, err
		}
		if !changed {
			return r, nil, nil
		}

		decayed = true
		events := []models.AuditEvent{
			models.NewEvent(r.UserID, r.ID, models.EventRuleDecayed, models.ConfidenceChangeData{
				OldConfidence: old,
				NewConfidence: r.Confidence,
			}),
		}

		r, didArchive := rules.MaybeArchive(r, s.archiveThreshold, now)
		if didArchive {
			archived = true
			events = append(events, models.NewEvent(r.UserID, r.ID, models.EventRuleArchived, models.RuleArchivedData{
				Reason:     "confidence_below_threshold",
				Confidence: r.Confidence,
			}))
		}

		return r, events, nil
	})
	if errors.Is(err, sqlite.ErrNotFound) {
		// Deleted mid-sweep.
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	if decayed {
		metrics.RuleConfidence.Observe(updated.Confidence)
	}
	return decayed, archived, nil
}
