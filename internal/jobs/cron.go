package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/pkg/logger"
)

const jobTimeout = 10 * time.Minute

// Schedule registers both background jobs on the given cron runner. The
// runner itself is started and stopped by the caller.
func Schedule(c *cron.Cron, sweepSpec, extractSpec string, sweeper *Sweeper, extractor *Extractor) error {
	if _, err := c.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if _, err := sweeper.Run(ctx); err != nil {
			logger.Error("Decay sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc(extractSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if _, err := extractor.Run(ctx); err != nil {
			logger.Error("Pending extraction pass failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	logger.Info("Background jobs scheduled",
		zap.String("sweep", sweepSpec),
		zap.String("extract", extractSpec),
	)
	return nil
}
