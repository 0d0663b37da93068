package system

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger deletes history older than a cutoff.
type Purger interface {
	PurgePlanEvents(ctx context.Context, before time.Time) (int64, error)
	PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error)
	PurgeAuthEvents(ctx context.Context, before time.Time) (int64, error)
}

// Retention runs the periodic cleanup on a cron schedule.
type Retention struct {
	store  Purger
	cfg    config.RetentionConfig
	cron   *cron.Cron
	logger *zap.Logger
	now    func() time.Time
}

func NewRetention(store Purger, cfg config.RetentionConfig, logger *zap.Logger) (*Retention, error) {
	r := &Retention{
		store:  store,
		cfg:    cfg,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		now:    time.Now,
	}
	if cfg.Schedule == "" {
		return r, nil
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.Run(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

func (r *Retention) Start() {
	r.cron.Start()
}

// Stop waits for a running cleanup to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Run performs one cleanup pass. A zero max age keeps that history forever.
func (r *Retention) Run(ctx context.Context) {
	now := r.now()

	if age := r.cfg.PlanEventMaxAge; age > 0 {
		r.purge("plan_events", func() (int64, error) {
			return r.store.PurgePlanEvents(ctx, now.Add(-age))
		})
	}
	if age := r.cfg.AuthEventMaxAge; age > 0 {
		r.purge("auth_events", func() (int64, error) {
			return r.store.PurgeAuthEvents(ctx, now.Add(-age))
		})
	}
	r.purge("refresh_tokens", func() (int64, error) {
		return r.store.PurgeRefreshTokens(ctx, now)
	})
}

func (r *Retention) purge(table string, fn func() (int64, error)) {
	n, err := fn()
	if err != nil {
		r.logger.Warn("Retention cleanup failed", zap.String("table", table), zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("Retention cleanup", zap.String("table", table), zap.Int64("deleted", n))
	}
}
