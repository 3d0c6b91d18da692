package staging

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/metrics"
)

// StartJanitor schedules Sweep on a cron spec such as "@every 15m".
// The caller stops the returned scheduler on shutdown.
func StartJanitor(schedule string, mgr *Manager, maxAge time.Duration, m metrics.Metrics, log *zap.Logger) (*cron.Cron, error) {
	if m == nil {
		m = metrics.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed, err := mgr.Sweep(maxAge)
		m.IncStagingSwept(removed)
		if err != nil {
			log.Warn("staging sweep incomplete", zap.Int("removed", removed), zap.Error(err))
			return
		}
		if removed > 0 {
			log.Info("staging sweep removed stale scopes", zap.Int("removed", removed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid staging sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Info("staging janitor started",
		zap.String("root", mgr.Root()),
		zap.String("schedule", schedule),
		zap.Duration("max_age", maxAge),
	)
	return c, nil
}
