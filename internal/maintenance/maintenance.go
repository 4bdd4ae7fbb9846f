// Package maintenance prunes old rows on a cron schedule: executed tasks
// past their retention and stale audit entries. Pending and failed tasks
// are never touched here; failed tasks wait for an operator.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type Config struct {
	Enabled           bool
	Schedule          string // cron spec, default "@daily"
	ExecutedRetention time.Duration
	AuditRetention    time.Duration
}

type Service struct {
	cfg   Config
	store store.Store
	log   logx.Logger
	c     *cron.Cron
}

func New(cfg Config, st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.ExecutedRetention <= 0 {
		cfg.ExecutedRetention = 30 * 24 * time.Hour
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 90 * 24 * time.Hour
	}
	return &Service{cfg: cfg, store: st, log: log}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, s.runOnce); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("maintenance stopped")
}

func (s *Service) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	tasks, err := s.store.PruneExecutedBefore(ctx, now.Add(-s.cfg.ExecutedRetention))
	if err != nil {
		s.log.Warn("executed-task prune failed", logx.Err(err))
	}
	audit, err := s.store.PruneAuditBefore(ctx, now.Add(-s.cfg.AuditRetention))
	if err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
	}
	if tasks > 0 || audit > 0 {
		s.log.Info("maintenance pruned rows",
			logx.Int64("tasks", tasks),
			logx.Int64("audit", audit))
	}
}
