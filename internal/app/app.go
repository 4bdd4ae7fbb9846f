// Package app wires the components together and owns startup/shutdown
// ordering. The ordering matters at both ends: recovery must finish before
// intake accepts work, and every timer must be cancelled before the store
// closes so nothing fires into a torn-down execution path.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindd/internal/config"
	"remindd/internal/directory"
	"remindd/internal/eventbus"
	"remindd/internal/executor"
	"remindd/internal/intake"
	"remindd/internal/lifecycle"
	"remindd/internal/maintenance"
	"remindd/internal/notify"
	"remindd/internal/scheduler"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	logSvc *logx.Service
	log    logx.Logger

	store     store.Store
	bus       eventbus.Bus
	transport notify.Transport
	sched     *scheduler.Service
	life      *lifecycle.Service
	intake    *intake.Server
	maint     *maintenance.Service

	auditDone   chan struct{}
	auditUnsub  func()
	watchCancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.FileEnabled,
			Path:    cfg.Logging.FilePath,
		},
	})

	return &App{cfgPath: cfgPath, cfg: cfg, logSvc: logSvc, log: log}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	sendTimeout, _ := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	transport, err := notify.Open(notify.Config{
		Driver:      cfg.Notify.Driver,
		Token:       cfg.Notify.Token,
		RatePerSec:  cfg.Notify.RatePerSec,
		SendTimeout: sendTimeout,
	}, a.log.With(logx.String("component", "notify")))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	a.transport = transport

	resolver := directory.NewStatic(cfg.Directory.Recipients, cfg.Directory.DefaultChatID)
	a.bus = eventbus.New()

	eng := executor.New(st, resolver, transport, a.bus,
		a.log.With(logx.String("component", "executor")))
	a.sched = scheduler.New(scheduler.Config{MaxDelay: cfg.Scheduler.MaxDelayOrDefault()}, eng,
		a.log.With(logx.String("component", "scheduler")))
	a.sched.Start(ctx)

	a.life = lifecycle.New(st, a.sched, resolver, transport, a.bus,
		a.log.With(logx.String("component", "lifecycle")))

	a.startAuditWriter()

	// Recovery runs before intake: the process must know every task it
	// owns before it accepts new ones.
	if err := a.life.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	readTimeout, _ := config.ParseDurationOrDefault("intake.read_timeout", cfg.Intake.ReadTimeout, 10*time.Second)
	writeTimeout, _ := config.ParseDurationField("intake.write_timeout", cfg.Intake.WriteTimeout)
	idleTimeout, _ := config.ParseDurationOrDefault("intake.idle_timeout", cfg.Intake.IdleTimeout, time.Minute)
	a.intake = intake.NewServer(intake.Config{
		Addr:         cfg.Intake.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, a.life, st, a.sched, a.log.With(logx.String("component", "intake")))
	if err := a.intake.Start(); err != nil {
		return fmt.Errorf("start intake: %w", err)
	}

	execRetention, _ := config.ParseDurationField("maintenance.executed_retention", cfg.Maintenance.ExecutedRetention)
	auditRetention, _ := config.ParseDurationField("maintenance.audit_retention", cfg.Maintenance.AuditRetention)
	a.maint = maintenance.New(maintenance.Config{
		Enabled:           cfg.Maintenance.Enabled,
		Schedule:          cfg.Maintenance.Schedule,
		ExecutedRetention: execRetention,
		AuditRetention:    auditRetention,
	}, st, a.log.With(logx.String("component", "maintenance")))
	if err := a.maint.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	a.startConfigWatch(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("remindd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.intake != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.intake.Stop(sctx)
		cancel()
	}
	if a.maint != nil {
		a.maint.Stop()
	}
	// Timers go down before the store so no fire hits a closed store.
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.auditUnsub != nil {
		a.auditUnsub()
		<-a.auditDone
	}
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("remindd stopped")
	return a.logSvc.Close()
}

// startAuditWriter turns executor outcome events into durable audit rows.
func (a *App) startAuditWriter() {
	ch, unsub := a.bus.Subscribe(64)
	a.auditUnsub = unsub
	a.auditDone = make(chan struct{})
	log := a.log.With(logx.String("component", "audit"))
	st := a.store

	go func() {
		defer close(a.auditDone)
		for ev := range ch {
			entry, ok := ev.Data.(store.AuditEntry)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := st.AppendAudit(ctx, entry); err != nil {
				log.Warn("audit append failed", logx.Err(err))
			}
			cancel()
		}
	}()
}

// startConfigWatch re-applies the hot-reloadable knobs (log level/sinks).
// Components that cannot be retuned live keep their startup settings.
func (a *App) startConfigWatch(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	err := config.Watch(wctx, a.cfgPath, a.log.With(logx.String("component", "config")), func(cfg *config.Config) {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.ConsoleEnabled(),
			File: logx.FileConfig{
				Enabled: cfg.Logging.FileEnabled,
				Path:    cfg.Logging.FilePath,
			},
		})
	})
	if err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
	}
}
