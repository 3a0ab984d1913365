package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-bridge/internal/agent"
	"voice-bridge/internal/audit"
	"voice-bridge/internal/auth"
	"voice-bridge/internal/calls"
	"voice-bridge/internal/config"
	"voice-bridge/internal/metrics"
	"voice-bridge/internal/realtime"
	"voice-bridge/internal/reconciler"
	"voice-bridge/internal/resilience"
	"voice-bridge/internal/telephony"
	"voice-bridge/internal/tickets"
	"voice-bridge/internal/workflow"
	"voice-bridge/migrations"
	"voice-bridge/pkg/logger"
	"voice-bridge/pkg/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

// app is everything the routes need.
type app struct {
	cfg          config.Config
	log          *slog.Logger
	metrics      *metrics.Metrics
	auth         *auth.Manager
	registry     *calls.Registry
	orchestrator *telephony.Orchestrator
	runner       *agent.Runner
	outbox       *tickets.Outbox
	workflows    *workflow.Service
	audit        *audit.Service
	scheduler    *reconciler.Scheduler
	ready        func(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	m := metrics.New()

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := utils.Migrate(ctx, db, migrations.FS, migrations.Dir); err != nil {
		return err
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{URL: cfg.Redis.URL, Addr: cfg.RedisAddr()})
	if err != nil {
		return err
	}
	defer rdb.Close()

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	policies := resilience.NewPolicies(m.PolicyHooks())

	registry := calls.NewRegistry(logger.Component(log, "registry"),
		calls.WithSnapshotStore(calls.NewRedisStore(rdb, cfg.Redis.SessionTTL)))
	if n, err := registry.Restore(ctx); err != nil {
		log.Warn("call session restore failed; starting empty", "err", err)
	} else if n > 0 {
		log.Info("call sessions restored", "count", n)
	}
	m.TrackSessions(registry.Len)
	records := calls.NewPostgresRecordStore(db)

	carrier, err := telephony.NewTwilioClient(telephony.TwilioClientConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		APIBaseURL: cfg.Twilio.APIBaseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return err
	}
	// Set below; finalization only happens once the server is serving.
	var runner *agent.Runner
	orchestrator := telephony.NewOrchestrator(registry, records, carrier, policies.Telephony, telephony.OrchestratorConfig{
		ModelSIPURI: cfg.Model.SIPURI,
		CallerID:    cfg.Twilio.CallerID,
		HumanNumber: cfg.Handoff.HumanNumber,
		Record:      true,
		CallbackURL: cfg.CallbackURL,
	}, logger.Component(log, "orchestrator"),
		telephony.WithAudit(auditSvc),
		telephony.WithHooks(telephony.Hooks{
			OnBridge: m.BridgeOutcome,
			OnFinalized: func(ctx context.Context, s calls.CallSession) {
				runner.CallFinalized(ctx, s)
			},
		}),
	)

	ticketClient := tickets.NewHTTPClient(tickets.HTTPClientConfig{
		BaseURL:           cfg.Ticketing.BaseURL,
		APIKey:            cfg.Ticketing.APIKey,
		RequestsPerSecond: cfg.Ticketing.RequestsPerSecond,
		Burst:             cfg.Ticketing.Burst,
	})
	outboxLog := logger.Component(log, "outbox")
	outbox := tickets.New(tickets.NewPostgresRepo(db), ticketClient, policies.Ticketing, tickets.Config{
		Owner:       cfg.App.InstanceID,
		Lease:       cfg.Outbox.Lease,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Grace:       cfg.Outbox.Grace,
		BatchSize:   cfg.Outbox.BatchSize,
	}, outboxLog,
		tickets.WithRecords(records),
		tickets.WithHooks(tickets.Hooks{
			OnStatus: m.OutboxStatus,
			OnExhausted: func(ctx context.Context, e tickets.Entry) {
				if err := auditSvc.LogOutboxExhausted(context.WithoutCancel(ctx), e.ID, e.CorrelationKey, e.LastError, e.Attempts); err != nil {
					outboxLog.Error("exhausted audit failed", "outbox_id", e.ID, "err", err)
				}
			},
		}),
	)

	model, err := realtime.NewClient(realtime.ClientConfig{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		RealtimeURL: cfg.Model.RealtimeURL,
	}, policies.Model, logger.Component(log, "realtime"))
	if err != nil {
		return err
	}
	runner = agent.NewRunner(registry, records, agent.RealtimeModel{Client: model}, orchestrator, outbox, agent.Config{
		Session: realtime.SessionConfig{
			Model:        cfg.Model.Model,
			Voice:        cfg.Model.Voice,
			Instructions: cfg.Model.Instructions,
			Tools:        []realtime.Tool{realtime.HandoffTool(cfg.Model.HandoffTool)},
		},
		HandoffTool: cfg.Model.HandoffTool,
		Greeting:    cfg.Model.Greeting,
	}, logger.Component(log, "agent"))

	scheduler := reconciler.NewScheduler(logger.Component(log, "reconciler"))
	scheduler.OnRun = m.JobRun
	if err := registerJobs(scheduler, cfg.Reconciler, registry, orchestrator, outbox, log); err != nil {
		return err
	}

	a := &app{
		cfg:          cfg,
		log:          log,
		metrics:      m,
		auth:         authManager,
		registry:     registry,
		orchestrator: orchestrator,
		runner:       runner,
		outbox:       outbox,
		workflows:    workflow.NewService(workflow.NewPostgresRepo(db), auditSvc, logger.Component(log, "workflow")),
		audit:        auditSvc,
		scheduler:    scheduler,
		ready: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logger.Printf(log, slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "instance", cfg.App.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		return shutdown(a, srv)
	})
	return g.Wait()
}

// shutdown stops intake first, then drains in-flight webhook and model work.
func shutdown(a *app, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		a.log.Warn("reconciler did not stop in time", "err", err)
	}
	if err := a.orchestrator.Wait(ctx); err != nil {
		a.log.Warn("webhook work still running at shutdown", "err", err)
	}
	if err := a.runner.Wait(ctx); err != nil {
		a.log.Warn("model sessions still running at shutdown", "err", err)
	}
	return errors.Join(errs...)
}

func registerJobs(s *reconciler.Scheduler, cfg config.ReconcilerConfig, registry *calls.Registry,
	orchestrator *telephony.Orchestrator, outbox *tickets.Outbox, log *slog.Logger) error {
	jobs := []struct {
		name  string
		every time.Duration
		fn    reconciler.JobFunc
	}{
		{reconciler.JobOutboxSweep, cfg.OutboxSweepInterval, reconciler.OutboxSweep(outbox, log)},
		{reconciler.JobTicketSync, cfg.TicketSyncInterval, reconciler.TicketSync(outbox, log)},
		{reconciler.JobStaleCalls, cfg.StaleCallInterval, reconciler.StaleCalls(registry, orchestrator, reconciler.StaleCallsConfig{
			MaxAge:        cfg.StaleCallAge,
			TerminalGrace: cfg.TerminalGrace,
		}, log)},
		{reconciler.JobRegistryTombstones, cfg.TombstoneTTL, reconciler.RegistryTombstones(registry, cfg.TombstoneTTL, log)},
	}
	for _, j := range jobs {
		if err := s.Register(j.name, j.every, 0, j.fn); err != nil {
			return err
		}
	}
	return nil
}
