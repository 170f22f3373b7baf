package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"evoagent/internal/agent"
	"evoagent/internal/architect"
	"evoagent/internal/channels"
	"evoagent/internal/config"
	"evoagent/internal/council"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
	"evoagent/internal/metrics"
	"evoagent/internal/observer"
	"evoagent/internal/rollback"
	"evoagent/internal/scheduler"
	"evoagent/internal/store"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg       *config.Config
	logger    logging.Logger
	ws        *store.Workspace
	gateway   *llm.Gateway
	tracker   *metrics.Tracker
	loop      *agent.Loop
	rollbacks *rollback.Manager
	architect *architect.Engine
	notifier  *channels.BusNotifier
	bus       *channels.Bus
	manager   *channels.Manager
	bridge    *channels.Bridge
	cron      *scheduler.Service
	deep      *observer.DeepScheduler
	heartbeat *scheduler.Heartbeat
}

func buildApp(configPath, workspaceDir, logLevel string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		logLevel = cfg.String("logging.level", "info")
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(logLevel))

	ws, err := store.NewWorkspace(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	gateway := llm.NewGateway(cfg.Providers(), cfg.Aliases(), logger)

	tracker, err := metrics.NewTracker(ws.Path("metrics"), metrics.DefaultCollectors(), logger)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	loop, err := agent.New(ws, gateway, gateway, tracker, agent.Options{
		Model:            cfg.String("agent_loop.model", "opus"),
		LightModel:       cfg.String("observer.light_mode.model", "qwen"),
		MaxHistoryRounds: cfg.Int("agent_loop.max_history_rounds", 10),
		MaxTokens:        cfg.Int("agent_loop.max_tokens", 2000),
		TotalBudget:      cfg.Int("context.total_budget", 150000),
		OutputReserve:    cfg.Int("context.output_reserve", 8000),
		KeepRecent:       cfg.Int("context.compaction_keep_recent", 5),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("agent loop: %w", err)
	}

	rollbacks, err := rollback.NewManager(ws, logger)
	if err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}

	bus := channels.NewBus(logger)
	manager := channels.NewManager(bus, logger)
	notifier := channels.NewBusNotifier(bus,
		cfg.String("communication.notify_channel", "console"),
		cfg.String("communication.notify_user", "local"))

	architectModel := cfg.String("architect.model", "opus")
	reviewers := council.New(gateway, architectModel, logger)

	maxFiles := map[int]int{}
	for level := 0; level <= 2; level++ {
		if n := cfg.MaxFilesForLevel(level); n > 0 {
			maxFiles[level] = n
		}
	}
	engine, err := architect.New(ws, gateway, rollbacks, reviewers, notifier, tracker, architect.Options{
		Model:            architectModel,
		MaxFilesPerLevel: maxFiles,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("architect: %w", err)
	}

	app := &App{
		cfg:       cfg,
		logger:    logger,
		ws:        ws,
		gateway:   gateway,
		tracker:   tracker,
		loop:      loop,
		rollbacks: rollbacks,
		architect: engine,
		notifier:  notifier,
		bus:       bus,
		manager:   manager,
		cron:      scheduler.NewService(logger),
	}

	app.bridge = channels.NewBridge(bus, manager, engine, app.handleUserMessage, logger)
	app.deep = observer.NewDeepScheduler(loop.Observer(), loop.Signals(),
		cfg.String("observer.deep_mode.schedule", "02:00"),
		cfg.Int("observer.deep_mode.emergency_threshold", 3),
		logger)
	app.heartbeat = scheduler.NewHeartbeat(ws,
		time.Duration(cfg.Int("cron.heartbeat_interval", 300))*time.Second,
		app.handleHeartbeat, logger)
	return app, nil
}

// Close releases what buildApp started. Safe to call after Run.
func (a *App) Close() {
	a.loop.Close()
}

// Run starts the full service and blocks until the context is cancelled
// or an interrupt arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := newConsoleChannel(a.bus, a.logger)
	a.manager.Register(console)
	a.manager.StartAll(ctx)

	if err := a.registerJobs(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.bridge.Run(ctx) }()
	go func() { defer wg.Done(); a.pumpOutbound(ctx) }()

	a.cron.Start(ctx)
	a.heartbeat.Start(ctx)
	a.logger.Info("evoagent is running, press Ctrl+C to stop")

	<-ctx.Done()

	a.cron.Stop()
	a.heartbeat.Stop()
	wg.Wait()
	a.loop.Close()
	a.manager.StopAll()
	a.logger.Info("evoagent stopped")
	return nil
}

func (a *App) handleUserMessage(ctx context.Context, text string) (string, error) {
	trace := a.loop.Process(ctx, text, agent.Request{})
	return trace.SystemResponse, nil
}

func (a *App) handleHeartbeat(ctx context.Context, content string) {
	trace := a.loop.Process(ctx, content, agent.Request{})
	a.notifier.NotifyMessage(trace.SystemResponse, "heartbeat")
}

func (a *App) registerJobs() error {
	jobs := []struct {
		name string
		expr string
		run  func(context.Context)
	}{
		{"observer_deep", a.cfg.String("cron.observer_cron", "0 2 * * *"), a.runObserverDeep},
		{"signal_watch", "*/10 * * * *", a.runSignalWatch},
		{"architect_run", a.cfg.String("cron.architect_cron", "0 3 * * *"), a.runArchitect},
		{"daily_briefing", a.cfg.String("cron.briefing_cron", "0 9 * * *"), a.runDailyBriefing},
	}
	for _, j := range jobs {
		if err := a.cron.Register(j.name, j.expr, j.run); err != nil {
			return fmt.Errorf("register cron job %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) runObserverDeep(ctx context.Context) {
	report := a.loop.RunDeepAnalysis(ctx, observer.TriggerDaily)
	a.deep.MarkDailyDone()
	a.notifier.NotifyMessage(fmt.Sprintf(
		"Observer deep report for %s: %d findings, overall health %s.",
		report.Date, len(report.KeyFindings), report.OverallHealth), "observer")
}

// runSignalWatch lets the deep scheduler fire emergency analyses between
// the nightly runs when critical signals pile up.
func (a *App) runSignalWatch(ctx context.Context) {
	report, ran := a.deep.CheckAndRun(ctx)
	if !ran || report.Trigger != observer.TriggerEmergency {
		return
	}
	a.notifier.NotifyMessage(fmt.Sprintf(
		"Emergency deep analysis: %d findings, overall health %s.",
		len(report.KeyFindings), report.OverallHealth), "observer")
}

func (a *App) runArchitect(ctx context.Context) {
	if a.tracker.ShouldTriggerRepair() {
		a.logger.Warn("app: repair trigger hit, running emergency analysis before proposing")
		a.loop.RunDeepAnalysis(ctx, observer.TriggerEmergency)
	}

	proposals := a.architect.AnalyzeAndPropose(ctx)
	for _, p := range proposals {
		result := a.architect.ExecuteProposal(ctx, p)
		a.logger.Info("app: proposal %s -> %s", p.ProposalID, result.Status)
	}

	for _, p := range a.architect.ProposalsWithStatus(architect.StatusExecuted, architect.StatusVerifying) {
		result := a.architect.CheckVerification(ctx, p.ProposalID)
		a.logger.Info("app: verification %s -> %s (%d days remaining)",
			p.ProposalID, result.Status, result.RemainingDays)
	}

	if sigs := a.loop.Detector().DetectPatterns(24); len(sigs) > 0 {
		a.logger.Info("app: pattern sweep raised %d signals", len(sigs))
	}
	a.rollbacks.Cleanup(a.cfg.Int("rollback.backup_retention_days", 30))
}

func (a *App) runDailyBriefing(ctx context.Context) {
	summary, ok := a.loop.DailySummary()
	if !ok {
		return
	}
	text := fmt.Sprintf(
		"Daily briefing %s\nTasks: %d (success %d, partial %d, failure %d)\nSuccess rate: %.1f%%\nTokens used: %d",
		summary.Date, summary.Tasks.Total, summary.Tasks.Success, summary.Tasks.Partial,
		summary.Tasks.Failure, summary.Tasks.SuccessRate*100, summary.Tokens["total"])
	a.notifier.NotifyMessage(text, "briefing")

	if _, err := a.loop.Memories().SaveDailySummary(summary.Date, text); err != nil {
		a.logger.Error("app: save daily summary: %v", err)
	}
	if err := a.tracker.FlushDaily(summary.Date); err != nil {
		a.logger.Error("app: flush daily metrics: %v", err)
	}
}

// pumpOutbound delivers outbound bus messages through their channel.
// Notifications raised during quiet hours are held and flushed when the
// window ends; direct replies (no message type) always go out.
func (a *App) pumpOutbound(ctx context.Context) {
	var mu sync.Mutex
	var held []channels.OutboundMessage

	flush := func() {
		mu.Lock()
		pending := held
		held = nil
		mu.Unlock()
		for _, msg := range pending {
			a.deliver(msg)
		}
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !a.cfg.IsQuietTime(time.Now()) {
					flush()
				}
			}
		}
	}()

	for {
		msg, ok := a.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if msg.MessageType != "" && a.cfg.IsQuietTime(time.Now()) {
			mu.Lock()
			held = append(held, msg)
			mu.Unlock()
			a.logger.Info("app: quiet hours, holding %s notification", msg.MessageType)
			continue
		}
		a.deliver(msg)
	}
}

func (a *App) deliver(msg channels.OutboundMessage) {
	ch, ok := a.manager.Get(msg.Channel)
	if !ok {
		a.logger.Warn("app: no channel %q for outbound message", msg.Channel)
		return
	}
	for _, chunk := range channels.SplitMessage(msg.Text, channels.MaxMessageLength) {
		if err := ch.SendMessage(msg.UserID, chunk); err != nil {
			a.logger.Error("app: send via %s: %v", msg.Channel, err)
		}
	}
}
