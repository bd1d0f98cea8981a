// Trade Desk server — the execution core of an automated trading
// workstation. It receives signed webhook alerts from charting platforms,
// validates them against funded-account rules, routes them to a live
// broker, a broker sandbox, or the built-in paper-trading simulator, and
// streams fills, positions, and account state to connected clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tradedesk/internal/api"
	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/coordinator"
	"tradedesk/internal/hub"
	"tradedesk/internal/ledger"
	"tradedesk/internal/registry"
	"tradedesk/internal/router"
	"tradedesk/internal/rules"
	"tradedesk/internal/sim"
	"tradedesk/internal/tracker"
	"tradedesk/internal/webhook"
	"tradedesk/pkg/types"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 bind failure, 3 fatal
// init error.
const (
	exitConfig = 1
	exitBind   = 2
	exitInit   = 3
)

func main() {
	var (
		bind    = flag.String("bind", "", "listen address (overrides config)")
		cfgPath = flag.String("config", "configs/config.yaml", "config file path")
		mode    = flag.String("mode", "", "dev or prod (overrides config)")
	)
	flag.Parse()

	// A .env file is optional; real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(exitConfig)
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *mode != "" {
		cfg.Server.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(exitConfig)
	}

	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	engine := sim.New(cfg.Simulator, logger)
	h := hub.New(cfg.Stream.HeartbeatInterval, cfg.Stream.ClientBuffer, logger)
	tr := tracker.New(cfg.Strategies, logger, tracker.WithModeChangeHook(func(c tracker.ModeChange) {
		h.Broadcast(types.TopicStrategyMode, c.StrategyID, c)
	}))

	ruleEngine, err := rules.NewEngine(cfg.Rules, logger)
	if err != nil {
		logger.Error("failed to build rule engine", "error", err)
		os.Exit(exitInit)
	}

	led, err := ledger.Open(cfg.Ledger.DataDir)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(exitInit)
	}
	defer led.Close()

	live, sandboxes, err := buildAdapters(cfg.Adapters, logger)
	if err != nil {
		logger.Error("failed to build adapters", "error", err)
		os.Exit(exitInit)
	}

	receiver := webhook.New(cfg.Webhook, logger)
	rt := router.New(reg, tr, sim.NewAdapter(engine), live, sandboxes, logger)
	coord := coordinator.New(cfg.Coordinator, receiver.Alerts(), rt, ruleEngine, tr,
		engine, h, led, logger)

	ruleAccounts := make([]string, 0, len(cfg.Rules.Accounts))
	for _, a := range cfg.Rules.Accounts {
		ruleAccounts = append(ruleAccounts, a.AccountID)
	}
	server := api.NewServer(cfg.Server.Bind, receiver, h, engine, ruleEngine, tr,
		ruleAccounts, logger)

	go h.Run(ctx)
	go runLoop(ctx, logger, cfg.Server.Mode, "simulator", engine.Run)
	go runLoop(ctx, logger, cfg.Server.Mode, "rules", ruleEngine.Run)
	go runLoop(ctx, logger, cfg.Server.Mode, "coordinator", coord.Run)
	go publishQuotes(ctx, engine, h)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("trade desk started",
		"bind", cfg.Server.Bind,
		"mode", cfg.Server.Mode,
		"sim_accounts", len(cfg.Simulator.Accounts),
		"funded_accounts", len(cfg.Rules.Accounts),
		"strategies", len(cfg.Strategies),
		"adapters", len(cfg.Adapters),
	)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(exitBind)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := server.Stop(); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Server.Mode == "prod" || cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildAdapters constructs the external venue adapters, split into live
// (keyed by account group) and sandbox (keyed by name) maps.
func buildAdapters(cfgs []config.AdapterConfig, logger *slog.Logger) (live, sandboxes map[string]broker.Adapter, err error) {
	live = make(map[string]broker.Adapter)
	sandboxes = make(map[string]broker.Adapter)
	for _, ac := range cfgs {
		ad, err := broker.NewRESTAdapter(ac, logger)
		if err != nil {
			return nil, nil, err
		}
		if ac.Sandbox {
			sandboxes[ac.Name] = ad
		} else {
			live[ac.Group] = ad
		}
	}
	return live, sandboxes, nil
}

// runLoop supervises a long-lived task. In dev mode a crash propagates;
// in prod it is logged and the task restarts.
func runLoop(ctx context.Context, logger *slog.Logger, mode, name string, run func(context.Context) error) {
	for {
		err := func() (err error) {
			if mode == "prod" {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("task panicked, restarting", "task", name, "panic", r)
					}
				}()
			}
			return run(ctx)
		}()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("task exited, restarting", "task", name, "error", err)
		}
	}
}

// publishQuotes streams simulator quotes onto the hub's quote topic.
func publishQuotes(ctx context.Context, engine *sim.Engine, h *hub.Hub) {
	for q := range engine.SubscribeQuotes(ctx) {
		h.Broadcast(types.TopicQuote, q.Symbol, q)
	}
}
