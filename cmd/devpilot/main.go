// Command devpilot runs the browser-page tool server: a WebSocket RPC
// endpoint for pages on one side, an MCP stdio surface for an AI agent
// orchestrator on the other.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/devpilot/devpilot/internal/bridge"
	"github.com/devpilot/devpilot/internal/bus"
	"github.com/devpilot/devpilot/internal/clients"
	"github.com/devpilot/devpilot/internal/config"
	"github.com/devpilot/devpilot/internal/core"
	"github.com/devpilot/devpilot/internal/mcp"
	otelPkg "github.com/devpilot/devpilot/internal/otel"
	"github.com/devpilot/devpilot/internal/persistence"
	"github.com/devpilot/devpilot/internal/plugin"
	"github.com/devpilot/devpilot/internal/retention"
	"github.com/devpilot/devpilot/internal/storage"
	"github.com/devpilot/devpilot/internal/tasks"
	"github.com/devpilot/devpilot/internal/telemetry"
	"github.com/devpilot/devpilot/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const serverInstructions = "devpilot bridges this session to live browser pages. " +
	"Start with list_clients or find_client to pick a page, then pass its clientId " +
	"to page-targeting tools. get_pending_tasks returns work queued by the pages " +
	"themselves; query_task_history shows what happened to it."

func main() {
	home := flag.String("home", "", "data directory (default $DEVPILOT_HOME or ~/.devpilot)")
	addr := flag.String("addr", "", "WebSocket bind address (overrides config)")
	noStdio := flag.Bool("no-stdio", false, "skip the MCP stdio server (WebSocket endpoint only)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("devpilot", Version)
		return
	}

	if err := run(*home, *addr, *noStdio); err != nil {
		fmt.Fprintln(os.Stderr, "devpilot:", err)
		os.Exit(1)
	}
}

func run(home, addr string, noStdio bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.BindAddr = addr
	}

	// Mirror logs to stderr only when a human is watching; stdout always
	// belongs to the MCP stream.
	mirror := isatty.IsTerminal(os.Stderr.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, mirror)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	logger.Info("devpilot starting", "version", Version, "config", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	eventBus := bus.New()

	registry := clients.NewRegistry(eventBus)
	registry.SetActiveWindow(time.Duration(cfg.ActiveWindowMinutes) * time.Minute)

	queue := tasks.New(tasks.Config{
		HistoryCap: cfg.HistoryCap,
		Store:      store,
		Bus:        eventBus,
		Logger:     logger,
	})
	if err := queue.Load(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	// Client ids referenced by restored tasks belong to earlier runs; mark
	// them seen so lookups report "disconnected" rather than "never
	// connected".
	for _, rec := range queue.Query(tasks.QueryFilter{}) {
		registry.MarkSeen(rec.SourceClientID)
	}
	logger.Info("task state restored", "queued", queue.Depth(), "history", queue.HistoryLen())

	policy, err := plugin.ParseCollisionPolicy(cfg.CollisionPolicy)
	if err != nil {
		return err
	}
	merged, err := plugin.Merge([]plugin.Plugin{
		core.Plugin(registry, queue, logger),
		storage.NewProxy(core.Namespace, store).AsPlugin(),
	}, policy, logger)
	if err != nil {
		return fmt.Errorf("merge plugins: %w", err)
	}

	srv := transport.NewServer(transport.ServerConfig{
		Methods: merged.Methods,
		Hooks: transport.Hooks{
			OnConnect:    registry.Add,
			OnDisconnect: registry.Remove,
			OnActivity:   registry.Touch,
		},
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})

	// Queue depth reaches connected pages through the bus, not through a
	// direct queue-to-server call.
	go tasks.AnnounceDepth(eventBus.Subscribe(bus.TopicQueueDepthChanged), srv)
	go logEvents(eventBus.Subscribe(""), logger)

	br, err := bridge.New(bridge.Config{
		Registry: registry,
		Queue:    queue,
		Catalog:  merged,
		Caller:   srv,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}

	if cfg.Retention.Days > 0 {
		sweeper, err := retention.New(retention.Config{
			Schedule: cfg.Retention.SweepCron,
			MaxAge:   cfg.RetentionMaxAge(),
			Pruner:   store,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded; restart to apply structural changes",
					"config", reloaded.Fingerprint())
			}
		}()
	}

	httpSrv := &http.Server{Addr: cfg.BindAddr, Handler: srv.Handler()}
	go func() {
		logger.Info("ws endpoint listening", "addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ws listener failed", "error", err)
			stop()
		}
	}()

	if !noStdio {
		mcpSrv := mcp.NewServer(os.Stdin, os.Stdout, br, mcp.ServerInfo{
			Name:         "devpilot",
			Version:      Version,
			Instructions: serverInstructions,
		}, logger)
		go func() {
			if err := mcpSrv.Run(ctx); err != nil {
				logger.Warn("mcp server exited", "error", err)
			}
			// stdin EOF means the MCP host is gone.
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ws listener shutdown", "error", err)
	}
	return nil
}

// logEvents drains every bus topic into the structured log until the
// subscription closes.
func logEvents(sub *bus.Subscription, logger *slog.Logger) {
	for ev := range sub.Ch() {
		switch p := ev.Payload.(type) {
		case bus.TaskStateChangedEvent:
			logger.Info("task state changed", "task_id", p.TaskID, "from", p.OldStatus, "to", p.NewStatus)
		case bus.ClientEvent:
			logger.Debug(ev.Topic, "client_id", p.ClientID, "url", p.URL)
		case bus.QueueDepthEvent:
			logger.Debug("queue depth changed", "depth", p.Depth)
		default:
			logger.Debug(ev.Topic)
		}
	}
}
