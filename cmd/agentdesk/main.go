package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agent"
	"github.com/agentdesk/agentdesk/internal/api"
	"github.com/agentdesk/agentdesk/internal/chat"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/execution"
	"github.com/agentdesk/agentdesk/internal/pty"
	"github.com/agentdesk/agentdesk/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentdesk backend...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 4. Database and stores
	database, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer database.Close()

	execStore, err := execution.NewSQLiteStore(database)
	if err != nil {
		log.Fatal("Failed to initialize execution store", zap.Error(err))
	}
	wtStore, err := worktree.NewSQLiteStore(database)
	if err != nil {
		log.Fatal("Failed to initialize worktree store", zap.Error(err))
	}
	chatStore, err := chat.NewSQLiteStore(database)
	if err != nil {
		log.Fatal("Failed to initialize chat store", zap.Error(err))
	}

	// 5. Reconcile executions interrupted by the previous run
	if n, err := execStore.ReconcileInterrupted(ctx); err != nil {
		log.Error("Failed to reconcile interrupted executions", zap.Error(err))
	} else if n > 0 {
		log.Info("Marked interrupted executions as failed", zap.Int("count", n))
	}

	// 6. Worktree manager
	worktrees, err := worktree.NewManager(worktree.Config{
		BranchPrefix:    cfg.Worktree.BranchPrefix,
		DirName:         cfg.Worktree.DirName,
		CopyConfigFiles: cfg.Worktree.CopyConfigFiles,
	}, wtStore, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// 7. Terminal bridge
	bridge := pty.NewBridge(eventBus, log)

	// 8. Agent runtime: resumption cache, permission broker, runner
	cachePath, err := db.ExpandPath(cfg.Agent.SessionCachePath)
	if err != nil {
		log.Fatal("Failed to resolve session cache path", zap.Error(err))
	}
	sessionCache := agent.NewSessionCache(agent.SessionCacheConfig{
		Path:     cachePath,
		Capacity: cfg.Agent.SessionCacheSize,
		TTL:      cfg.Agent.SessionCacheTTL(),
	}, log)
	broker := agent.NewPermissionBroker(cfg.Agent.PermissionTimeout(), log)
	runner := agent.NewRunner(agent.RunnerConfig{
		Binary:            cfg.Agent.Binary,
		MaxTurns:          cfg.Agent.MaxTurns,
		PermissionTimeout: cfg.Agent.PermissionTimeout(),
	}, sessionCache, broker, log)

	// 9. Task executor and execution manager
	executor := execution.NewTaskExecutor(execution.TaskExecutorConfig{
		AgentBinary:  cfg.Agent.Binary,
		AgentModel:   cfg.Agent.Model,
		PollInterval: cfg.Execution.PollInterval(),
		HardTimeout:  cfg.Execution.HardTimeout(),
	}, worktrees, bridge, execStore, eventBus, log)
	executions := execution.NewManager(cfg.Execution.MaxConcurrent, executor, execStore, eventBus, log)

	// 10. Chat session manager
	proxy := chat.NewProxyClient(chat.ProxyConfig{
		URL:            cfg.Chat.ProxyURL,
		Token:          cfg.Chat.ProxyToken,
		RequestTimeout: time.Duration(cfg.Chat.RequestTimeout) * time.Second,
	})
	chats := chat.NewManager(proxy, chatStore, eventBus, log)

	// 11. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Dependencies{
		Executions: executions,
		ExecStore:  execStore,
		Worktrees:  worktrees,
		Chats:      chats,
		Broker:     broker,
		Runner:     runner,
		Bridge:     bridge,
		EventBus:   eventBus,
		Logger:     log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agentdesk backend...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel running executions, then tear down their terminal sessions.
	executions.Shutdown()
	broker.AbortAll()
	bridge.KillAll()

	log.Info("Agentdesk backend stopped")
}
