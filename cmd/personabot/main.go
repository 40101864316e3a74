package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"personabot/internal/bus"
	"personabot/internal/config"
	"personabot/internal/digest"
	"personabot/internal/domain"
	"personabot/internal/history"
	"personabot/internal/llm"
	"personabot/internal/memory"
	"personabot/internal/mention"
	"personabot/internal/metrics"
	"personabot/internal/persona"
	"personabot/internal/presence"
	"personabot/internal/reply"
	"personabot/internal/scheduler"
	"personabot/internal/store"
	"personabot/internal/telegram"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "personabot",
		Short: "personabot: a persona-driven Telegram auto-reply agent",
		Long:  "personabot connects a Telegram account to an LLM backend and replies in a configured persona, with human-like pacing and presence.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.personabot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and persona skeleton",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
			cfg.LLM.APIKey = "${MISTRAL_API_KEY}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			personaPath := config.ExpandPath(cfg.Agent.PersonaPath)
			if _, err := os.Stat(personaPath); os.IsNotExist(err) {
				skeleton := "first_name: Alex\nlast_name: \naliases:\n  - alex\n"
				if err := os.WriteFile(personaPath, []byte(skeleton), 0o644); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "persona", personaPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent (Telegram polling + reply pipeline)",
		RunE:  runAgent,
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := persona.Load(cfg.Agent.PersonaPath, logger)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	historyStore, err := store.NewSQLiteStore(cfg.History.DBPath, logger)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer historyStore.Close()

	messenger, err := telegram.NewMessenger(telegram.Config{
		Token:        cfg.Telegram.Token,
		AllowedChats: cfg.Telegram.AllowedChats,
		ParseMode:    cfg.Telegram.ParseMode,
		DisplayName:  p.DisplayName(),
		Bus:          messageBus,
		Store:        historyStore,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	completer := llm.NewMistral(llm.MistralConfig{
		APIKey:  cfg.LLM.APIKey,
		APIBase: cfg.LLM.APIBase,
		Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	detector := mention.NewDetector(p.MentionAliases(), cfg.Agent.NameMatchThreshold, logger)

	var observers []domain.CycleObserver
	var memorySource history.MemorySource

	if cfg.Memory.Enabled {
		memoryManager := memory.NewManager(memory.Config{
			Completer:  completer,
			AgentID:    cfg.LLM.MemoryAgentID,
			Path:       cfg.Memory.FilePath,
			Logger:     logger,
			MaxEntries: cfg.Memory.MaxEntries,
			Retention:  time.Duration(cfg.Memory.RetentionDays) * 24 * time.Hour,
		})
		if err := memoryManager.Load(); err != nil {
			return fmt.Errorf("load memory: %w", err)
		}
		observers = append(observers, memoryManager)
		memorySource = memoryManager
		logger.Info("memory enabled", "path", cfg.Memory.FilePath)
	}

	var digestManager *digest.Manager
	if cfg.Digest.Enabled {
		digestManager, err = digest.NewManager(digest.Config{
			Completer:         completer,
			Sender:            messenger,
			Logger:            logger,
			AgentID:           cfg.LLM.DigestAgentID,
			ChannelID:         cfg.Digest.ChannelID,
			Interval:          time.Duration(cfg.Digest.IntervalMinutes) * time.Minute,
			StatePath:         cfg.Digest.StatePath,
			MonitoredChannels: cfg.Digest.MonitoredChannels,
		})
		if err != nil {
			return fmt.Errorf("digest manager: %w", err)
		}
		observers = append(observers, digestManager)
		logger.Info("digest enabled", "channel_id", cfg.Digest.ChannelID, "interval_minutes", cfg.Digest.IntervalMinutes)
	}

	assembler := history.NewAssembler(historyStore, detector, memorySource, logger)

	presenceSim := presence.NewSimulator(presence.Config{
		Messenger:             messenger,
		Logger:                logger,
		DelayBeforeOnlineMin:  cfg.Agent.DelayBeforeOnline.MinDuration(),
		DelayBeforeOnlineMax:  cfg.Agent.DelayBeforeOnline.MaxDuration(),
		DelayBeforeOfflineMin: cfg.Agent.DelayBeforeOffline.MinDuration(),
		DelayBeforeOfflineMax: cfg.Agent.DelayBeforeOffline.MaxDuration(),
	})

	dispatcher := reply.NewDispatcher(reply.DispatcherConfig{
		Messenger:   messenger,
		Store:       historyStore,
		Typing:      reply.NewTypingSimulator(messenger, cfg.Agent.TypingSpeed, logger),
		DisplayName: p.DisplayName(),
		Logger:      logger,
	})

	var monitor scheduler.ChannelMonitor
	if digestManager != nil {
		monitor = digestManager
	}
	sched := scheduler.New(scheduler.Config{
		Bus:         messageBus,
		Store:       historyStore,
		Assembler:   assembler,
		Completer:   completer,
		Dispatch:    dispatcher,
		Detector:    detector,
		Presence:    presenceSim,
		Reader:      messenger,
		Monitor:     monitor,
		Observers:   observers,
		Logger:      logger,
		AgentID:     cfg.LLM.AgentID,
		MaxHistory:  cfg.Agent.MessageMemory,
		Debounce:    time.Duration(cfg.Agent.DebounceSeconds * float64(time.Second)),
		GraceWindow: time.Duration(cfg.Agent.GraceWindowSeconds * float64(time.Second)),
	})

	go sched.Run(ctx)
	go presenceSim.Run(ctx)
	go pruneLoop(ctx, historyStore, cfg.History.RetentionDays)

	if digestManager != nil {
		go func() {
			if err := digestManager.Run(ctx); err != nil {
				logger.Error("digest loop error", "err", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Endpoint)
	}

	go func() {
		if err := messenger.Run(ctx); err != nil {
			logger.Error("telegram polling error", "err", err)
			stop()
		}
	}()

	logger.Info("personabot started", "version", version, "persona", p.DisplayName())
	<-ctx.Done()
	logger.Info("shutting down...")

	// Give in-flight dispatches a moment to finish sending.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		messageBus.Close()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
	}
	return nil
}

func pruneLoop(ctx context.Context, s *store.SQLiteStore, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := s.Prune(ctx, cutoff); err != nil {
				logger.Warn("history prune failed", "err", err)
			}
		}
	}
}

func serveMetrics(ctx context.Context, endpoint string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: endpoint, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", endpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "err", err)
	}
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and local history status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			p, err := persona.Load(cfg.Agent.PersonaPath, logger)
			if err != nil {
				logger.Warn("persona", "loaded", false, "err", err)
			} else {
				logger.Info("persona", "name", p.DisplayName(), "aliases", len(p.MentionAliases()))
			}

			if _, err := os.Stat(cfg.History.DBPath); err == nil {
				logger.Info("history", "db", cfg.History.DBPath, "exists", true)
			} else {
				logger.Info("history", "db", cfg.History.DBPath, "exists", false)
			}
			logger.Info("features",
				"memory", cfg.Memory.Enabled,
				"digest", cfg.Digest.Enabled,
				"metrics", cfg.Metrics.Enabled,
			)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. agent.typingSpeed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. agent.debounceSeconds 15)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List config values with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
