package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sentinel-ai/api"
	"sentinel-ai/intake"
	"sentinel-ai/investigation"
	"sentinel-ai/llm"
	"sentinel-ai/logger"
	"sentinel-ai/notify"
	"sentinel-ai/scheduler"
	"sentinel-ai/tools"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sentinel-ai",
		Short:         "Investigate incident logs with an LLM and diagnostic tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(newServeCmd(opts), newInvestigateCmd(opts))
	return root
}

// app holds the components shared by every command.
type app struct {
	cfg      *Config
	log      logger.Logger
	registry *tools.Registry
	engine   *investigation.Engine
	notifier *notify.FeishuNotifier // nil when disabled
	pending  sync.WaitGroup
}

func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	if err := LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := buildLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClient(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    ParseDuration(cfg.LLM.Timeout, 60*time.Second),
		MaxRetries: cfg.LLM.MaxRetries,
		RetryBase:  ParseDuration(cfg.LLM.RetryBase, 500*time.Millisecond),
	}, log)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("%w: %w", investigation.ErrConfiguration, err)
	}

	registry := tools.NewRegistry(log, tools.Builtin(nil)...)
	engine := investigation.NewEngine(client, registry, log, investigation.EngineConfig{
		Model:          cfg.LLM.Model,
		SystemPrompt:   cfg.Investigation.SystemPrompt,
		MaxToolRounds:  cfg.Investigation.MaxToolRounds,
		RoundTimeout:   ParseDuration(cfg.Investigation.RoundTimeout, investigation.DefaultRoundTimeout),
		RepairAttempts: cfg.Investigation.RepairAttempts,
		ParallelTools:  cfg.Investigation.ParallelTools,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})

	a := &app{cfg: cfg, log: log, registry: registry, engine: engine}
	if cfg.Feishu.Enabled {
		a.notifier = notify.NewFeishuNotifier(notify.FeishuConfig{
			Webhook:    cfg.Feishu.Webhook,
			SignKey:    cfg.Feishu.SignKey,
			Service:    cfg.Feishu.Service,
			Owners:     cfg.Feishu.Owners,
			Timeout:    ParseDuration(cfg.Feishu.Timeout, 10*time.Second),
			RetryCount: cfg.Feishu.RetryCount,
			RetryDelay: ParseDuration(cfg.Feishu.RetryDelay, time.Second),
		}, log)
	}
	return a, nil
}

func buildLogger(cfg LoggerConfig) (logger.Logger, error) {
	level := logger.ParseLevel(cfg.Level)
	loggers := []logger.Logger{logger.NewConsole(level, cfg.Console.Color)}

	if cfg.File.Enabled {
		fileLog, err := logger.NewFile(logger.FileConfig{
			Dir:        cfg.File.Dir,
			Level:      level,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxAgeDays: cfg.File.MaxAgeDays,
			MaxBackups: cfg.File.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("init file logger: %w", err)
		}
		loggers = append(loggers, fileLog)
	}

	if cfg.Structured.Enabled {
		structLog, err := logger.NewStructured(logger.StructuredConfig{
			Path:       cfg.Structured.Path,
			Level:      level,
			MaxSizeMB:  cfg.Structured.MaxSizeMB,
			MaxAgeDays: cfg.Structured.MaxAgeDays,
			MaxBackups: cfg.Structured.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("init structured logger: %w", err)
		}
		loggers = append(loggers, structLog)
	}

	if len(loggers) == 1 {
		return loggers[0], nil
	}
	return logger.Multi(loggers...), nil
}

// notifyAsync delivers the report in the background with its own deadline so
// that it outlives the request. Delivery failures are only logged.
func (a *app) notifyAsync(res *investigation.Result) {
	if a.notifier == nil || res == nil || res.Report == nil {
		return
	}
	a.pending.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.notifier.Notify(ctx, res); err != nil {
			a.log.Error("feishu.failed",
				logger.String("investigation_id", res.ID),
				logger.Err(err),
			)
		}
	})
}

func (a *app) close() {
	a.pending.Wait()
	a.log.Close()
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP investigation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	cfg, log := a.cfg, a.log
	log.Info("sentinel.starting",
		logger.String("version", version),
		logger.String("model", cfg.LLM.Model),
		logger.Secret("api_key", cfg.LLM.APIKey),
	)

	runTimeout := ParseDuration(cfg.Scheduler.DefaultTimeout, 5*time.Minute)
	sched := scheduler.New(scheduler.Config{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: runTimeout,
	}, func(ctx context.Context, id, logs string) (*investigation.Result, error) {
		res, err := a.engine.RunWithID(ctx, id, logs)
		if err == nil {
			a.notifyAsync(res)
		}
		return res, err
	}, log)
	sched.Start()

	handler := intake.NewHandler(intake.HandlerConfig{
		AuthToken:      cfg.Server.AuthToken,
		MaxPayloadSize: cfg.Server.MaxPayloadSize,
		RateLimit:      cfg.Server.RateLimit,
	}, log, func(ctx context.Context, sub *intake.Submission) (*investigation.Result, error) {
		return sched.Do(ctx, sub.ID, sub.Logs, sub.Priority)
	})

	apiServer := api.NewServer(handler, sched, log, cfg.Server.AuthToken, api.Info{
		Version: version,
		Model:   cfg.LLM.Model,
		Tools:   a.registry.Names(),
	})

	// Investigations answer synchronously, so writes must outlast a full run.
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      runTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fatalCh := make(chan error, 1)
	go func() {
		log.Info("server.listening", logger.String("addr", cfg.Server.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server.listen_failed", logger.Err(err))
			fatalCh <- err
		}
	}()

	log.Info("sentinel.ready",
		logger.Int("concurrency", cfg.Scheduler.MaxConcurrency),
		logger.Int("queue_size", cfg.Scheduler.QueueSize),
		logger.Bool("feishu", a.notifier != nil),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("sentinel.shutdown", logger.String("signal", sig.String()))
	case runErr = <-fatalCh:
		log.Error("sentinel.fatal", logger.Err(runErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Shutdown(ctx)
	handler.StopCleanup()
	sched.Stop()

	log.Info("sentinel.stopped")
	return runErr
}
