package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flapi/flapi/engine/cache"
	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/engine/heartbeat"
	"github.com/flapi/flapi/engine/infra/server"
	"github.com/flapi/flapi/engine/mcpserver"
	"github.com/flapi/flapi/engine/pipeline"
	"github.com/flapi/flapi/pkg/logger"
	"github.com/flapi/flapi/pkg/tplengine"
)

const defaultConfigFile = "flapi.yaml"

// ServeCmd starts the gateway: config load, engine open, cache warmup,
// heartbeat worker and the HTTP listener.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			logLevel, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return err
			}
			logJSON, err := cmd.Flags().GetBool("log-json")
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), configFile, logLevel, logJSON)
		},
	}
	cmd.Flags().StringP("config", "c", defaultConfigFile, "Path to the gateway configuration file")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "Emit logs as JSON")
	return cmd
}

func runServe(parent context.Context, configFile, logLevel string, logJSON bool) error {
	logCfg := logger.DefaultConfig()
	logCfg.Level = logger.LogLevel(logLevel)
	logCfg.JSON = logJSON
	log := logger.New(logCfg)
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.ContextWithLogger(ctx, log)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	log.Info("configuration loaded", "project", cfg.ProjectName, "base_path", cfg.BasePath())

	tpl, err := tplengine.New(cfg.Template.EnvironmentWhitelist)
	if err != nil {
		return err
	}
	store, err := config.NewStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("endpoint discovery failed: %w", err)
	}
	log.Info("endpoints loaded", "count", len(store.Snapshot()))

	db, err := duck.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("engine startup failed: %w", err)
	}

	cacheEng := cache.New(db, tpl, cfg)
	if err := cacheEng.Init(ctx); err != nil {
		db.Close(ctx)
		return fmt.Errorf("cache initialization failed: %w", err)
	}
	cacheEng.Warmup(ctx, store.Snapshot())

	pipe := pipeline.New(store, db, tpl, cacheEng)
	worker := heartbeat.New(cfg, store, pipe, cacheEng, db)

	watcher, err := config.NewWatcher(ctx, store)
	if err != nil {
		log.Warn("template watcher unavailable, reload via DELETE /config only", "error", err)
	}

	srv := server.New(cfg, store, db, pipe, worker, watcher)
	srv.MountMCP(mcpserver.New(ctx, cfg.ProjectName, pipe, tpl).Handler())
	return srv.Run(ctx)
}
