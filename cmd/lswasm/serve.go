package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/filter"
	"github.com/caffeineduck/lswasm/hostfunc"
	"github.com/caffeineduck/lswasm/internal/config"
	"github.com/caffeineduck/lswasm/internal/logging"
	"github.com/caffeineduck/lswasm/sandbox"
	"github.com/caffeineduck/lswasm/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveOptions struct {
	configFile   string
	modules      stringSliceValue
	env          stringSliceValue
	pluginConfig string
}

func addServeFlags(cmd *cobra.Command, opts *serveOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "Config file (YAML, TOML or JSON)")
	f.Var(&opts.modules, "module", "Filter module to load (repeatable)")
	f.Var(&opts.env, "env", "Environment entry KEY=VALUE for the filters (repeatable)")
	f.StringVar(&opts.pluginConfig, "plugin-config", "", "Plugin configuration passed to --module filters")

	f.IntP("port", "p", 8080, "TCP port to listen on")
	f.String("uds", "", "Unix socket path to listen on (wins over --port)")
	f.Int64("max-request-bytes", server.DefaultMaxRequestBytes, "Largest request accepted, headers and body together")
	f.Int("max-conns", 0, "Connections served at once (0 = unbounded)")
	f.Bool("fail-closed", false, "Answer 500 when a filter fails instead of skipping it")
	f.String("memory", "", "Memory limit per filter: 1mb, 16mb, 64mb, 256mb, 1gb")
	f.String("cache-dir", "", "Directory for the compilation cache (disabled when empty)")
	f.String("guest-log-level", "info", "Level reported to filters by proxy_get_log_level")
	f.String("log-level", "info", "Operator log level: debug, info, warn, error")
	f.String("log-format", "console", "Operator log format: console or json")
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	if _, err := config.ParseEnv(opts.env); err != nil {
		return err
	}

	cfg, err := config.Load(opts.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if len(opts.modules) > 0 {
		cfg.Modules = config.FlagModules(opts.modules, opts.pluginConfig)
	}
	cfg.Env = append(cfg.Env, opts.env...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := newManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())

	// A module that fails to load is logged by the manager and left out.
	var failed int
	for _, m := range cfg.Modules {
		err := mgr.LoadModuleFile(ctx, m.Name, m.Path, cfg.ModuleEnv(m),
			filter.WithVMConfig([]byte(m.VMConfig)),
			filter.WithPluginConfig([]byte(m.PluginConfig)),
		)
		if err != nil {
			failed++
		}
	}

	policy := filter.FailOpen
	if cfg.FailClosed {
		policy = filter.FailClosed
	}
	pipeline := filter.NewPipeline(mgr, filter.WithFailurePolicy(policy))
	handler := server.NewHandler(mgr, pipeline, logger)

	srv := server.New(handler,
		server.WithLogger(logger),
		server.WithMaxRequestBytes(cfg.MaxRequestBytes),
		server.WithMaxConns(cfg.MaxConns),
	)
	logger.Info("starting",
		zap.Strings("modules", mgr.ListModules()),
		zap.Int("failed_modules", failed),
		zap.Stringer("failure_policy", policy),
	)
	return srv.ListenAndServe(ctx, cfg.Port, cfg.UDS)
}

func newManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*filter.Manager, error) {
	pages, err := sandbox.ParseMemoryLimit(cfg.Memory)
	if err != nil {
		return nil, err
	}
	guestLevel, _ := abi.ParseLogLevel(cfg.GuestLogLevel)

	opts := []sandbox.Option{
		sandbox.WithMemoryLimit(pages),
		sandbox.WithOutput(os.Stderr, os.Stderr),
	}
	if cfg.CacheDir != "" {
		opts = append(opts, sandbox.WithDiskCache(cfg.CacheDir))
	}

	shared := hostfunc.NewSharedData(hostfunc.SharedDataConfig{
		MaxKeySize:   cfg.SharedData.MaxKeySize,
		MaxValueSize: cfg.SharedData.MaxValueSize,
		MaxEntries:   cfg.SharedData.MaxEntries,
	})
	registry := hostfunc.NewProxyRegistry(hostfunc.WithSharedData(shared))

	rt, err := sandbox.New(ctx, registry, opts...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return filter.NewManager(filter.NewWazeroEngine(rt),
		filter.WithLogger(logger),
		filter.WithGuestLogLevel(guestLevel),
	), nil
}
