// Package main is the entry point for the cellexpr server and tools.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/cellexpr/pkg/api"
	grpcapi "github.com/lemonberrylabs/cellexpr/pkg/api/grpc"
	"github.com/lemonberrylabs/cellexpr/pkg/config"
	"github.com/lemonberrylabs/cellexpr/pkg/runtime"
	"github.com/lemonberrylabs/cellexpr/pkg/store"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "cellexpr",
	Short:         "Arithmetic expressions over dense array attributes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST and gRPC servers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.Version = version + " (commit=" + commit + ", built=" + date + ")"
	rootCmd.SetVersionTemplate("cellexpr version {{.Version}}\n")

	serveCmd.Flags().String("config", "", "YAML configuration file (env CONFIG)")
	serveCmd.Flags().String("host", "", "Bind address (default 0.0.0.0, env HOST)")
	serveCmd.Flags().Int("port", 0, "HTTP server port (default 8787, env PORT)")
	serveCmd.Flags().Int("grpc-port", 0, "gRPC server port (default 8788, env GRPC_PORT)")
	serveCmd.Flags().String("store", "", "bbolt file to persist arrays and queries in (env STORE_PATH)")
	serveCmd.Flags().String("arrays-dir", "", "Directory of array schema YAML/JSON files to register (env ARRAYS_DIR)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn or error (env LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, parseCmd, checkCmd, evalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration: defaults, then the config file,
// then environment variables, then flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return config.Config{}, err
	}

	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Server.HTTPPort = v
	}
	if v, _ := cmd.Flags().GetInt("grpc-port"); v != 0 {
		cfg.Server.GRPCPort = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Path = v
	}
	if v, _ := cmd.Flags().GetString("arrays-dir"); v != "" {
		cfg.ArraysDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	s := store.New()
	if cfg.Store.Path != "" {
		if s, err = store.Open(cfg.Store.Path); err != nil {
			return err
		}
		defer s.Close()
		level.Info(logger).Log("msg", "opened store", "path", cfg.Store.Path, "arrays", len(s.ListArrays()))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := runtime.NewEngine(s, runtime.Options{
		CacheSize:           cfg.Engine.CacheSize,
		MaxExpressionLength: cfg.Engine.MaxExpressionLength,
		Logger:              logger,
		Registerer:          reg,
	})
	if err != nil {
		return err
	}

	server := api.New(engine, logger, reg)
	if cfg.ArraysDir != "" {
		if _, err := server.LoadDir(cfg.ArraysDir); err != nil {
			level.Warn(logger).Log("msg", "failed to load arrays directory", "dir", cfg.ArraysDir, "err", err)
		}
	}

	grpcServer := grpcapi.New(engine, logger)
	go func() {
		level.Info(logger).Log("msg", "gRPC server listening", "addr", cfg.GRPCAddr())
		if err := grpcServer.Serve(cfg.GRPCAddr()); err != nil {
			level.Error(logger).Log("msg", "gRPC server error", "err", err)
			os.Exit(1)
		}
	}()

	go shutdownOnSignal(logger, server, grpcServer)

	level.Info(logger).Log("msg", "cellexpr listening", "addr", cfg.HTTPAddr(), "version", version)
	if err := server.Listen(cfg.HTTPAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func shutdownOnSignal(logger log.Logger, server *api.Server, grpcServer *grpcapi.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	level.Info(logger).Log("msg", "shutting down")
	grpcServer.GracefulStop()
	if err := server.Shutdown(); err != nil {
		level.Error(logger).Log("msg", "error during shutdown", "err", err)
	}
}
