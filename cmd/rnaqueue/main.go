// Package main is the rnaqueue binary: the HTTP API, the dispatchers, and a
// few operator commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lovelumine/rnaqueue/config"
	"github.com/lovelumine/rnaqueue/redis"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rnaqueue"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "tRNA job dispatch service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(flags), workerCmd(flags), tokenCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

// loadConfig reads the config and applies the command line overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, unless disabled, the dispatchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, runOptions{serveAPI: true, dispatch: !noDispatch})
		},
	}
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "Only accept submissions; leave processing to workers")
	return cmd
}

func workerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the dispatchers with only health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, runOptions{dispatch: true})
		},
	}
}

func tokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	var (
		userID int64
		ttl    time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return errors.New("--user must be a positive id")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client := redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer client.Close()
			token, err := redis.NewTokenAuthenticator(client).Issue(cmd.Context(), userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().Int64Var(&userID, "user", 0, "User id the token resolves to")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, 0 never expires")
	_ = issue.MarkFlagRequired("user")
	cmd.AddCommand(issue)
	return cmd
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// serveHTTP runs srv until ctx is done and then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
