// Package cmd defines the CLI commands of the pagewatch worker.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/logging"
)

// Runner is the application surface the commands drive.
type Runner interface {
	RunOnce(ctx context.Context) (int, error)
	Run(ctx context.Context) error
	Enqueue(ctx context.Context, monitorID string) (string, error)
	Close()
}

// Factory builds a Runner from loaded configuration.
type Factory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error)

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// cli carries state shared by the subcommands.
type cli struct {
	cfgFile  string
	envFiles []string
	factory  Factory
	out      io.Writer

	logger *zap.Logger
	runner Runner
}

// NewRootCmd creates the root command. A nil factory connects to the real services.
func NewRootCmd(factory Factory) *cobra.Command {
	if factory == nil {
		factory = buildApp
	}
	c := &cli{factory: factory}
	cmd := &cobra.Command{
		Use:   "pagewatch",
		Short: "Change-detection worker for monitored web pages.",
		Long: `pagewatch claims due checks from Postgres, fetches each monitored page,
fingerprints its normalized text and records a change event whenever the
content differs from the previous snapshot.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", []string{".env"}, ".env files to load before reading config")

	cmd.AddCommand(newRunCmd(c))
	cmd.AddCommand(newEnqueueCmd(c))
	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	c.out = cmd.OutOrStdout()
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	c.logger = logger

	runner, err := c.factory(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.runner = runner
	return nil
}

// teardown runs after the subcommand, including when it fails.
func (c *cli) teardown() {
	if c.runner != nil {
		c.runner.Close()
		c.runner = nil
	}
}

func (c *cli) resolve() (Runner, error) {
	if c.runner == nil {
		return nil, errors.New("application services not initialized")
	}
	return c.runner, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd(nil).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pagewatch:", err)
		os.Exit(1)
	}
}
