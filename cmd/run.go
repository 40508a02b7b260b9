package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(c *cli) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process due checks",
		Long: `Without --watch, run performs one pass: the queue housekeeping tasks followed
by a single claimed batch. With --watch it polls until interrupted, running the
housekeeping tasks on their cron schedules and serving the ops HTTP endpoints
when enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.resolve()
			if err != nil {
				return err
			}
			defer c.teardown()
			if watch {
				if err := runner.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("run worker: %w", err)
				}
				return nil
			}
			n, err := runner.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("single pass: %w", err)
			}
			c.logger.Info("run finished", zap.Int("jobs", n))
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling for due checks until interrupted")
	return cmd
}
