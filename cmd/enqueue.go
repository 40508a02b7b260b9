package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newEnqueueCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <monitor-id>",
		Short: "Queue an immediate check for a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := c.resolve()
			if err != nil {
				return err
			}
			defer c.teardown()
			monitorID := strings.TrimSpace(args[0])
			if monitorID == "" {
				return errors.New("monitor id is required")
			}
			jobID, err := runner.Enqueue(cmd.Context(), monitorID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, jobID)
			return err
		},
	}
}
