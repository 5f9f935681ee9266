package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch jobId",
		Short: "Streams a job's state changes until it finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			updates := clientFromFlags(cmd).WatchJob(ctx, args[0], interval)
			for job := range updates {
				fmt.Printf("%s  %s  %s\n", time.Now().Format(time.RFC3339), job.Id, job.Status)
			}
			return nil
		},
	}
	cmd.Flags().Duration("interval", 2*time.Second, "Poll interval")
	return cmd
}
