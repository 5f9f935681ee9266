package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status jobId",
		Short: "Shows the current state of a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextWithDefaultTimeout()
			defer cancel()
			job, err := clientFromFlags(cmd).GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel jobId",
		Short: "Cancels a job that has not finished.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextWithDefaultTimeout()
			defer cancel()
			job, err := clientFromFlags(cmd).CancelJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s is now %s\n", job.Id, job.Status)
			return nil
		},
	}
}
