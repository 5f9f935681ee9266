package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/reefworks/reefworks/pkg/client"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reefctl",
		Short: "reefctl controls the reefworks assessment job system.",
	}

	cmd.PersistentFlags().String("url", "http://localhost:8080", "Coordinator base url")

	cmd.AddCommand(
		submitCmd(),
		statusCmd(),
		cancelCmd(),
		watchCmd(),
		downloadCmd(),
	)

	return cmd
}

func clientFromFlags(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("url")
	return client.New(url)
}

func contextWithDefaultTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
