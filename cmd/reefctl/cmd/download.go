package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download jobId",
		Short: "Prints signed download urls for a finished job's artifacts.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pathFilter, _ := cmd.Flags().GetString("path")
			expiry, _ := cmd.Flags().GetDuration("expiry")

			ctx, cancel := contextWithDefaultTimeout()
			defer cancel()
			resp, err := clientFromFlags(cmd).DownloadUrls(ctx, args[0], pathFilter, expiry)
			if err != nil {
				return err
			}
			for _, artifact := range resp.Artifacts {
				fmt.Printf("%s\t%d\t%s\n", artifact.Path, artifact.Size, artifact.Url)
			}
			return nil
		},
	}
	cmd.Flags().String("path", "", "Only include artifacts whose path has this prefix")
	cmd.Flags().Duration("expiry", time.Hour, "How long the urls stay valid")
	return cmd
}
