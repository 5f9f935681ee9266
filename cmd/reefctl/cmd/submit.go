package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/reefworks/reefworks/internal/jobs"
	"github.com/reefworks/reefworks/pkg/api"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submits an assessment job.",
		Long:  `Submits a job with a JSON payload read from a file or stdin. Resubmitting identical input returns the existing job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, _ := cmd.Flags().GetString("type")
			userId, _ := cmd.Flags().GetString("user")
			payloadFile, _ := cmd.Flags().GetString("payload")

			payload, err := readPayload(payloadFile)
			if err != nil {
				return err
			}

			ctx, cancel := contextWithDefaultTimeout()
			defer cancel()
			resp, err := clientFromFlags(cmd).SubmitJob(ctx, &api.SubmitJobRequest{
				Type:    jobs.JobType(jobType),
				UserId:  userId,
				Payload: payload,
			})
			if err != nil {
				return err
			}
			if resp.Duplicate {
				fmt.Printf("Job %s already active for this input\n", resp.JobId)
			} else {
				fmt.Printf("Submitted job %s\n", resp.JobId)
			}
			return nil
		},
	}
	cmd.Flags().String("type", "", "Job type to submit")
	cmd.Flags().String("user", "", "User submitting the job")
	cmd.Flags().String("payload", "-", "Path to the JSON payload, - for stdin")
	return cmd
}

func readPayload(path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read payload")
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}
