package commands

import (
	"fmt"
	"os"
	"time"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/spf13/cobra"
)

func BuildTranscribeCmd() *cobra.Command {
	var wait bool
	var follow bool
	var maxAttempts int
	var backoff time.Duration
	var backoffMultiplier float64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "transcribe <file>...",
		GroupID: GroupIdClientCommands,
		Short:   "Transcribe videos.",
		Long: fmt.Sprintf(`
Submits a transcription job for the given server-side files, and prints its ID
if it was accepted.

The job runs in the background and is retried on failure according to its
retry policy; fields left unset use the server's defaults.

To check the status of the job, use the command '%[1]s status <id>'.
To stream the output of the job, use the command '%[1]s output <id>'.
`[1:], os.Args[0]),
		Example: fmt.Sprintf(`
  Submit a job and return immediately:
    $ %[1]s transcribe data/uploads/1700000000000.mp4

  Submit a job and wait for its result, printing progress:
    $ %[1]s transcribe --follow --max-attempts=5 --backoff=2s data/uploads/1700000000000.mp4

  Transcribe synchronously, without the job queue:
    $ %[1]s transcribe --wait data/uploads/1700000000000.mp4
`[1:], os.Args[0]),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			req := &supercutv1.TranscribeRequest{
				Files:       args,
				MaxAttempts: maxAttempts,
				Timeout:     timeout.Milliseconds(),
			}
			if cmd.Flags().Changed("backoff") || cmd.Flags().Changed("backoff-multiplier") {
				req.Backoff = &supercutv1.Backoff{
					InitialDelay: backoff.Milliseconds(),
					Multiplier:   backoffMultiplier,
				}
			}
			if wait {
				transcripts, err := client.TranscribeWait(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), transcripts)
			}
			id, err := client.Transcribe(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !follow {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "job", id, "submitted")
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			var last jobs.Status
			for {
				st, err := client.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				if st.State != last.State || st.Progress != last.Progress || st.Attempts != last.Attempts {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d%% (attempt %d/%d)\n", st.State, st.Progress, st.Attempts, st.MaxAttempts)
					last = *st
				}
				switch st.State {
				case jobs.StateCompleted:
					return printJSON(cmd.OutOrStdout(), st.Result)
				case jobs.StateFailed:
					return fmt.Errorf("job %s failed: %s", id, st.FailureReason)
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "transcribe synchronously and print the transcripts")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for the job to finish, printing its progress")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum number of attempts (default is the server's)")
	cmd.Flags().DurationVar(&backoff, "backoff", 0, "delay before the first retry (default is the server's)")
	cmd.Flags().Float64Var(&backoffMultiplier, "backoff-multiplier", 0, "factor applied to the delay after each retry")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "time limit of each attempt (default is the server's)")
	cmd.MarkFlagsMutuallyExclusive("wait", "follow")
	return cmd
}
