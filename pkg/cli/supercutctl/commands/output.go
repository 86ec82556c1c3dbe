package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeLines writes stdout lines to out and stderr lines to errOut.
func writeLines(cmd *cobra.Command) func(supercutv1.LogLine) error {
	return func(l supercutv1.LogLine) error {
		w := cmd.OutOrStdout()
		if l.Channel == logstream.Stderr {
			w = cmd.ErrOrStderr()
		}
		_, err := fmt.Fprint(w, l.Text)
		return err
	}
}

// interrupted reports whether a stream ended because the user pressed Ctrl-C.
func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

func BuildOutputCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "output <job-id>",
		GroupID: GroupIdClientCommands,
		Short:   "Stream the output of a transcription job.",
		Long: `
Streams the combined stdout and stderr of the latest attempt of a job.

If the attempt is still running, this will continue to stream the output in
real time until either the attempt ends, or the command is interrupted with
Ctrl-C. Output is only available for attempts that ran since the server last
started.
`[1:],
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeJobIds,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			err := client.JobOutput(cmd.Context(), args[0], writeLines(cmd))
			if err != nil && !interrupted(cmd.Context()) {
				return err
			}
			return nil
		},
	}
	return cmd
}

func BuildLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "logs",
		GroupID: GroupIdClientCommands,
		Short:   "Follow the output of every engine process on the server.",
		Long: `
Streams the output of every engine process the server runs from now on, until
the command is interrupted with Ctrl-C or the server shuts down. Output that
was produced before connecting is not shown.
`[1:],
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			err := client.Logs(cmd.Context(), writeLines(cmd))
			if err != nil && !interrupted(cmd.Context()) {
				return err
			}
			return nil
		},
	}
	return cmd
}
