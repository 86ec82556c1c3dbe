package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

func BuildStatusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "status <job-id>",
		GroupID: GroupIdClientCommands,
		Short:   "Show the status of a transcription job.",
		Long: `
Shows the status of a transcription job, including its current state,
progress, attempts, and the result or failure reason once it has finished.
`[1:],
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeJobIds,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			st, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch output {
			case "json":
				return printJSON(cmd.OutOrStdout(), st)
			case "text":
				tab := table.NewWriter()
				tab.SetStyle(table.StyleLight)
				tab.AppendRows([]table.Row{
					{"JOB ID", st.ID},
					{"STATE", st.State},
					{"PROGRESS", fmt.Sprintf("%d%%", st.Progress)},
					{"ATTEMPTS", fmt.Sprintf("%d/%d", st.Attempts, st.MaxAttempts)},
					{"FILES", strings.Join(st.Files, "\n")},
					{"CREATED", st.CreatedAt.Local().Format(time.DateTime)},
					{"UPDATED", st.UpdatedAt.Local().Format(time.DateTime)},
				})
				if st.Owner != "" {
					tab.AppendRow(table.Row{"OWNER", st.Owner})
				}
				if st.Failed {
					tab.AppendRow(table.Row{"FAILURE", st.FailureReason})
				}
				fmt.Fprintln(cmd.OutOrStdout(), tab.Render())
				return nil
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (json|text)")
	cmd.RegisterFlagCompletionFunc("output", cobra.FixedCompletions([]string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp))
	return cmd
}
