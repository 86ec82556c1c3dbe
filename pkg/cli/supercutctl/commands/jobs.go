package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

func BuildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"list"},
		GroupID: GroupIdClientCommands,
		Short:   "Show all transcription jobs.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			list, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			tab := table.NewWriter()
			tab.AppendHeader(table.Row{"JOB ID", "STATE", "PROGRESS", "ATTEMPTS", "FILES", "CREATED"})
			for _, st := range list {
				tab.AppendRow(table.Row{
					st.ID,
					st.State,
					fmt.Sprintf("%d%%", st.Progress),
					fmt.Sprintf("%d/%d", st.Attempts, st.MaxAttempts),
					len(st.Files),
					st.CreatedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tab.Render())
			return nil
		},
	}

	return cmd
}
