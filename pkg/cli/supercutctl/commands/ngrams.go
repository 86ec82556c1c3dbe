package commands

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

func BuildNgramsCmd() *cobra.Command {
	var n int
	var output string
	cmd := &cobra.Command{
		Use:     "ngrams <file>...",
		GroupID: GroupIdClientCommands,
		Short:   "Show the most frequent n-grams in transcripts.",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			counts, err := client.Ngrams(cmd.Context(), &supercutv1.NgramsRequest{
				Files: args,
				N:     n,
			})
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), counts)
			}
			tab := table.NewWriter()
			tab.AppendHeader(table.Row{"NGRAM", "COUNT"})
			for _, c := range counts {
				tab.AppendRow(table.Row{strings.Join(c.Ngram, " "), c.Count})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tab.Render())
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "size", "n", 1, "number of words per n-gram")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (json|table)")
	cmd.RegisterFlagCompletionFunc("output", cobra.FixedCompletions([]string{"json", "table"}, cobra.ShellCompDirectiveNoFileComp))
	return cmd
}
