package commands

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

func BuildSearchCmd() *cobra.Command {
	var query string
	var searchType string
	var output string
	cmd := &cobra.Command{
		Use:     "search --query <query> <file>...",
		GroupID: GroupIdClientCommands,
		Short:   "Search transcripts for a query.",
		Long: `
Searches the transcripts of the given files. With --type=sentence (the
default) whole sentences matching the query are returned; with
--type=fragment only the matching words are.
`[1:],
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			matches, err := client.Search(cmd.Context(), &supercutv1.SearchRequest{
				Files:      args,
				Query:      query,
				SearchType: searchType,
			})
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), matches)
			}
			tab := table.NewWriter()
			tab.AppendHeader(table.Row{"FILE", "START", "END", "CONTENT"})
			tab.SetColumnConfigs([]table.ColumnConfig{
				{Number: 2, Align: text.AlignRight},
				{Number: 3, Align: text.AlignRight},
				{Number: 4, WidthMax: 80},
			})
			for _, m := range matches {
				tab.AppendRow(table.Row{
					m.File,
					fmt.Sprintf("%.2f", m.Start),
					fmt.Sprintf("%.2f", m.End),
					strings.TrimSpace(m.Content),
				})
			}
			tab.AppendFooter(table.Row{"", "", "MATCHES", len(matches)})
			fmt.Fprintln(cmd.OutOrStdout(), tab.Render())
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "text to search for")
	cmd.Flags().StringVarP(&searchType, "type", "t", "sentence", "search type (sentence|fragment)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (json|table)")
	cmd.MarkFlagRequired("query")
	cmd.RegisterFlagCompletionFunc("type", completeSearchTypes)
	cmd.RegisterFlagCompletionFunc("output", cobra.FixedCompletions([]string{"json", "table"}, cobra.ShellCompDirectiveNoFileComp))
	return cmd
}
