package commands

import (
	"fmt"
	"os"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

func BuildExportCmd() *cobra.Command {
	var query string
	var searchType string
	var padding float64
	var resync float64
	var download string
	cmd := &cobra.Command{
		Use:     "export --query <query> <file>...",
		GroupID: GroupIdClientCommands,
		Short:   "Render a supercut of every segment matching a query.",
		Long: fmt.Sprintf(`
Searches the transcripts of the given files, and splices every matching
segment, in order, into a single video on the server. Prints the name of the
rendered video, which can be fetched with '%[1]s download <name>'.
`[1:], os.Args[0]),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			resp, err := client.Export(cmd.Context(), &supercutv1.ExportRequest{
				SearchRequest: supercutv1.SearchRequest{
					Files:      args,
					Query:      query,
					SearchType: searchType,
				},
				Padding: padding,
				Resync:  resync,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), resp.Message)
			fmt.Fprintln(cmd.OutOrStdout(), resp.Output)
			if download != "" {
				return downloadTo(cmd, client, resp.Output, download)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "text to search for")
	cmd.Flags().StringVarP(&searchType, "type", "t", "sentence", "search type (sentence|fragment)")
	cmd.Flags().Float64Var(&padding, "padding", 0, "seconds added before and after each segment")
	cmd.Flags().Float64Var(&resync, "resync", 0, "seconds every segment is shifted by (may be negative)")
	cmd.Flags().StringVarP(&download, "download", "d", "", "also save the rendered video to this local path")
	cmd.MarkFlagRequired("query")
	cmd.RegisterFlagCompletionFunc("type", completeSearchTypes)
	return cmd
}

func BuildDownloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "download <name>",
		GroupID: GroupIdClientCommands,
		Short:   "Download a rendered supercut.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			if output == "" {
				output = args[0]
			}
			return downloadTo(cmd, client, args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "local path to save to (default is the video's name)")
	return cmd
}

func downloadTo(cmd *cobra.Command, client *supercutv1.Client, name, path string) error {
	if path == "-" {
		_, err := client.Download(cmd.Context(), name, cmd.OutOrStdout())
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := client.Download(cmd.Context(), name, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved %s (%d bytes)\n", path, n)
	return nil
}
