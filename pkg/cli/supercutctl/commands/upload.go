package commands

import (
	"fmt"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

func BuildUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "upload <file>...",
		GroupID: GroupIdClientCommands,
		Short:   "Upload videos to the server.",
		Long: `
Uploads local video files and prints the server-side path of each one. These
paths are what the other commands expect as file arguments.
`[1:],
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ok := supercutv1.ClientFromContext(cmd.Context())
			if !ok {
				cmd.PrintErrln("failed to get client from context")
				return nil
			}
			files, err := client.Upload(cmd.Context(), args...)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	return cmd
}
