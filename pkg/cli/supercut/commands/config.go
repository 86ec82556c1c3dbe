package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func BuildConfigCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		Long: `
Prints the configuration the server would run with, after applying the
configuration file, environment variables, flags and defaults. Tokens are
redacted.
`[1:],
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.load(cmd)
			if err != nil {
				return err
			}
			redacted := make(map[string]string, len(opts.Tokens))
			for user := range opts.Tokens {
				redacted[user] = "<redacted>"
			}
			opts.Tokens = redacted
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&opts)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
