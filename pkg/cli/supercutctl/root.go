package supercutctl

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/cli/supercutctl/commands"
	"github.com/kralicky/supercut/pkg/logger"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
func BuildRootCmd() *cobra.Command {
	var logLevel string
	var clientOptions supercutv1.ClientOptions
	cmd := &cobra.Command{
		Use:          "supercutctl",
		Short:        "Command-line client for the supercut server.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.SetLevel(logLevel); err != nil {
				return err
			}
			if cmd.GroupID != commands.GroupIdClientCommands {
				return nil
			}
			if clientOptions.Token == "" {
				clientOptions.Token = os.Getenv("SUPERCUT_TOKEN")
			}
			client, err := supercutv1.NewClient(clientOptions)
			if err != nil {
				return err
			}
			cmd.SetContext(supercutv1.ContextWithClient(cmd.Context(), client))
			return nil
		},
	}

	cmd.AddGroup(&cobra.Group{
		ID:    commands.GroupIdClientCommands,
		Title: "Client Commands:",
	})

	cmd.InitDefaultCompletionCmd()
	cmd.InitDefaultHelpCmd()

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVarP(&clientOptions.Address, "address", "a", supercutv1.DefaultAddress, "address of the supercut server")
	cmd.PersistentFlags().StringVar(&clientOptions.Token, "token", "", "bearer token (default $SUPERCUT_TOKEN)")
	cmd.PersistentFlags().StringVar(&clientOptions.CaCertFile, "cacert", "", "path to the server's CA certificate")
	cmd.PersistentFlags().StringVar(&clientOptions.CertFile, "cert", "", "path to a client certificate")
	cmd.PersistentFlags().StringVar(&clientOptions.KeyFile, "key", "", "path to a client key")
	cmd.MarkFlagsRequiredTogether("cert", "key")

	cmd.AddCommand(
		commands.BuildUploadCmd(),
		commands.BuildTranscribeCmd(),
		commands.BuildStatusCmd(),
		commands.BuildJobsCmd(),
		commands.BuildOutputCmd(),
		commands.BuildLogsCmd(),
		commands.BuildSearchCmd(),
		commands.BuildNgramsCmd(),
		commands.BuildExportCmd(),
		commands.BuildDownloadCmd(),
	)

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, ca := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer ca()
	if err := BuildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
