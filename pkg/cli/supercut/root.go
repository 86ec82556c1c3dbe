package supercut

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kralicky/supercut/pkg/cli/supercut/commands"
	"github.com/kralicky/supercut/pkg/logger"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
func BuildRootCmd() *cobra.Command {
	var logLevel string
	rootCmd := &cobra.Command{
		Use:          "supercut",
		Short:        "Transcribe, search and splice videos.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.SetLevel(logLevel)
		},
	}

	rootCmd.AddCommand(
		commands.BuildServeCmd(),
		commands.BuildConfigCmd(),
	)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the configured level")

	return rootCmd
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
