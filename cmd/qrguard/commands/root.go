package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X ...".
var Version = "0.1.0"

const defaultConfigFile = "config.yaml"

// NewRootCommand builds the qrguard command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "qrguard",
		Short: "Security monitoring and access control engine",
		Long: `qrguard tracks login and API traffic, applies rate limits, keeps an
audit trail and answers role and team access checks for the
QR dashboard.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "configuration file")

	configPath := func() string { return cfgFile }
	root.AddCommand(
		newServeCommand(configPath),
		newReportCommand(configPath),
		newConfigCommand(configPath),
		newTokenCommand(configPath),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
