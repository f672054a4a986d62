package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out(cmd), "qrguard %s\n", Version)
			fmt.Fprintf(out(cmd), "go      %s\n", runtime.Version())
			fmt.Fprintf(out(cmd), "os/arch %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
