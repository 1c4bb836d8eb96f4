package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("grace version %s (%s, %s/%s)\n",
				GetVersion(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
