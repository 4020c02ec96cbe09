package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asnode/txcore/cmd/serve"
)

const Version = "0.1.0"

var (
	RootCmd = &cobra.Command{
		Use:   "txcore",
		Short: "distributed key-value transaction core",
		Long: fmt.Sprintf(`txcore (v%s)

The connection reactor, transaction pipeline, batch engine, and UDF
pipeline of a distributed key-value store's request-processing core.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of txcore",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("txcore v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
