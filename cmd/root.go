package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oofteerapud02/blynk-server/cmd/gen"
	"github.com/oofteerapud02/blynk-server/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "A cloud relay between hardware devices and the apps that control them",
	Long: `A cloud relay between hardware devices and the apps that control them.

Devices and apps hold persistent TCP connections to the relay, which binds
them into per-user sessions and routes pin data between them.
`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("relay %s (%s, %s, %s)\n",
			info.Version, info.Build, info.GoVersion, info.Platform)
	},
}

func init() {
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
