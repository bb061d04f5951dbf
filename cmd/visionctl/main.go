// Command visionctl is the operator CLI for a running vision-bridge.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/vision-bridge/internal/httputil"
)

var (
	apiAddr    string
	grpcTarget string

	// apiClient is built from --addr before any subcommand runs.
	apiClient *httputil.APIClient
)

var rootCmd = &cobra.Command{
	Use:          "visionctl",
	Short:        "Inspect and command a vision-bridge",
	Long:         `visionctl reads detections from a vision-bridge and forwards commands to its sensor.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = httputil.NewAPIClient(apiAddr, nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "Bridge HTTP API base URL")
	rootCmd.PersistentFlags().StringVar(&grpcTarget, "grpc", "localhost:50051", "Bridge gRPC address, used by watch")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
