package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tesslate/studio/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "studio",
	Short: "Studio - AI app builder orchestration backend",
	Long: `Studio runs project environments for an AI app builder: dev containers
on a local containerd engine or a Kubernetes cluster, an agent loop with
workspace tools, preview routing, and hibernation to object storage,
delivered as a single binary.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Studio version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "Studio server address")
	rootCmd.PersistentFlags().String("token", os.Getenv("STUDIO_TOKEN"), "Bearer token (defaults to $STUDIO_TOKEN)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Studio version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// apiClient builds a client from the persistent connection flags.
func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.New(server, token)
}
