// Command athena runs the admission API, the queue workers and the MCP
// server of the agent-run platform.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "athena",
		Short: "Admission, routing and execution of agent runs",
		Long: `athena admits agent runs over HTTP, WebSocket and MCP, routes them to
per-class queues on the broker and executes them in queue workers. Run
events stream back to clients over SSE and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newWorkerCmd(&cfgPath),
		newMCPCmd(&cfgPath),
		newDevCmd(&cfgPath),
		newDoctorCmd(&cfgPath),
		newEncryptSecretCmd(),
		newVersionCmd(),
	)
	return root
}

// defaultConfigPath honours ATHENA_CONFIG before falling back to
// ./config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("ATHENA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "athena %s (%s)\n", version, commit)
		},
	}
}
