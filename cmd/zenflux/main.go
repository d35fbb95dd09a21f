// Package main is the CLI entry point for the zenflux agent runtime.
//
// zenflux hosts the session engine, the agent execution loop, and the
// HTTP/SSE/WebSocket gateway on a local machine. The model provider is an
// integration seam: embedders register an implementation of agent.Provider
// before starting the loop.
//
// # Basic Usage
//
// Start the server:
//
//	zenflux serve --config zenflux.yaml
//
// Inspect the resolved skills catalogue:
//
//	zenflux skills list
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zenflux",
		Short:         "Local agent runtime: session engine, execution loop, and gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildSkillsCmd(),
		buildVersionCmd(),
	)
	return root
}
