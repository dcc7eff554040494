package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"athena/internal/adapter/mcpserver"
	"athena/internal/infra/config"
)

func newMCPCmd(cfgPath *string) *cobra.Command {
	var caller string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the RPC methods as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			if cfg.Logger.Output == "stdout" {
				cfg.Logger.Output = "stderr"
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openStack(ctx, agentClasses)
			if err != nil {
				return err
			}
			srv := mcpserver.New(st.rpc, cfg.Service.Name, version, a.logger, mcpserver.WithCaller(caller))
			return srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "mcp", "actor recorded on runs started over MCP")
	return cmd
}
