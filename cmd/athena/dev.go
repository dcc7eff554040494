package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"athena/internal/domain"
	"athena/internal/infra/config"
)

func newDevCmd(cfgPath *string) *cobra.Command {
	var persist bool

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the API and one worker per queue in a single process",
		Long: `dev runs serve and the public, sensitive and gateway workers in one
process over the in-memory broker. Redis is replaced by an in-process
client and, unless --persist is set, the run and document stores live in
memory and the audit trail is off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			devConfig(cfg, persist)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openStack(ctx, agentClasses)
			if err != nil {
				return err
			}
			tasks, err := a.serveTasks(st)
			if err != nil {
				return err
			}
			workers, err := a.workerTasks(st, domain.QueuePublic, domain.QueueSensitive, domain.QueueGateway)
			if err != nil {
				return err
			}
			a.logger.Info("dev mode: in-memory broker", "http_addr", cfg.HTTP.Addr)
			return runGroup(ctx, append(tasks, workers...)...)
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "keep run and document stores in the configured SQLite files")
	return cmd
}

// devConfig points cfg at in-process backends.
func devConfig(cfg *config.Config, persist bool) {
	cfg.Broker.Driver = "memory"
	cfg.Redis.Addr = ""
	if cfg.Schedule.Backend == "redis" {
		cfg.Schedule.Backend = "memory"
	}
	if !persist {
		cfg.Store.RunsPath = ""
		cfg.Store.DocsPath = ""
		cfg.Audit.Path = ""
	}
}
