package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"athena/internal/domain"
	"athena/internal/usecase/router"
)

func newWorkerCmd(cfgPath *string) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume one routing-class queue",
		Long: `worker binds to exactly one queue. The public and sensitive workers
execute agent runs from their own registry; the gateway worker delivers
notifications.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if queue == "" {
				queue = a.cfg.Worker.Queue
			}
			q := domain.QueueClass(queue)
			var classes []domain.QueueClass
			if q != domain.QueueGateway {
				classes = []domain.QueueClass{q}
			}
			st, err := a.openStack(ctx, classes)
			if err != nil {
				return err
			}
			w, err := a.worker(st, q)
			if err != nil {
				return err
			}
			return runGroup(ctx, w.Run)
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue to consume: public, sensitive or gateway (default worker.queue)")
	return cmd
}

// worker binds q on the stack's broker. Agent classes execute through the
// stack's engine; the gateway class only notifies.
func (a *app) worker(st *stack, q domain.QueueClass) (*router.Worker, error) {
	var exec router.Executor
	if q != domain.QueueGateway {
		exec = st.runtime.Engine
	}
	return router.New(router.Config{
		Queue:     q,
		Consumer:  st.bus,
		Executor:  exec,
		Notifier:  a.notifier(),
		Runs:      st.runs,
		SoftLimit: a.cfg.Worker.SoftTimeLimit,
		HardLimit: a.cfg.Worker.HardTimeLimit,
		Logger:    a.logger,
	})
}

// workerTasks returns one consumer per queue.
func (a *app) workerTasks(st *stack, queues ...domain.QueueClass) ([]func(context.Context) error, error) {
	tasks := make([]func(context.Context) error, 0, len(queues))
	for _, q := range queues {
		w, err := a.worker(st, q)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, w.Run)
	}
	return tasks, nil
}
