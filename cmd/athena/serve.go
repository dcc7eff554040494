package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"athena/internal/adapter/audit"
	"athena/internal/adapter/gateway"
	"athena/internal/adapter/httpapi"
	"athena/internal/adapter/notify"
	"athena/internal/domain"
	"athena/internal/usecase/admission"
	"athena/internal/usecase/bridge"
	"athena/internal/usecase/rpc"
)

var agentClasses = []domain.QueueClass{domain.QueuePublic, domain.QueueSensitive}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP admission API, the live bridges and the RPC gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
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
			return runGroup(ctx, tasks...)
		},
	}
}

// stack is everything built on top of the broker connection.
type stack struct {
	bus       bus
	runs      runStore
	admission *admission.Service
	runtime   *runtime
	rpc       *rpc.Service
	audit     *audit.FileLog
}

// openStack connects the broker and stores and builds a runtime holding the
// registries of classes.
func (a *app) openStack(ctx context.Context, classes []domain.QueueClass) (*stack, error) {
	b, pub, err := a.openBus(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := a.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	schedules, err := a.openSchedules(rc)
	if err != nil {
		return nil, err
	}
	runs, err := a.openRuns()
	if err != nil {
		return nil, err
	}
	docs, err := a.openDocs()
	if err != nil {
		return nil, err
	}
	trail, err := a.openAudit()
	if err != nil {
		return nil, err
	}
	var auditor domain.Auditor
	if trail != nil {
		auditor = trail
	}
	rt, err := a.buildRuntime(runtimeDeps{
		Classes:   classes,
		Tasks:     b,
		Publisher: pub,
		Schedules: schedules,
		Docs:      docs,
		Redis:     rc,
		Auditor:   auditor,
	})
	if err != nil {
		return nil, err
	}
	adm := a.admission(b)
	return &stack{
		bus:       b,
		runs:      runs,
		admission: adm,
		runtime:   rt,
		rpc:       a.rpcService(rt, adm, runs),
		audit:     trail,
	}, nil
}

// serveTasks returns the long-running parts of the serve process: the HTTP
// API, the optional RPC gateway and the scheduler.
func (a *app) serveTasks(st *stack) ([]func(context.Context) error, error) {
	var chat httpapi.ChatActor
	if token := a.cfg.Webhook.TelegramToken; token != "" {
		chat = notify.NewTelegramNotifier(token, a.logger)
	}
	api := httpapi.NewServer(httpapi.Deps{
		Admission: st.admission,
		Events:    st.bus,
		Chat:      chat,
		HTTP:      a.cfg.HTTP,
		Webhook:   a.cfg.Webhook,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	tasks := []func(context.Context) error{api.Start}

	if a.cfg.Gateway.Enabled {
		tasks = append(tasks, a.gateway(st.rpc, st.bus).Start)
	}

	sched, err := a.scheduler(st.admission, st.runs, st.audit)
	if err != nil {
		return nil, err
	}
	tasks = append(tasks, func(ctx context.Context) error {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return sched.Stop()
	})
	return tasks, nil
}

// gateway builds the WebSocket RPC gateway over svc.
func (a *app) gateway(svc *rpc.Service, events domain.Subscriber) *gateway.Server {
	gc := a.cfg.Gateway
	pump := bridge.NewPump(events, a.cfg.HTTP.WSPollInterval, a.logger)
	gw := gateway.NewServer(gateway.NewStaticTokenAuth(gc.Auth.Tokens), gc.Addr, a.logger,
		gateway.WithEvents(pump),
		gateway.WithOriginPatterns(a.cfg.HTTP.WSOriginPatterns...),
	)
	gateway.RegisterRPC(gw, svc)
	gw.RegisterHTTPRoute("/api/v1/status", gw.StatusHandler(a.cfg.Service.Name, version, time.Now()))
	return gw
}

// runGroup runs every task until the first one returns, then cancels the
// rest and waits for them. Cancellation errors are not reported.
func runGroup(ctx context.Context, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := task(ctx)
			cancel()
			errc <- err
		}()
	}
	wg.Wait()
	close(errc)

	var errs []error
	for err := range errc {
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
