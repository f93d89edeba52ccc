package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/client/embedded"
	"github.com/openkcm/sweep/internal/config"
	"github.com/openkcm/sweep/internal/metrics"
	"github.com/openkcm/sweep/internal/schedule"
	"github.com/openkcm/sweep/internal/server"
	"github.com/openkcm/sweep/store/sql"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured sweeps and the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

//nolint:funlen
func serve(ctx context.Context, cfg *config.Config) error {
	db, dialect, err := sql.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := sql.New(ctx, db, sql.WithDialect(dialect))
	if err != nil {
		return err
	}
	repo := sweep.NewRepository(store)

	cdc, err := newCodec(cfg.Codec)
	if err != nil {
		return err
	}
	m := metrics.New()

	local, err := embedded.NewClient(cdc, embedded.WithExecutionTimeout(cfg.Execution.Timeout))
	if err != nil {
		return err
	}
	b, err := newBroker(ctx, cfg.Broker, local)
	if err != nil {
		return err
	}
	serving := false
	defer func() {
		if serving {
			return
		}
		if err := b.close(context.WithoutCancel(ctx)); err != nil {
			slogctx.Error(ctx, "failed to close broker", "error", err)
		}
	}()

	jobs, err := newSweepJobs(db, dialect, b.invoker, cdc, repo, m, cfg.Execution, cfg.Sweeps)
	if err != nil {
		return err
	}

	var consumer *sweep.Consumer
	if b.receiver != nil {
		consumer, err = sweep.NewConsumer(b.receiver, cdc,
			sweep.WithNumberOfWorkers(cfg.Execution.Workers),
			sweep.WithExecutionTimeout(cfg.Execution.Timeout),
		)
		if err != nil {
			return err
		}
	}

	scheduler := schedule.NewScheduler()
	targets := make([]string, 0, len(jobs))
	dispatchers := make([]*sweep.ContinuationDispatcher, 0, len(jobs))
	for _, j := range jobs {
		targets = append(targets, j.cfg.Target)
		dispatchers = append(dispatchers, j.dispatcher)
		if err := local.Register(j.cfg.Target, j.job); err != nil {
			return err
		}
		if consumer != nil {
			if err := consumer.RegisterHandler(j.cfg.Target, j.job); err != nil {
				return err
			}
		}
		if j.cfg.Schedule != "" {
			if err := scheduler.Register(j.cfg.Schedule, j.dispatcher, nil); err != nil {
				return err
			}
		}
	}

	resumer, err := sweep.NewResumer(repo,
		sweep.WithDispatchers(dispatchers...),
		sweep.WithWorkDoneFunc(m.ObserveWork),
	)
	if err != nil {
		return err
	}
	resumer.Config = resumerConfig(cfg.Resumer, cfg.Execution)

	srv, err := server.New(cfg.Listen, b.invoker, cdc,
		server.WithJobs(resumer),
		server.WithTargets(targets...),
		server.WithMetrics(m.Handler()),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	if err != nil {
		return err
	}

	slogctx.Info(ctx, "starting sweep", "version", version, "broker", cfg.Broker.Kind, "sweeps", len(jobs))

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	if cfg.Resumer.Enabled {
		if err := resumer.Start(ctx); err != nil {
			_ = scheduler.Stop(ctx)
			return err
		}
	}

	serving = true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Listen(gctx)
		})
	}

	err = g.Wait()
	shutdown(ctx, cfg, scheduler, resumer, local, b)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown stops the producers of executions first and then waits for the
// executions themselves.
func shutdown(ctx context.Context, cfg *config.Config, scheduler *schedule.Scheduler, resumer *sweep.Resumer, local *embedded.Client, b broker) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(ctx); err != nil {
		slogctx.Error(ctx, "failed to stop scheduler", "error", err)
	}
	if cfg.Resumer.Enabled {
		if err := resumer.Stop(ctx); err != nil {
			slogctx.Error(ctx, "failed to stop resumer", "error", err)
		}
	}
	if err := local.Close(ctx); err != nil {
		slogctx.Error(ctx, "failed to wait for running executions", "error", err)
	}
	if err := b.close(ctx); err != nil {
		slogctx.Error(ctx, "failed to close broker", "error", err)
	}
	slogctx.Info(ctx, "sweep stopped")
}
