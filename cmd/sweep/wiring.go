package main

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/client/amqp"
	"github.com/openkcm/sweep/client/embedded"
	"github.com/openkcm/sweep/client/redis"
	"github.com/openkcm/sweep/client/solace"
	"github.com/openkcm/sweep/codec"
	"github.com/openkcm/sweep/internal/config"
	"github.com/openkcm/sweep/store/query"
	"github.com/openkcm/sweep/store/sql"
)

const redispatchTimeout = 30 * time.Second

var ErrUnknownCodec = errors.New("unknown codec")

type (
	// broker is the transport continuations travel through. receiver is nil
	// when executions are not consumed from the broker.
	broker struct {
		invoker  sweep.Invoker
		receiver sweep.Receiver
		close    func(ctx context.Context) error
	}

	sweepJob struct {
		cfg        config.Sweep
		dispatcher *sweep.ContinuationDispatcher
		job        *sweep.BatchJob[sql.Row]
	}
)

func newCodec(name string) (sweep.Codec, error) {
	switch name {
	case config.CodecJSON:
		return codec.JSON{}, nil
	case config.CodecProto:
		return codec.Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// newBroker connects to the configured broker. Without one, continuations
// run in-process on local.
func newBroker(ctx context.Context, cfg config.Broker, local *embedded.Client) (broker, error) {
	switch cfg.Kind {
	case config.BrokerAMQP:
		var opts []amqp.ClientOption
		if cfg.AMQP.Username != "" {
			opts = append(opts, amqp.WithBasicAuth(cfg.AMQP.Username, cfg.AMQP.Password))
		}
		client, err := amqp.NewClient(ctx, amqp.ConnectionInfo{
			URL:    cfg.AMQP.URL,
			Target: cfg.AMQP.Target,
			Source: cfg.AMQP.Source,
		}, opts...)
		if err != nil {
			return broker{}, err
		}
		b := broker{invoker: client, close: client.Close}
		if cfg.AMQP.Source != "" {
			b.receiver = client
		}
		return b, nil

	case config.BrokerRedis:
		var opts []redis.ClientOption
		if cfg.Redis.Queue != "" {
			opts = append(opts, redis.WithQueueKey(cfg.Redis.Queue))
		}
		client, err := redis.NewClient(ctx, redis.ConnectionInfo{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, opts...)
		if err != nil {
			return broker{}, err
		}
		return broker{invoker: client, receiver: client, close: client.Close}, nil

	case config.BrokerSolace:
		var opts []solace.ClientOption
		if cfg.Solace.Username != "" {
			opts = append(opts, solace.WithBasicAuth(cfg.Solace.Username, cfg.Solace.Password, cfg.Solace.CADir))
		}
		client, err := solace.NewClient(solace.ConnectionInfo{
			Host:   cfg.Solace.Host,
			VPN:    cfg.Solace.VPN,
			Target: cfg.Solace.Target,
			Source: cfg.Solace.Source,
		}, opts...)
		if err != nil {
			return broker{}, err
		}
		b := broker{invoker: client, close: client.Close}
		if cfg.Solace.Source != "" {
			b.receiver = client
		}
		return b, nil

	default:
		return broker{invoker: local, close: func(context.Context) error { return nil }}, nil
	}
}

// newSweepJobs builds one batch job per configured sweep. Every row of a
// sweep runs the statement of the sweep with the row key.
func newSweepJobs(
	db *stdsql.DB,
	dialect sql.Dialect,
	invoker sweep.Invoker,
	cdc sweep.Codec,
	repo *sweep.Repository,
	recorder sweep.MetricsRecorder,
	exec config.Execution,
	sweeps []config.Sweep,
) ([]sweepJob, error) {
	jobs := make([]sweepJob, 0, len(sweeps))
	for _, s := range sweeps {
		dispatcher, err := sweep.NewContinuationDispatcher(s.Target, invoker, cdc)
		if err != nil {
			return nil, fmt.Errorf("sweep %q: %w", s.Target, err)
		}

		opts := []sql.SourceOption{
			sql.WithSourceDialect(dialect),
			sql.WithPageSize(s.PageSize),
		}
		for _, f := range s.Filters {
			opts = append(opts, sql.WithFilter(f.Column, query.Operator(f.Operator), f.Value))
		}
		source, err := sql.NewSource(db, s.Table, s.Key, opts...)
		if err != nil {
			return nil, fmt.Errorf("sweep %q: %w", s.Target, err)
		}

		job, err := sweep.NewBatchJob(
			sweep.Operation(s.Operation),
			source,
			sql.ExecHandler(db, s.Statement, s.Key),
			dispatcher,
			sweep.WithTimeNeededToRecurse(exec.TimeNeededToRecurse),
			sweep.WithDispatchAttempts(exec.DispatchAttempts),
			sweep.WithMaxGenerations(exec.MaxGenerations),
			sweep.WithStalledAfter(exec.Timeout),
			sweep.WithItemLimit(s.ItemLimit),
			sweep.WithRepository(repo),
			sweep.WithMetrics(recorder),
		)
		if err != nil {
			return nil, fmt.Errorf("sweep %q: %w", s.Target, err)
		}
		jobs = append(jobs, sweepJob{cfg: s, dispatcher: dispatcher, job: job})
	}
	return jobs, nil
}

func resumerConfig(cfg config.Resumer, exec config.Execution) sweep.Config {
	return sweep.Config{
		RedispatchWorkerConfig: sweep.WorkerConfig{
			NoOfWorkers:  1,
			ExecInterval: cfg.Interval,
			Timeout:      redispatchTimeout,
		},
		CheckpointLimitNum:     cfg.Limit,
		BackoffBaseIntervalSec: cfg.BackoffBaseSec,
		BackoffMaxIntervalSec:  cfg.BackoffMaxSec,
		MaxDispatchAttempts:    cfg.MaxDispatchAttempts,
		StalledAfter:           exec.Timeout,
	}
}
