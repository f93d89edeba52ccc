package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/client/embedded"
	sweephttp "github.com/openkcm/sweep/client/http"
	"github.com/openkcm/sweep/internal/config"
)

const requestTimeout = 30 * time.Second

var ErrResumeRejected = errors.New("resume rejected")

type triggerOptions struct {
	server string
	jobID  string
	cursor string
	data   string
}

func triggerCmd() *cobra.Command {
	var opts triggerOptions
	cmd := &cobra.Command{
		Use:   "trigger <target>",
		Short: "Start a sweep or continue one from a cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			event, err := opts.event(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := trigger(ctx, cfg, opts.server, event); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "triggered %s (job %s)\n", event.Target, event.JobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "Base URL of the sweep server, used without a broker")
	cmd.Flags().StringVar(&opts.jobID, "job-id", "", "Job ID to take over from its checkpoint, a new one is generated when empty")
	cmd.Flags().StringVar(&opts.cursor, "cursor", "", `Cursor to continue from, e.g. {"marker":"42","index":3}`)
	cmd.Flags().StringVar(&opts.data, "data", "", "Application data handed to every execution")
	return cmd
}

func (o triggerOptions) event(target string) (sweep.Event, error) {
	event := sweep.Event{
		JobID:  uuid.New(),
		Target: target,
	}
	if o.jobID != "" {
		id, err := uuid.Parse(o.jobID)
		if err != nil {
			return sweep.Event{}, fmt.Errorf("invalid job id: %w", err)
		}
		event.JobID = id
	}
	if o.cursor != "" {
		var cursor sweep.Cursor
		if err := json.Unmarshal([]byte(o.cursor), &cursor); err != nil {
			return sweep.Event{}, fmt.Errorf("invalid cursor: %w", err)
		}
		event.Cursor = &cursor
	}
	if o.data != "" {
		event.Data = []byte(o.data)
	}
	return event, event.Validate()
}

// trigger sends the event through the configured broker. Without a broker it
// is posted to the server, which runs it in-process.
func trigger(ctx context.Context, cfg *config.Config, server string, event sweep.Event) error {
	cdc, err := newCodec(cfg.Codec)
	if err != nil {
		return err
	}

	var invoker sweep.Invoker
	if cfg.Broker.Kind == config.BrokerNone {
		client, err := sweephttp.NewClient(server)
		if err != nil {
			return err
		}
		invoker = client
	} else {
		// the local client is never used when a broker is configured
		local, err := embedded.NewClient(cdc)
		if err != nil {
			return err
		}
		b, err := newBroker(ctx, cfg.Broker, local)
		if err != nil {
			return err
		}
		defer b.close(context.WithoutCancel(ctx))
		invoker = b.invoker
	}

	dispatcher, err := sweep.NewContinuationDispatcher(event.Target, invoker, cdc)
	if err != nil {
		return err
	}
	return dispatcher.Trigger(ctx, event)
}

func resumeCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a stalled sweep from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := resume(ctx, http.DefaultClient, server, jobID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed job %s\n", jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the sweep server")
	return cmd
}

func resume(ctx context.Context, client *http.Client, server string, jobID uuid.UUID) error {
	base, err := url.Parse(server)
	if err != nil {
		return err
	}
	endpoint := base.JoinPath("jobs", jobID.String(), "resume")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrResumeRejected, resp.StatusCode, body)
	}
	return nil
}
