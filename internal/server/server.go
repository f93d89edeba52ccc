// Package server exposes sweep triggers, checkpoints and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/client/embedded"
)

const (
	maxPayloadBytes    = 1 << 20
	defReadTimeout     = 10 * time.Second
	defWriteTimeout    = 10 * time.Second
	defShutdownTimeout = 30 * time.Second
)

// Jobs reads and resumes sweeps by job ID. *sweep.Resumer implements it.
type Jobs interface {
	GetCheckpoint(ctx context.Context, jobID uuid.UUID) (sweep.Checkpoint, bool, error)
	ResumeJob(ctx context.Context, jobID uuid.UUID) error
}

type (
	// Server is the HTTP surface of a sweep deployment.
	Server struct {
		addr            string
		invoker         sweep.Invoker
		codec           sweep.Codec
		jobs            Jobs
		targets         map[string]struct{}
		metrics         http.Handler
		shutdownTimeout time.Duration
	}

	// Option configures a Server.
	Option func(*Server)

	// InvocationResponse is the body of an accepted invocation.
	InvocationResponse struct {
		JobID  uuid.UUID `json:"jobId"`
		Target string    `json:"target"`
	}

	// CheckpointResponse is the body of GET /jobs/{jobID}.
	CheckpointResponse struct {
		JobID            uuid.UUID       `json:"jobId"`
		Target           string          `json:"target"`
		Status           sweep.RunStatus `json:"status"`
		Cursor           sweep.Cursor    `json:"cursor"`
		Generation       int64           `json:"generation"`
		DispatchAttempts int64           `json:"dispatchAttempts"`
		ErrorMessage     string          `json:"errorMessage,omitempty"`
		UpdatedAt        time.Time       `json:"updatedAt"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// WithJobs mounts the job endpoints.
func WithJobs(jobs Jobs) Option {
	return func(s *Server) {
		s.jobs = jobs
	}
}

// WithTargets restricts invocations to the given targets. Without it the
// invoker decides which targets exist.
func WithTargets(targets ...string) Option {
	return func(s *Server) {
		s.targets = make(map[string]struct{}, len(targets))
		for _, t := range targets {
			s.targets[t] = struct{}{}
		}
	}
}

// WithMetrics mounts the handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithShutdownTimeout bounds the graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates a server accepting invocations for the invoker.
func New(addr string, invoker sweep.Invoker, codec sweep.Codec, opts ...Option) (*Server, error) {
	if invoker == nil {
		return nil, sweep.ErrInvokerNotSet
	}
	if codec == nil {
		return nil, sweep.ErrCodecNotProvided
	}
	s := &Server{
		addr:            addr,
		invoker:         invoker,
		codec:           codec,
		shutdownTimeout: defShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the router with all routes wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth())
	r.Post("/targets/{target}/invocations", s.handleInvocation())

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	if s.jobs != nil {
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob())
			r.Post("/resume", s.handleResumeJob())
		})
	}

	return r
}

// ListenAndServe serves until ctx is done and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  defReadTimeout,
		WriteTimeout: defWriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slogctx.Info(ctx, "server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
	}
}

// handleInvocation starts an execution of the target. A fresh event without
// job ID is assigned one so the caller can follow the sweep.
func (s *Server) handleInvocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := chi.URLParam(r, "target")
		ctx := slogctx.With(r.Context(), "target", target)

		if s.targets != nil {
			if _, ok := s.targets[target]; !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", sweep.ErrUnknownTarget, target))
				return
			}
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(body) > maxPayloadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
			return
		}

		event := sweep.Event{}
		if len(body) > 0 {
			event, err = s.codec.DecodeEvent(body)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		if event.JobID == uuid.Nil {
			event.JobID = uuid.New()
		}
		event.Target = target

		payload, err := s.codec.EncodeEvent(event)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if err := s.invoker.FireAndForget(ctx, target, payload); err != nil {
			if errors.Is(err, embedded.ErrUnknownTarget) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			slogctx.Error(ctx, "invocation failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}

		slogctx.Debug(ctx, "invocation accepted", "jobID", event.JobID)
		writeJSON(w, http.StatusAccepted, InvocationResponse{JobID: event.JobID, Target: target})
	}
}

func (s *Server) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		checkpoint, ok, err := s.jobs.GetCheckpoint(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, sweep.ErrCheckpointNotFound)
			return
		}

		writeJSON(w, http.StatusOK, CheckpointResponse{
			JobID:            checkpoint.ID,
			Target:           checkpoint.Target,
			Status:           checkpoint.Status,
			Cursor:           checkpoint.Cursor,
			Generation:       checkpoint.Generation,
			DispatchAttempts: checkpoint.DispatchAttempts,
			ErrorMessage:     checkpoint.ErrorMessage,
			UpdatedAt:        time.Unix(0, checkpoint.UpdatedAt).UTC(),
		})
	}
}

func (s *Server) handleResumeJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		err = s.jobs.ResumeJob(r.Context(), jobID)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, sweep.ErrCheckpointNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, sweep.ErrJobAlreadyDone), errors.Is(err, sweep.ErrJobInProgress),
			errors.Is(err, sweep.ErrJobGenerationsExhausted):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusServiceUnavailable, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
