// Package jobs runs pipeline jobs with bookkeeping: a numbered job log, the
// optional database ledger, status events and metrics. WorkerPool runs them
// asynchronously.
package jobs

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/database"
	"github.com/snarg/poem-engine/internal/joblog"
	"github.com/snarg/poem-engine/internal/metrics"
	"github.com/snarg/poem-engine/internal/pipeline"
)

// Job sources.
const (
	SourceHTTP    = "http"
	SourceAPI     = "api"
	SourceMQTT    = "mqtt"
	SourceWatcher = "watcher"
	SourceCLI     = "cli"
)

// Executor runs one job.
type Executor interface {
	Run(ctx context.Context, jobID string, req pipeline.Request, jl *joblog.Log) (*pipeline.Result, error)
}

// Ledger persists job state.
type Ledger interface {
	InsertJob(ctx context.Context, j database.Job) error
	FinishJob(ctx context.Context, o database.JobOutcome) error
}

// Publisher sends job status events.
type Publisher interface {
	Publish(jobID string, event any) error
}

// Event is a job status change.
type Event struct {
	JobID    string            `json:"job_id"`
	Status   string            `json:"status"`
	Source   string            `json:"source"`
	Kind     string            `json:"kind,omitempty"`
	Error    string            `json:"error,omitempty"`
	Artifact string            `json:"artifact_path,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Log      int               `json:"log"`
	Time     time.Time         `json:"time"`
}

// RunnerOptions configures a Runner. Ledger and Events are optional.
type RunnerOptions struct {
	Executor     Executor
	Ledger       Ledger
	Events       Publisher
	LogDir       string
	Console      io.Writer
	ConsoleLevel zerolog.Level
	Log          zerolog.Logger
}

// Runner wraps job execution with bookkeeping.
type Runner struct {
	opts RunnerOptions
	log  zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{opts: opts, log: opts.Log.With().Str("component", "jobs").Logger()}
}

// NewID returns a fresh job ID.
func NewID() string {
	return uuid.NewString()
}

// Run executes one job synchronously. An empty jobID is replaced with a new
// one; the returned ID is always the one used.
func (r *Runner) Run(ctx context.Context, jobID, source string, req pipeline.Request) (string, *pipeline.Result, error) {
	if jobID == "" {
		jobID = NewID()
	}
	start := time.Now()

	jl, err := joblog.Open(r.opts.LogDir, jobID, r.opts.Console, r.opts.ConsoleLevel)
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Msg("job log unavailable, logging to console only")
		jl = &joblog.Log{Number: -1, Logger: r.log.With().Str("job_id", jobID).Logger()}
	}
	defer jl.Close()

	r.recordStart(ctx, jobID, source, req, jl.Number)
	r.publish(Event{JobID: jobID, Status: database.JobRunning, Source: source, Log: jl.Number})

	res, runErr := r.opts.Executor.Run(ctx, jobID, req, jl)

	elapsed := time.Since(start)
	metrics.JobDuration.Observe(elapsed.Seconds())

	ev := Event{JobID: jobID, Source: source, Log: jl.Number}
	outcome := database.JobOutcome{ID: jobID}
	if runErr != nil {
		kind := pipeline.KindOf(runErr)
		metrics.JobsTotal.WithLabelValues("failed", string(kind)).Inc()
		ev.Status, ev.Kind, ev.Error = database.JobFailed, string(kind), runErr.Error()
		outcome.Status, outcome.Kind, outcome.Error = database.JobFailed, string(kind), runErr.Error()
		jl.Logger.Error().Err(runErr).Str("kind", string(kind)).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		metrics.JobsTotal.WithLabelValues("succeeded", "").Inc()
		ev.Status, ev.Artifact, ev.Metadata = database.JobSucceeded, res.ArtifactPath, res.Metadata
		outcome.Status, outcome.ArtifactPath, outcome.Metadata = database.JobSucceeded, res.ArtifactPath, res.Metadata
		jl.Logger.Info().Str("artifact", res.ArtifactPath).Dur("elapsed", elapsed).Msg("job succeeded")
	}

	r.recordFinish(ctx, outcome)
	r.publish(ev)
	return jobID, res, runErr
}

func (r *Runner) recordStart(ctx context.Context, jobID, source string, req pipeline.Request, logNumber int) {
	if r.opts.Ledger == nil {
		return
	}
	body, err := json.Marshal(req)
	if err != nil {
		body = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.Ledger.InsertJob(ctx, database.Job{
		ID:        jobID,
		Source:    source,
		Status:    database.JobRunning,
		Request:   body,
		LogNumber: logNumber,
	}); err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job start")
	}
}

func (r *Runner) recordFinish(ctx context.Context, o database.JobOutcome) {
	if r.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.Ledger.FinishJob(ctx, o); err != nil {
		r.log.Warn().Err(err).Str("job_id", o.ID).Msg("failed to record job outcome")
	}
}

func (r *Runner) publish(ev Event) {
	if r.opts.Events == nil {
		return
	}
	ev.Time = time.Now().UTC()
	if err := r.opts.Events.Publish(ev.JobID, ev); err != nil {
		r.log.Warn().Err(err).Str("job_id", ev.JobID).Str("status", ev.Status).Msg("failed to publish job event")
	}
}
