package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/poem-engine/internal/database"
	"github.com/snarg/poem-engine/internal/joblog"
	"github.com/snarg/poem-engine/internal/pipeline"
)

type fakeExecutor struct {
	err error
}

func (f fakeExecutor) Run(ctx context.Context, jobID string, req pipeline.Request, jl *joblog.Log) (*pipeline.Result, error) {
	jl.Logger.Debug().Msg("rendering")
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{
		JobID:        jobID,
		ArtifactPath: "craigslist/seattle/sofa.mp4",
		Metadata:     map[string]string{"runtime": "12.000"},
	}, nil
}

type fakeLedger struct {
	inserted []database.Job
	finished []database.JobOutcome
}

func (f *fakeLedger) InsertJob(ctx context.Context, j database.Job) error {
	f.inserted = append(f.inserted, j)
	return nil
}

func (f *fakeLedger) FinishJob(ctx context.Context, o database.JobOutcome) error {
	f.finished = append(f.finished, o)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakePublisher) Publish(jobID string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event.(Event))
	return nil
}

func newTestRunner(t *testing.T, exec Executor) (*Runner, *fakeLedger, *fakePublisher, string) {
	t.Helper()
	dir := t.TempDir()
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	r := NewRunner(RunnerOptions{
		Executor: exec,
		Ledger:   ledger,
		Events:   pub,
		LogDir:   dir,
		Log:      zerolog.Nop(),
	})
	return r, ledger, pub, dir
}

func TestRunner_Success(t *testing.T) {
	r, ledger, pub, dir := newTestRunner(t, fakeExecutor{})

	id, res, err := r.Run(context.Background(), "", SourceHTTP, pipeline.Request{SourceBucketDir: "ads"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "craigslist/seattle/sofa.mp4", res.ArtifactPath)

	require.Len(t, ledger.inserted, 1)
	assert.Equal(t, id, ledger.inserted[0].ID)
	assert.Equal(t, SourceHTTP, ledger.inserted[0].Source)
	assert.Equal(t, 0, ledger.inserted[0].LogNumber)
	var req pipeline.Request
	require.NoError(t, json.Unmarshal(ledger.inserted[0].Request, &req))
	assert.Equal(t, "ads", req.SourceBucketDir)

	require.Len(t, ledger.finished, 1)
	assert.Equal(t, database.JobSucceeded, ledger.finished[0].Status)
	assert.Equal(t, "12.000", ledger.finished[0].Metadata["runtime"])

	require.Len(t, pub.events, 2)
	assert.Equal(t, database.JobRunning, pub.events[0].Status)
	assert.Equal(t, database.JobSucceeded, pub.events[1].Status)
	assert.Equal(t, "craigslist/seattle/sofa.mp4", pub.events[1].Artifact)

	data, err := os.ReadFile(filepath.Join(dir, "log-0.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "rendering")
	assert.Contains(t, string(data), id)
}

func TestRunner_Failure(t *testing.T) {
	failure := &pipeline.Error{Kind: pipeline.KindNoTimedEntities, Op: "align", Err: errors.New("nothing spoken")}
	r, ledger, pub, _ := newTestRunner(t, fakeExecutor{err: failure})

	id, res, err := r.Run(context.Background(), "job-7", SourceMQTT, pipeline.Request{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, "job-7", id)

	require.Len(t, ledger.finished, 1)
	assert.Equal(t, database.JobFailed, ledger.finished[0].Status)
	assert.Equal(t, "NoTimedEntities", ledger.finished[0].Kind)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, database.JobFailed, last.Status)
	assert.Equal(t, "NoTimedEntities", last.Kind)
	assert.Contains(t, last.Error, "nothing spoken")
}

func TestRunner_NumbersLogsPerJob(t *testing.T) {
	r, ledger, _, _ := newTestRunner(t, fakeExecutor{})
	for i := 0; i < 3; i++ {
		_, _, err := r.Run(context.Background(), "", SourceCLI, pipeline.Request{})
		require.NoError(t, err)
	}
	require.Len(t, ledger.inserted, 3)
	for i, j := range ledger.inserted {
		assert.Equal(t, i, j.LogNumber)
	}
}

func TestRunner_WithoutLedgerOrEvents(t *testing.T) {
	r := NewRunner(RunnerOptions{Executor: fakeExecutor{}, LogDir: t.TempDir(), Log: zerolog.Nop()})
	_, res, err := r.Run(context.Background(), "", SourceCLI, pipeline.Request{})
	require.NoError(t, err)
	assert.NotNil(t, res)
}
