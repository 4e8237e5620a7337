package embed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

// JobState is the lifecycle state of a batch embedding job.
type JobState string

const (
	JobPending            JobState = "pending"
	JobRunning            JobState = "running"
	JobCompleted          JobState = "completed"
	JobFailed             JobState = "failed"
	JobPartiallyCompleted JobState = "partially_completed"
)

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartiallyCompleted
}

// DefaultPoolSize bounds concurrent batch jobs.
const DefaultPoolSize = 4

// Sink receives a finished job's vectors. Failed items have a nil
// vector at their index.
type Sink func(ctx context.Context, vectors [][]float32, failures []apperrors.ItemFailure) error

// JobStatus is a point-in-time snapshot of a job.
type JobStatus struct {
	ID         string
	State      JobState
	Total      int
	Failed     int
	Err        error
	CreatedAt  time.Time
	FinishedAt time.Time
}

type job struct {
	id        string
	state     JobState
	total     int
	failed    int
	err       error
	createdAt time.Time
	finished  time.Time
	done      chan struct{}
}

// Manager runs embedding jobs on a bounded worker pool. Individual
// item failures never abort a job; they are collected and reported
// through the job's terminal state.
type Manager struct {
	client *Client
	pool   *ants.Pool

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewManager creates a job manager over client with poolSize workers.
func NewManager(client *Client, poolSize int) (*Manager, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, apperrors.InternalError("failed to create worker pool", err)
	}
	return &Manager{
		client: client,
		pool:   pool,
		jobs:   make(map[string]*job),
	}, nil
}

// Submit enqueues a job embedding texts and delivering results to
// sink. Returns the job ID immediately; the work runs on the pool.
// The job outlives ctx cancellation once enqueued.
func (m *Manager) Submit(ctx context.Context, texts []string, sink Sink) (string, error) {
	if len(texts) == 0 {
		return "", apperrors.InvalidInput("no texts to embed")
	}

	j := &job{
		id:        uuid.NewString(),
		state:     JobPending,
		total:     len(texts),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	// Detach from the caller's context so a disconnecting client does
	// not abandon work already accepted
	runCtx := context.WithoutCancel(ctx)

	err := m.pool.Submit(func() {
		m.run(runCtx, j, texts, sink)
	})
	if err != nil {
		m.finish(j, JobFailed, 0, apperrors.InternalError("failed to enqueue job", err))
		return j.id, nil
	}
	return j.id, nil
}

func (m *Manager) run(ctx context.Context, j *job, texts []string, sink Sink) {
	m.mu.Lock()
	if j.state == JobPending {
		j.state = JobRunning
	}
	m.mu.Unlock()

	vectors, failures := m.client.EmbedEach(ctx, texts)

	if sink != nil {
		if err := sink(ctx, vectors, failures); err != nil {
			m.finish(j, JobFailed, len(failures), err)
			return
		}
	}

	switch {
	case len(failures) == 0:
		m.finish(j, JobCompleted, 0, nil)
	case len(failures) == len(texts):
		m.finish(j, JobFailed, len(failures), &apperrors.PartialFailure{Total: len(texts), Failures: failures})
	default:
		m.finish(j, JobPartiallyCompleted, len(failures), &apperrors.PartialFailure{Total: len(texts), Failures: failures})
	}
}

// finish moves a job to a terminal state exactly once.
func (m *Manager) finish(j *job, state JobState, failed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.state.Terminal() {
		return
	}
	j.state = state
	j.failed = failed
	j.err = err
	j.finished = time.Now()
	close(j.done)

	if err != nil {
		slog.Warn("embedding job finished with errors",
			"job_id", j.id, "state", string(state), "failed", failed, "total", j.total)
	} else {
		slog.Debug("embedding job completed", "job_id", j.id, "total", j.total)
	}
}

// Status returns a snapshot of the job, or false if unknown.
func (m *Manager) Status(id string) (JobStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return JobStatus{
		ID:         j.id,
		State:      j.state,
		Total:      j.total,
		Failed:     j.failed,
		Err:        j.err,
		CreatedAt:  j.createdAt,
		FinishedAt: j.finished,
	}, true
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (JobStatus, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return JobStatus{}, apperrors.New(apperrors.ErrCodeNotFound, "unknown job", nil)
	}

	select {
	case <-j.done:
		status, _ := m.Status(id)
		return status, nil
	case <-ctx.Done():
		return JobStatus{}, ctx.Err()
	}
}

// Close releases the worker pool. Running jobs are allowed to finish.
func (m *Manager) Close() {
	m.pool.Release()
}
