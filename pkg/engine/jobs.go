package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Work is the unit of work a job executes. Anything written to out is captured
// as the job's output.
type Work func(ctx context.Context, out io.Writer) error

// JobResult is the outcome of a joined job.
type JobResult struct {
	Name     string        `json:"name"`
	State    JobState      `json:"state"`
	Output   string        `json:"output"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the job finished without error.
func (r JobResult) Succeeded() bool {
	return r.State == JobSucceeded
}

// Job is a handle to work running on its own goroutine.
type Job struct {
	name  string
	state atomic.Int32
	out   lockedBuffer
	done  chan struct{}

	// Written by the job goroutine before done is closed.
	err      error
	duration time.Duration
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// State returns the job's current state.
func (j *Job) State() JobState {
	return JobState(j.state.Load())
}

// Done returns a channel that is closed when the job terminates.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Join blocks until the job terminates and returns its result.
func (j *Job) Join() JobResult {
	<-j.done
	return JobResult{
		Name:     j.name,
		State:    j.State(),
		Output:   j.out.String(),
		Err:      j.err,
		Duration: j.duration,
	}
}

// Runner launches jobs. The zero value is ready to use.
type Runner struct {
	// Observer, if set, is called from the job goroutine with each result as the
	// job terminates.
	Observer func(JobResult)

	wg sync.WaitGroup
}

// NewRunner creates a runner that reports finished jobs to observer, which may be nil.
func NewRunner(observer func(JobResult)) *Runner {
	return &Runner{Observer: observer}
}

// Start launches work on a new goroutine and returns immediately. A panic inside
// work is recovered and reported as the job's error.
func (r *Runner) Start(ctx context.Context, name string, work Work) *Job {
	job := &Job{name: name, done: make(chan struct{})}
	job.state.Store(int32(JobPending))

	r.wg.Add(1)
	job.state.Store(int32(JobRunning))
	go func() {
		defer r.wg.Done()
		start := time.Now()

		err := runRecovered(ctx, name, work, &job.out)

		job.duration = time.Since(start)
		job.err = err
		if err != nil {
			job.state.Store(int32(JobFailed))
		} else {
			job.state.Store(int32(JobSucceeded))
		}
		close(job.done)

		if r.Observer != nil {
			r.Observer(job.Join())
		}
	}()
	return job
}

// Wait blocks until every job started by the runner has terminated.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func runRecovered(ctx context.Context, name string, work Work, out io.Writer) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewPermanentError(fmt.Sprintf("job %s panicked: %v", name, rec), nil).
				WithSubject(name).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	return work(ctx, out)
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
