// Package queue serializes outbound sends: jobs are delivered one at a time,
// in enqueue order, through whichever adapter is current when the job starts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/coldsend/internal/telemetry"
	"github.com/chaz8081/coldsend/internal/transport"
)

// Kind is the payload type of a job.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusError  Status = "error"
)

// ErrNoAdapter is recorded on jobs drained while no adapter is set.
var ErrNoAdapter = errors.New("queue: no transport adapter")

// Job is one unit of outbound work.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"type"`
	Status     Status          `json:"status"`
	Text       string          `json:"text,omitempty"`
	File       *transport.File `json:"file,omitempty"`
	Meta       transport.Meta  `json:"meta"`
	Adapter    string          `json:"adapter,omitempty"` // set when the job starts
	ReceivedAt time.Time       `json:"receivedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool { return j.Status != StatusQueued }

// Options configures a Queue.
type Options struct {
	History  int       // terminal jobs kept for Get; 0 means the default
	OnFinish func(Job) // called from the drain goroutine after each job
}

// DefaultHistory is the number of finished jobs kept when Options.History is 0.
const DefaultHistory = 256

// Queue is a FIFO of jobs drained by a single goroutine that exists only
// while there is work.
type Queue struct {
	adapter  func() transport.Adapter
	history  int
	onFinish func(Job)

	mu       sync.Mutex
	pending  []*Job
	inFlight *Job
	running  bool
	idle     chan struct{} // closed while no drain goroutine runs
	jobs     map[string]*Job
	finished []string // terminal job ids, oldest first
}

// New creates a queue that delivers through the adapter returned by current
// at the moment each job starts.
func New(current func() transport.Adapter, opts Options) *Queue {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		adapter:  current,
		history:  opts.History,
		onFinish: opts.OnFinish,
		idle:     idle,
		jobs:     make(map[string]*Job),
	}
}

// EnqueueText queues a text job and returns it in its queued state.
func (q *Queue) EnqueueText(text string, meta transport.Meta) Job {
	return q.enqueue(&Job{Kind: KindText, Text: text, Meta: meta})
}

// EnqueueFile queues a file job and returns it in its queued state.
func (q *Queue) EnqueueFile(f transport.File, meta transport.Meta) Job {
	return q.enqueue(&Job{Kind: KindFile, File: &f, Meta: meta})
}

func (q *Queue) enqueue(j *Job) Job {
	j.ID = uuid.NewString()
	j.Status = StatusQueued
	j.ReceivedAt = time.Now()

	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.jobs[j.ID] = j
	snapshot := *j
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	depth := q.depthLocked()
	q.mu.Unlock()

	telemetry.QueueDepth.Set(float64(depth))
	slog.Debug("[Queue] enqueued", "job", j.ID, "type", j.Kind, "depth", depth)
	return snapshot
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.inFlight = nil
			close(q.idle)
			q.mu.Unlock()
			telemetry.QueueDepth.Set(0)
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inFlight = j
		a := q.adapter()
		if a != nil {
			j.Adapter = a.ID()
		}
		q.mu.Unlock()

		start := time.Now()
		err := deliver(a, j)
		q.finish(j, err, time.Since(start))
	}
}

// deliver runs the adapter call for j. Adapter panics become job errors.
func deliver(a transport.Adapter, j *Job) (err error) {
	if a == nil {
		return ErrNoAdapter
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: adapter panic: %v", r)
		}
	}()

	// A dispatched send is not cancelled; adapters bound their own waits.
	ctx := context.Background()
	switch j.Kind {
	case KindText:
		return a.SendText(ctx, j.Text, j.Meta)
	case KindFile:
		return a.SendFile(ctx, *j.File, j.Meta)
	default:
		return fmt.Errorf("queue: unknown job kind %q", j.Kind)
	}
}

func (q *Queue) finish(j *Job, err error, took time.Duration) {
	now := time.Now()

	q.mu.Lock()
	j.FinishedAt = &now
	if err != nil {
		j.Status = StatusError
		j.Error = err.Error()
		j.ErrorCode = transport.Code(err)
		if j.ErrorCode == "" {
			j.ErrorCode = "SendFailed"
		}
	} else {
		j.Status = StatusSent
	}
	q.inFlight = nil
	q.finished = append(q.finished, j.ID)
	for len(q.finished) > q.history {
		delete(q.jobs, q.finished[0])
		q.finished = q.finished[1:]
	}
	snapshot := *j
	depth := q.depthLocked()
	q.mu.Unlock()

	telemetry.QueueDepth.Set(float64(depth))
	telemetry.JobsTotal.WithLabelValues(string(j.Kind), snapshot.Adapter, string(snapshot.Status)).Inc()
	telemetry.JobDuration.WithLabelValues(string(j.Kind), snapshot.Adapter).Observe(took.Seconds())

	if err != nil {
		slog.Warn("[Queue] job failed", "job", j.ID, "type", j.Kind, "code", snapshot.ErrorCode, "error", err)
	} else {
		slog.Info("[Queue] job sent", "job", j.ID, "type", j.Kind, "adapter", snapshot.Adapter, "took", took)
	}

	if q.onFinish != nil {
		q.onFinish(snapshot)
	}
}

// Get returns a copy of the job with id, if it is queued, in flight or in
// the finished history.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Len returns the number of jobs waiting or in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Pending returns copies of the jobs not yet started, in order.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.pending))
	for i, j := range q.pending {
		out[i] = *j
	}
	return out
}

// Running reports whether a drain goroutine is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) depthLocked() int {
	n := len(q.pending)
	if q.inFlight != nil {
		n++
	}
	return n
}
